// Package dispatch moves committed records from the store to registered
// consumers, at-least-once. Push consumers get a delivery goroutine per
// attached sink; pull consumers drive their own fetch cycle through Next.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/store"
	"go.uber.org/zap"
)

// ErrShutdown is returned when attaching to a dispatcher that has stopped.
var ErrShutdown = errors.New("dispatcher shut down")

// Sink receives batches for a push consumer. Deliver must not retain the
// batch past its return; acknowledgement goes through Dispatcher.Ack, either
// from inside Deliver or from a separate client round-trip.
type Sink interface {
	Deliver(ctx context.Context, batch *store.Batch) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, batch *store.Batch) error

func (f SinkFunc) Deliver(ctx context.Context, batch *store.Batch) error {
	return f(ctx, batch)
}

type pushLoop struct {
	id           string
	sink         Sink
	cancel       context.CancelFunc
	done         chan struct{}
	machine      Machine
	deliveredEnd uint64
}

type pullState struct {
	machine Machine

	mu           sync.Mutex
	deliveredEnd uint64
	deliveredAt  time.Time
}

// Dispatcher owns the per-consumer delivery machinery on top of the store
// and the offset tracker.
type Dispatcher struct {
	cfg     config.DispatchConfig
	store   *store.Store
	tracker *offsets.Tracker
	logger  *zap.Logger

	mu     sync.Mutex
	loops  map[string]*pushLoop
	pulls  map[string]*pullState
	closed bool
}

// New creates a dispatcher. It starts no goroutines; push loops spin up when
// sinks attach.
func New(cfg config.DispatchConfig, st *store.Store, tr *offsets.Tracker, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		tracker: tr,
		logger:  logger.Named("dispatch"),
		loops:   make(map[string]*pushLoop),
		pulls:   make(map[string]*pullState),
	}
}

// AttachSink starts a push delivery loop for id, feeding sink from the
// consumer's committed offset. Attaching over a live sink replaces it: the
// old loop is cancelled and drained before the new one starts, so a consumer
// never has two loops racing on one offset. The loop stops when ctx is
// cancelled, the sink is replaced, the consumer is closed, or the dispatcher
// shuts down.
func (d *Dispatcher) AttachSink(ctx context.Context, id string, sink Sink) error {
	reg, ok := d.tracker.Get(id)
	if !ok {
		return offsets.ErrUnknownConsumer
	}
	if reg.Mode != offsets.ModePush {
		return offsets.ErrModeMismatch
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	old := d.loops[id]
	delete(d.loops, id)
	d.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &pushLoop{
		id:     id,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrShutdown
	}
	d.loops[id] = l
	d.mu.Unlock()

	go d.run(loopCtx, l)
	d.logger.Info("sink attached", zap.String("consumer", id), zap.Uint64("offset", reg.Offset))
	return nil
}

func (d *Dispatcher) run(ctx context.Context, l *pushLoop) {
	defer func() {
		close(l.done)
		d.mu.Lock()
		if d.loops[l.id] == l {
			delete(d.loops, l.id)
		}
		d.mu.Unlock()
	}()

	backoff := d.cfg.BackoffInitial.Duration()
	timeouts := 0

	for {
		if ctx.Err() != nil {
			return
		}
		reg, ok := d.tracker.Get(l.id)
		if !ok {
			l.machine.Close()
			return
		}

		// Grab the channel before checking the high water mark so an append
		// racing the check still wakes us.
		notify := d.store.AppendNotify()
		if d.store.HighWater() <= reg.Offset {
			l.machine.To(StateIdle)
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		l.machine.To(StateDelivering)
		batch, err := d.store.Read(reg.Offset+1, d.cfg.MaxBatchRecords, int64(d.cfg.MaxBatchBytes))
		if err != nil {
			d.logger.Warn("push read failed", zap.String("consumer", l.id), zap.Error(err))
			if !d.pause(ctx, l, &backoff) {
				return
			}
			continue
		}
		if batch.Empty() {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		redelivered := 0
		for _, r := range batch.Records {
			if r.Sequence <= l.deliveredEnd {
				redelivered++
			}
		}

		if err := l.sink.Deliver(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("delivery failed",
				zap.String("consumer", l.id),
				zap.Uint64("from", reg.Offset+1),
				zap.Error(err))
			if !d.pause(ctx, l, &backoff) {
				return
			}
			continue
		}

		d.tracker.Touch(l.id)
		observeGaps(batch.Gaps)
		if redelivered > 0 {
			metrics.RecordsRedelivered.WithLabelValues(l.id).Add(float64(redelivered))
		}

		if len(batch.Records) == 0 {
			// Nothing in the batch a consumer could acknowledge. Advance the
			// offset here or the loop would serve the same gap forever.
			if _, err := d.tracker.Acknowledge(ctx, l.id, batch.LastSeq()); err != nil {
				d.logger.Warn("gap advance failed", zap.String("consumer", l.id), zap.Error(err))
			}
			backoff = d.cfg.BackoffInitial.Duration()
			timeouts = 0
			continue
		}

		metrics.RecordsDelivered.WithLabelValues(l.id, "push").Add(float64(len(batch.Records)))
		l.deliveredEnd = batch.LastSeq()

		l.machine.To(StateAwaitingAck)
		acked, err := d.waitAck(ctx, l.id, batch.LastSeq())
		if err != nil {
			if errors.Is(err, offsets.ErrUnknownConsumer) {
				l.machine.Close()
			}
			return
		}
		if !acked {
			timeouts++
			metrics.AckTimeouts.WithLabelValues(l.id).Inc()
			d.logger.Warn("acknowledgement timeout, redelivering",
				zap.String("consumer", l.id),
				zap.Uint64("target", batch.LastSeq()),
				zap.Int("consecutive", timeouts))
			if timeouts > 1 {
				if !d.pause(ctx, l, &backoff) {
					return
				}
			} else {
				l.machine.To(StateDelivering)
			}
			continue
		}

		l.machine.To(StateIdle)
		backoff = d.cfg.BackoffInitial.Duration()
		timeouts = 0
	}
}

// waitAck blocks until the consumer's offset reaches target, the ack timeout
// fires (returns false, nil), or ctx is cancelled.
func (d *Dispatcher) waitAck(ctx context.Context, id string, target uint64) (bool, error) {
	timer := time.NewTimer(d.cfg.AckTimeout.Duration())
	defer timer.Stop()
	for {
		notify := d.tracker.AckNotify()
		reg, ok := d.tracker.Get(id)
		if !ok {
			return false, offsets.ErrUnknownConsumer
		}
		if reg.Offset >= target {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-notify:
		}
	}
}

// pause parks the loop in Paused for the current backoff and doubles it up
// to the configured cap. Returns false when ctx ended during the wait.
func (d *Dispatcher) pause(ctx context.Context, l *pushLoop, backoff *time.Duration) bool {
	l.machine.To(StatePaused)
	timer := time.NewTimer(*backoff)
	defer timer.Stop()
	if next := *backoff * 2; next > d.cfg.BackoffMax.Duration() {
		*backoff = d.cfg.BackoffMax.Duration()
	} else {
		*backoff = next
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Next serves the next batch for a pull consumer from its committed offset.
// The same batch is served again until acknowledged; a serve after the ack
// deadline counts as a timeout.
func (d *Dispatcher) Next(ctx context.Context, id string, maxCount int, maxBytes int64) (*store.Batch, error) {
	reg, ok := d.tracker.Get(id)
	if !ok {
		return nil, offsets.ErrUnknownConsumer
	}
	if reg.Mode != offsets.ModePull {
		return nil, offsets.ErrModeMismatch
	}
	if maxCount <= 0 || maxCount > d.cfg.MaxBatchRecords {
		maxCount = d.cfg.MaxBatchRecords
	}
	if maxBytes <= 0 || maxBytes > int64(d.cfg.MaxBatchBytes) {
		maxBytes = int64(d.cfg.MaxBatchBytes)
	}

	ps := d.pullFor(id)
	d.tracker.Touch(id)
	ps.machine.To(StateDelivering)

	batch, err := d.store.Read(reg.Offset+1, maxCount, maxBytes)
	if err != nil {
		ps.machine.To(StateIdle)
		return nil, err
	}
	observeGaps(batch.Gaps)

	now := time.Now()
	ps.mu.Lock()
	if ps.deliveredEnd > reg.Offset && !ps.deliveredAt.IsZero() &&
		now.Sub(ps.deliveredAt) >= d.cfg.AckTimeout.Duration() {
		metrics.AckTimeouts.WithLabelValues(id).Inc()
	}
	redelivered := 0
	for _, r := range batch.Records {
		if r.Sequence <= ps.deliveredEnd {
			redelivered++
		}
	}
	if len(batch.Records) > 0 {
		ps.deliveredEnd = batch.LastSeq()
		ps.deliveredAt = now
		ps.machine.To(StateAwaitingAck)
	} else {
		ps.machine.To(StateIdle)
	}
	ps.mu.Unlock()

	if redelivered > 0 {
		metrics.RecordsRedelivered.WithLabelValues(id).Add(float64(redelivered))
	}
	if len(batch.Records) > 0 {
		metrics.RecordsDelivered.WithLabelValues(id, "pull").Add(float64(len(batch.Records)))
	} else if !batch.Empty() && batch.LastSeq() > reg.Offset {
		// Gap-only batch: advance past it so the next fetch makes progress.
		if _, err := d.tracker.Acknowledge(ctx, id, batch.LastSeq()); err != nil {
			d.logger.Warn("gap advance failed", zap.String("consumer", id), zap.Error(err))
		}
	}
	return batch, nil
}

// Ack commits a consumer's offset and settles any armed delivery for it.
func (d *Dispatcher) Ack(ctx context.Context, id string, seq uint64) (bool, error) {
	applied, err := d.tracker.Acknowledge(ctx, id, seq)
	if err != nil || !applied {
		return applied, err
	}
	d.mu.Lock()
	ps := d.pulls[id]
	d.mu.Unlock()
	if ps != nil {
		ps.mu.Lock()
		if seq >= ps.deliveredEnd {
			ps.deliveredAt = time.Time{}
			ps.machine.To(StateIdle)
		}
		ps.mu.Unlock()
	}
	return applied, nil
}

// Close tears down delivery state for a consumer. In-flight push delivery is
// cancelled and drained; the registration itself is the tracker's business.
func (d *Dispatcher) Close(id string) {
	d.mu.Lock()
	l := d.loops[id]
	delete(d.loops, id)
	ps := d.pulls[id]
	delete(d.pulls, id)
	d.mu.Unlock()

	if ps != nil {
		ps.machine.Close()
	}
	if l != nil {
		l.cancel()
		<-l.done
		l.machine.Close()
		d.logger.Info("sink detached", zap.String("consumer", id))
	}
}

// States snapshots the delivery state of every consumer with live machinery.
func (d *Dispatcher) States() map[string]State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]State, len(d.loops)+len(d.pulls))
	for id, ps := range d.pulls {
		out[id] = ps.machine.State()
	}
	for id, l := range d.loops {
		out[id] = l.machine.State()
	}
	return out
}

// Shutdown stops all push loops and refuses further attachments.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	loops := make([]*pushLoop, 0, len(d.loops))
	for _, l := range d.loops {
		loops = append(loops, l)
	}
	d.loops = make(map[string]*pushLoop)
	for _, ps := range d.pulls {
		ps.machine.Close()
	}
	d.pulls = make(map[string]*pullState)
	d.mu.Unlock()

	for _, l := range loops {
		l.cancel()
		<-l.done
	}
	d.logger.Info("dispatcher stopped", zap.Int("push_loops", len(loops)))
}

func (d *Dispatcher) pullFor(id string) *pullState {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps, ok := d.pulls[id]
	if !ok {
		ps = &pullState{}
		d.pulls[id] = ps
	}
	return ps
}

func observeGaps(gaps []store.Gap) {
	for _, g := range gaps {
		metrics.GapsServed.WithLabelValues(g.Reason).Inc()
	}
}
