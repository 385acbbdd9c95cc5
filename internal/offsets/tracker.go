package offsets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/metrics"
)

var (
	// ErrUnknownConsumer is returned for operations on an unregistered id.
	ErrUnknownConsumer = errors.New("unknown consumer")

	// ErrModeMismatch is returned when a registration id is reused with a
	// different delivery mode.
	ErrModeMismatch = errors.New("consumer mode mismatch")
)

// Mode is the delivery capability a consumer registered with.
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// ParseMode validates a mode string from the API surface.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePush, ModePull:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid consumer mode %q", s)
	}
}

// Registration is one consumer's durable identity plus its progress.
type Registration struct {
	ID        string
	Mode      Mode
	SinceSeq  uint64
	Offset    uint64
	CreatedAt time.Time
	LastSeen  time.Time
}

// Status is a Registration annotated for diagnostics.
type Status struct {
	Registration
	Active bool
	Lag    uint64
}

// Tracker owns consumer registrations and acknowledged offsets. Offsets
// only move forward; a regressive acknowledgement is ignored and counted,
// never applied. State is persisted through the manifest store so
// progress survives restarts.
type Tracker struct {
	cfg    config.ConsumersConfig
	meta   meta.Store
	logger *zap.Logger

	mu   sync.RWMutex
	regs map[string]*Registration

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewTracker loads persisted registrations and their offsets.
func NewTracker(ctx context.Context, cfg config.ConsumersConfig, m meta.Store, logger *zap.Logger) (*Tracker, error) {
	t := &Tracker{
		cfg:      cfg,
		meta:     m,
		logger:   logger.Named("offsets"),
		regs:     make(map[string]*Registration),
		notifyCh: make(chan struct{}),
	}
	entries, err := m.ListConsumers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading consumers: %w", err)
	}
	for _, e := range entries {
		off, err := m.GetOffset(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("loading offset for %s: %w", e.ID, err)
		}
		t.regs[e.ID] = &Registration{
			ID:        e.ID,
			Mode:      Mode(e.Mode),
			SinceSeq:  e.SinceSeq,
			Offset:    off,
			CreatedAt: e.CreatedAt,
			LastSeen:  e.LastSeen,
		}
	}
	if len(t.regs) > 0 {
		t.logger.Info("restored consumer registrations", zap.Int("count", len(t.regs)))
	}
	return t, nil
}

// Register creates a registration, or returns the existing one when the
// id is already known with the same mode. Delivery starts at fromSeq;
// zero means from the beginning of retained history.
func (t *Tracker) Register(ctx context.Context, id string, mode Mode, fromSeq uint64) (Registration, error) {
	if id == "" {
		return Registration{}, errors.New("consumer id required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.regs[id]; ok {
		if existing.Mode != mode {
			return Registration{}, fmt.Errorf("%w: %s is registered as %s", ErrModeMismatch, id, existing.Mode)
		}
		existing.LastSeen = time.Now().UTC()
		return *existing, nil
	}

	now := time.Now().UTC()
	var offset uint64
	if fromSeq > 1 {
		offset = fromSeq - 1
	}
	entry := meta.ConsumerEntry{
		ID:        id,
		Mode:      string(mode),
		SinceSeq:  fromSeq,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := t.meta.PutConsumer(ctx, entry); err != nil {
		return Registration{}, fmt.Errorf("persisting registration %s: %w", id, err)
	}
	if offset > 0 {
		if err := t.meta.SetOffset(ctx, id, offset, now); err != nil {
			return Registration{}, fmt.Errorf("persisting initial offset for %s: %w", id, err)
		}
	}
	reg := &Registration{
		ID:        id,
		Mode:      mode,
		SinceSeq:  fromSeq,
		Offset:    offset,
		CreatedAt: now,
		LastSeen:  now,
	}
	t.regs[id] = reg
	t.logger.Info("consumer registered",
		zap.String("consumer", id),
		zap.String("mode", string(mode)),
		zap.Uint64("from_seq", fromSeq))
	return *reg, nil
}

// Unregister destroys a registration and its offset.
func (t *Tracker) Unregister(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}
	if err := t.meta.DeleteConsumer(ctx, id); err != nil {
		return fmt.Errorf("removing registration %s: %w", id, err)
	}
	delete(t.regs, id)
	t.logger.Info("consumer unregistered", zap.String("consumer", id))
	return nil
}

// Get returns a copy of one registration.
func (t *Tracker) Get(id string) (Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.regs[id]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Acknowledge moves a consumer's offset to seq. The offset is monotonic:
// seq at or below the current offset is ignored and reported as not
// applied. The new offset is durable before it becomes visible.
func (t *Tracker) Acknowledge(ctx context.Context, id string, seq uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.regs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}
	if seq <= reg.Offset {
		if seq < reg.Offset {
			metrics.RegressiveAcks.WithLabelValues(id).Inc()
			t.logger.Warn("regressive acknowledgement ignored",
				zap.String("consumer", id),
				zap.Uint64("acked", seq),
				zap.Uint64("offset", reg.Offset))
		}
		reg.LastSeen = time.Now().UTC()
		return false, nil
	}

	now := time.Now().UTC()
	if err := t.meta.SetOffset(ctx, id, seq, now); err != nil {
		return false, fmt.Errorf("persisting offset for %s: %w", id, err)
	}
	reg.Offset = seq
	reg.LastSeen = now
	t.notifyAck()
	return true, nil
}

// Touch refreshes a consumer's activity timestamp without moving its
// offset. Called on every fetch and delivery.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	if reg, ok := t.regs[id]; ok {
		reg.LastSeen = time.Now().UTC()
	}
	t.mu.Unlock()
}

// AckNotify returns a channel closed on the next applied acknowledgement.
// Grab the channel before inspecting offsets to avoid missing a wakeup.
func (t *Tracker) AckNotify() <-chan struct{} {
	t.notifyMu.Lock()
	ch := t.notifyCh
	t.notifyMu.Unlock()
	return ch
}

func (t *Tracker) notifyAck() {
	t.notifyMu.Lock()
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
	t.notifyMu.Unlock()
}

// Watermark returns the sequence at or below which records are eligible
// for reclamation: the minimum offset across active consumers, never
// above the retention floor highWater-minRetainRecords. Consumers idle
// past the activity timeout do not hold the watermark back.
func (t *Tracker) Watermark(highWater, minRetainRecords uint64) uint64 {
	var floor uint64
	if highWater > minRetainRecords {
		floor = highWater - minRetainRecords
	}
	if min, ok := t.minActiveOffset(time.Now()); ok && min < floor {
		return min
	}
	return floor
}

func (t *Tracker) minActiveOffset(now time.Time) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		min   uint64
		found bool
	)
	for _, reg := range t.regs {
		if now.Sub(reg.LastSeen) > time.Duration(t.cfg.ActivityTimeout) {
			continue
		}
		if !found || reg.Offset < min {
			min = reg.Offset
			found = true
		}
	}
	return min, found
}

// ExpireIdle destroys registrations idle past the expiry window and
// returns their ids.
func (t *Tracker) ExpireIdle(ctx context.Context, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, reg := range t.regs {
		if now.Sub(reg.LastSeen) <= time.Duration(t.cfg.ExpireAfter) {
			continue
		}
		if err := t.meta.DeleteConsumer(ctx, id); err != nil {
			t.logger.Error("expiring consumer", zap.String("consumer", id), zap.Error(err))
			continue
		}
		delete(t.regs, id)
		removed = append(removed, id)
		t.logger.Info("expired idle consumer",
			zap.String("consumer", id),
			zap.Time("last_seen", reg.LastSeen))
	}
	return removed
}

// Snapshot returns all registrations sorted by id, annotated with
// activity and lag against the given high water mark.
func (t *Tracker) Snapshot(now time.Time, highWater uint64) []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.regs))
	for _, reg := range t.regs {
		st := Status{
			Registration: *reg,
			Active:       now.Sub(reg.LastSeen) <= time.Duration(t.cfg.ActivityTimeout),
		}
		if highWater > reg.Offset {
			st.Lag = highWater - reg.Offset
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns how many consumers were seen within the activity
// window.
func (t *Tracker) ActiveCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, reg := range t.regs {
		if now.Sub(reg.LastSeen) <= time.Duration(t.cfg.ActivityTimeout) {
			n++
		}
	}
	return n
}
