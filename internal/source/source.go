// Package source pulls log records from a JetStream stream and ships them
// through the gate into the local store.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/gate"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/store"
	"github.com/mareekkk/logstream/pkg/natsutil"
)

// Source is a durable JetStream pull consumer feeding the gate. Each
// message's subject becomes its source tag, and the JetStream ack is sent
// only after the record is durably appended, so a crash between fetch and
// append redelivers instead of losing data.
type Source struct {
	cfg    config.SourceConfig
	gate   *gate.Gate
	logger *zap.Logger

	nakDelay time.Duration

	mu sync.Mutex
	nc *nats.Conn
}

// New creates a source reading the configured stream.
func New(cfg config.SourceConfig, g *gate.Gate, logger *zap.Logger) *Source {
	return &Source{
		cfg:      cfg,
		gate:     g,
		logger:   logger.Named("source"),
		nakDelay: 5 * time.Second,
	}
}

// Healthy reports whether the NATS connection is currently established.
func (s *Source) Healthy() bool {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	return nc != nil && nc.IsConnected()
}

// Run connects to NATS, binds the durable consumer, and fetches batches
// until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	nc, err := natsutil.Connect(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.nc = nil
		s.mu.Unlock()
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("opening JetStream context: %w", err)
	}

	batchSize := s.cfg.FetchBatch
	if batchSize <= 0 {
		batchSize = 256
	}
	fetchTimeout := s.cfg.FetchTimeout.Duration()
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       s.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: batchSize * 4,
	}
	if len(s.cfg.Subjects) > 0 {
		consumerCfg.FilterSubjects = s.cfg.Subjects
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, consumerCfg)
	if err != nil {
		return fmt.Errorf("creating consumer %s on stream %s: %w", s.cfg.ConsumerName, s.cfg.Stream, err)
	}

	s.logger.Info("source started",
		zap.String("stream", s.cfg.Stream),
		zap.String("consumer", s.cfg.ConsumerName),
		zap.Int("fetch_batch", batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Warn("fetch error, retrying", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		throttled := false
		for msg := range msgs.Messages() {
			if s.ship(ctx, msg) {
				throttled = true
			}
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			s.logger.Warn("fetch batch error", zap.Error(err))
		}

		// The store pushed back. The naked messages come back after
		// nakDelay, so fetching sooner only spins on rejections.
		if throttled {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.nakDelay):
			}
		}
	}
}

// ship routes one message through the gate and settles its JetStream ack.
// Returns true when the store pushed back and fetching should pause.
func (s *Source) ship(ctx context.Context, msg jetstream.Msg) bool {
	_, err := s.gate.Submit(ctx, msg.Data(), msg.Subject())
	switch {
	case err == nil:
		metrics.SourceMessages.WithLabelValues(s.cfg.Stream).Inc()
		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", zap.String("subject", msg.Subject()), zap.Error(err))
		}
		return false

	case errors.Is(err, gate.ErrBackpressure), errors.Is(err, store.ErrStorageFull):
		metrics.SourceNaks.WithLabelValues(s.cfg.Stream, "backpressure").Inc()
		if err := msg.NakWithDelay(s.nakDelay); err != nil {
			s.logger.Warn("nak failed", zap.String("subject", msg.Subject()), zap.Error(err))
		}
		return true

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown raced the append. Leave the message unacknowledged and
		// the server redelivers it after its ack wait.
		return false

	default:
		// Validation failures are permanent, so terminate delivery instead
		// of letting the message bounce forever.
		metrics.SourceNaks.WithLabelValues(s.cfg.Stream, "invalid").Inc()
		s.logger.Warn("message rejected, terminating delivery",
			zap.String("subject", msg.Subject()),
			zap.Error(err),
		)
		if err := msg.Term(); err != nil {
			s.logger.Warn("term failed", zap.String("subject", msg.Subject()), zap.Error(err))
		}
		return false
	}
}
