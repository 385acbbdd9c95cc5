// Package gate is the single admission point for new records. Every
// producer path (HTTP, NATS source) funnels through Submit, which
// enforces size ceilings and backpressure before anything touches the
// store, then normalizes and scrubs the payload.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/normalize"
	"github.com/mareekkk/logstream/internal/record"
	"github.com/mareekkk/logstream/internal/scrub"
	"github.com/mareekkk/logstream/internal/store"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the configured
	// per-record ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrSourceTooLong is returned when the source tag exceeds its limit.
	ErrSourceTooLong = errors.New("source tag too long")

	// ErrBackpressure is returned when the store is above the high-water
	// fraction of its capacity; producers should slow down and retry.
	ErrBackpressure = errors.New("store approaching capacity")

	// ErrEmptyPayload is returned for blank submissions.
	ErrEmptyPayload = errors.New("empty payload")
)

// Gate validates, transforms and admits records.
type Gate struct {
	cfg      config.IngestConfig
	store    *store.Store
	scrubber *scrub.Scrubber
	logger   *zap.Logger
}

// New builds the gate. The scrubber is only constructed when enabled.
func New(cfg config.IngestConfig, st *store.Store, logger *zap.Logger) *Gate {
	g := &Gate{
		cfg:    cfg,
		store:  st,
		logger: logger.Named("gate"),
	}
	if cfg.Scrub.Enabled {
		g.scrubber = scrub.New(cfg.Scrub, logger)
	}
	metrics.StoreCapacityBytes.Set(float64(st.MaxBytes()))
	return g
}

// Submit admits one record and returns its assigned sequence number.
// The record is durable when Submit returns nil.
func (g *Gate) Submit(ctx context.Context, payload []byte, source string) (uint64, error) {
	return g.submit(ctx, payload, source, false)
}

// SubmitPrescrubbed admits a record whose producer already redacted the
// payload. Skips the scrubbing stage only; every other check still runs.
func (g *Gate) SubmitPrescrubbed(ctx context.Context, payload []byte, source string) (uint64, error) {
	return g.submit(ctx, payload, source, true)
}

func (g *Gate) submit(ctx context.Context, payload []byte, source string, prescrubbed bool) (uint64, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		metrics.RecordsRejected.WithLabelValues("empty").Inc()
		return 0, ErrEmptyPayload
	}
	if source == "" {
		metrics.RecordsRejected.WithLabelValues("invalid").Inc()
		return 0, errors.New("source tag required")
	}
	if g.cfg.MaxSourceLen > 0 && len(source) > g.cfg.MaxSourceLen {
		metrics.RecordsRejected.WithLabelValues("source_too_long").Inc()
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrSourceTooLong, len(source), g.cfg.MaxSourceLen)
	}
	if g.cfg.MaxPayloadBytes > 0 && len(payload) > int(g.cfg.MaxPayloadBytes) {
		metrics.RecordsRejected.WithLabelValues("payload_too_large").Inc()
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), int64(g.cfg.MaxPayloadBytes))
	}

	if g.cfg.Normalize {
		entry := normalize.Line(payload, time.Now())
		// Scrub the entry fields, not the encoded JSON, so redaction
		// cannot break the encoding.
		if g.scrubber != nil && !prescrubbed {
			g.scrubber.ScrubEntry(&entry)
		}
		encoded, err := entry.Encode()
		if err != nil {
			return 0, fmt.Errorf("encoding normalized entry: %w", err)
		}
		payload = encoded
	} else if g.scrubber != nil && !prescrubbed {
		payload = g.scrubber.Scrub(payload)
	}

	// Backpressure engages before the hard ceiling so producers get a
	// retryable signal while the sweeper still has room to work.
	frameLen := int64(record.EncodedSize(source, payload))
	if max := g.store.MaxBytes(); max > 0 && g.cfg.HighWaterFraction > 0 {
		used := g.store.UsedBytes()
		if float64(used+frameLen) > float64(max)*g.cfg.HighWaterFraction {
			metrics.RecordsRejected.WithLabelValues("backpressure").Inc()
			return 0, fmt.Errorf("%w: %d of %d bytes used", ErrBackpressure, used, max)
		}
	}

	start := time.Now()
	seq, err := g.store.Append(ctx, payload, source)
	if err != nil {
		if errors.Is(err, store.ErrStorageFull) {
			metrics.RecordsRejected.WithLabelValues("storage_full").Inc()
		} else {
			metrics.RecordsRejected.WithLabelValues("append_error").Inc()
		}
		return 0, err
	}
	metrics.AppendDuration.Observe(time.Since(start).Seconds())
	metrics.RecordsAccepted.WithLabelValues(source).Inc()
	metrics.HighWaterSeq.Set(float64(seq))
	metrics.StoreBytes.Set(float64(g.store.UsedBytes()))
	return seq, nil
}
