// Package sweep reclaims sealed segments the consumer watermark has passed.
// Removal is two-phase through manifest tombstones so a crash mid-delete
// never strands half a segment: mark, archive, delete files, clear mark.
package sweep

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/store"
	"go.uber.org/zap"
)

// Archiver uploads a sealed segment before its local files are deleted.
type Archiver interface {
	Archive(ctx context.Context, entry meta.SegmentEntry, dataPath, indexPath string) (string, error)
}

// ConsumerCloser releases delivery-side state for an expired consumer id.
type ConsumerCloser interface {
	Close(id string)
}

// SweeperConfig holds dependencies for the retention sweeper.
type SweeperConfig struct {
	Retention config.RetentionConfig
	Store     *store.Store
	Tracker   *offsets.Tracker
	Meta      meta.Store
	Archiver  Archiver       // nil disables archiving
	Consumers ConsumerCloser // nil skips delivery-state cleanup
	Logger    *zap.Logger
}

// Sweeper runs the periodic retention cycle.
type Sweeper struct {
	cfg       config.RetentionConfig
	store     *store.Store
	tracker   *offsets.Tracker
	meta      meta.Store
	archiver  Archiver
	consumers ConsumerCloser
	logger    *zap.Logger
}

// New creates a sweeper. Call ResumePending once before serving starts.
func New(cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		cfg:       cfg.Retention,
		store:     cfg.Store,
		tracker:   cfg.Tracker,
		meta:      cfg.Meta,
		archiver:  cfg.Archiver,
		consumers: cfg.Consumers,
		logger:    cfg.Logger.Named("sweep"),
	}
}

// Run starts the periodic sweep loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Cycle(ctx); err != nil {
				s.logger.Error("sweep cycle error", zap.Error(err))
			}
		}
	}
}

// ResumePending finishes two-phase removals interrupted by a crash. The
// tombstone is the authority: whatever phase was reached, replaying
// archive-then-remove from it converges on a clean manifest.
func (s *Sweeper) ResumePending(ctx context.Context) error {
	tombs, err := s.meta.ListTombstones(ctx)
	if err != nil {
		return fmt.Errorf("listing tombstones: %w", err)
	}
	for _, t := range tombs {
		e := meta.SegmentEntry{
			ID:        t.SegmentID,
			FirstSeq:  t.FirstSeq,
			LastSeq:   t.LastSeq,
			SizeBytes: t.SizeBytes,
		}
		if s.archiver != nil && !t.Archived {
			if _, statErr := os.Stat(t.Path); statErr == nil {
				key, aerr := s.archiver.Archive(ctx, e, t.Path, t.IndexPath)
				if aerr != nil {
					s.logger.Warn("resumed archive failed, leaving tombstone",
						zap.Uint64("segment", t.SegmentID), zap.Error(aerr))
					continue
				}
				if kerr := s.meta.SetArchiveKey(ctx, t.SegmentID, key); kerr != nil {
					// The manifest entry may already be gone; the upload is
					// what the tombstone was waiting for.
					s.logger.Debug("archive key not recorded", zap.Uint64("segment", t.SegmentID), zap.Error(kerr))
				}
			}
		}
		if err := s.store.Remove(ctx, e); err != nil {
			s.logger.Error("resumed removal failed", zap.Uint64("segment", t.SegmentID), zap.Error(err))
			continue
		}
		if err := s.meta.DeleteTombstone(ctx, t.SegmentID); err != nil {
			return fmt.Errorf("clearing tombstone %d: %w", t.SegmentID, err)
		}
		s.logger.Info("resumed segment removal",
			zap.Uint64("segment", t.SegmentID),
			zap.Uint64("first_seq", t.FirstSeq),
			zap.Uint64("last_seq", t.LastSeq))
	}
	return nil
}

// Cycle performs one sweep: expire idle consumers, compute the watermark,
// reclaim eligible sealed segments in order, prune gap markers, publish
// gauges.
func (s *Sweeper) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepCycles.Inc()
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now()
	for _, id := range s.tracker.ExpireIdle(ctx, now) {
		if s.consumers != nil {
			s.consumers.Close(id)
		}
		metrics.ConsumerLag.DeleteLabelValues(id)
	}

	hw := s.store.HighWater()
	wm := s.tracker.Watermark(hw, s.cfg.MinRetainRecords)
	metrics.WatermarkSeq.Set(float64(wm))

	used, max := s.store.UsedBytes(), s.store.MaxBytes()
	aggressive := max > 0 && float64(used) > s.cfg.SafeguardFraction*float64(max)
	if aggressive {
		metrics.SafeguardActivations.Inc()
		s.logger.Warn("size safeguard active, age floor suspended",
			zap.Int64("used_bytes", used),
			zap.Int64("max_bytes", max))
	}

	var (
		reclaimed int
		freed     int64
	)
	ageCutoff := now.Add(-s.cfg.MinRetainAge.Duration())
	for _, e := range s.store.SealedSegments() {
		if e.LastSeq >= wm {
			break
		}
		// The watermark and record floor always hold; only the age floor
		// yields to the safeguard.
		if !aggressive && e.SealedAt.After(ageCutoff) {
			break
		}
		if err := s.reclaim(ctx, e); err != nil {
			// Keep removal prefix-contiguous: retry from here next cycle.
			s.logger.Error("segment reclaim failed", zap.Uint64("segment", e.ID), zap.Error(err))
			break
		}
		reclaimed++
		freed += e.SizeBytes
	}
	if reclaimed > 0 {
		metrics.SegmentsReclaimed.Add(float64(reclaimed))
		metrics.BytesReclaimed.Add(float64(freed))
		s.logger.Info("segments reclaimed",
			zap.Int("count", reclaimed),
			zap.Int64("bytes", freed),
			zap.Uint64("watermark", wm))
	}

	if wm > 0 {
		if n, err := s.store.PruneGapsBelow(ctx, wm); err != nil {
			s.logger.Warn("pruning gap markers", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("gap markers pruned", zap.Int("count", n))
		}
	}

	s.publishGauges(now, hw)
	return nil
}

// reclaim executes mark, archive, delete, clear for one segment. An archive
// failure undoes the mark so the segment stays served locally until the
// upload succeeds.
func (s *Sweeper) reclaim(ctx context.Context, e meta.SegmentEntry) error {
	dataPath, indexPath := s.store.SegmentPaths(e.ID)
	t := meta.TombstoneEntry{
		SegmentID: e.ID,
		Path:      dataPath,
		IndexPath: indexPath,
		FirstSeq:  e.FirstSeq,
		LastSeq:   e.LastSeq,
		SizeBytes: e.SizeBytes,
		MarkedAt:  time.Now(),
	}
	if err := s.meta.PutTombstone(ctx, t); err != nil {
		return fmt.Errorf("marking segment %d: %w", e.ID, err)
	}

	if s.archiver != nil && !e.Corrupt {
		key, err := s.archiver.Archive(ctx, e, dataPath, indexPath)
		if err != nil {
			if derr := s.meta.DeleteTombstone(ctx, e.ID); derr != nil {
				s.logger.Error("clearing tombstone after archive failure",
					zap.Uint64("segment", e.ID), zap.Error(derr))
			}
			return fmt.Errorf("archiving segment %d: %w", e.ID, err)
		}
		t.Archived = true
		if err := s.meta.PutTombstone(ctx, t); err != nil {
			return fmt.Errorf("marking segment %d archived: %w", e.ID, err)
		}
		if err := s.meta.SetArchiveKey(ctx, e.ID, key); err != nil {
			s.logger.Warn("recording archive key", zap.Uint64("segment", e.ID), zap.Error(err))
		}
	}

	if err := s.store.Remove(ctx, e); err != nil {
		return fmt.Errorf("removing segment %d: %w", e.ID, err)
	}
	if err := s.meta.DeleteTombstone(ctx, e.ID); err != nil {
		return fmt.Errorf("clearing tombstone %d: %w", e.ID, err)
	}

	s.logger.Info("segment reclaimed",
		zap.Uint64("segment", e.ID),
		zap.Uint64("first_seq", e.FirstSeq),
		zap.Uint64("last_seq", e.LastSeq),
		zap.Int64("size_bytes", e.SizeBytes),
		zap.Bool("archived", t.Archived))
	return nil
}

func (s *Sweeper) publishGauges(now time.Time, hw uint64) {
	st := s.store.Stats()
	metrics.StoreBytes.Set(float64(st.TotalBytes))
	metrics.EarliestSeq.Set(float64(st.Earliest))
	metrics.Segments.WithLabelValues("sealed").Set(float64(st.SealedCount))
	metrics.Segments.WithLabelValues("corrupt").Set(float64(st.CorruptCount))
	metrics.ConsumersActive.Set(float64(s.tracker.ActiveCount(now)))
	for _, c := range s.tracker.Snapshot(now, hw) {
		metrics.ConsumerLag.WithLabelValues(c.ID).Set(float64(c.Lag))
	}
}
