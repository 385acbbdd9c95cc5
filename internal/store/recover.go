package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/segment"
)

// recover rebuilds the committed-state snapshot from the manifest and the
// segment files on disk. Sealed segments are taken from the manifest;
// unsealed files left behind by a crash are re-sealed, except the newest
// one, which resumes as the active segment with any torn tail truncated.
func (s *Store) recover(ctx context.Context) error {
	tombstoned := make(map[uint64]bool)
	tombs, err := s.meta.ListTombstones(ctx)
	if err != nil {
		return fmt.Errorf("listing tombstones: %w", err)
	}
	for _, t := range tombs {
		tombstoned[t.SegmentID] = true
	}

	sealed, err := s.meta.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("listing segments: %w", err)
	}
	var maxID, maxSeq uint64
	for i := range sealed {
		e := &sealed[i]
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.LastSeq > maxSeq {
			maxSeq = e.LastSeq
		}
		if _, statErr := os.Stat(segment.DataPath(s.dir, e.ID)); statErr != nil {
			e.SizeBytes = 0
			if tombstoned[e.ID] {
				continue
			}
			s.logger.Error("sealed segment file missing", zap.Uint64("segment", e.ID), zap.Error(statErr))
			if !e.Corrupt {
				if err := s.meta.MarkCorrupt(ctx, e.ID); err != nil {
					return fmt.Errorf("recording missing segment %d: %w", e.ID, err)
				}
				e.Corrupt = true
			}
		}
	}

	// Sequence numbers must never be reused, so reclaimed ranges still
	// count toward the recovery floor.
	for _, t := range tombs {
		if t.SegmentID > maxID {
			maxID = t.SegmentID
		}
		if t.LastSeq > maxSeq {
			maxSeq = t.LastSeq
		}
	}
	gaps, err := s.meta.ListGaps(ctx)
	if err != nil {
		return fmt.Errorf("listing gaps: %w", err)
	}
	for _, g := range gaps {
		if g.LastSeq > maxSeq {
			maxSeq = g.LastSeq
		}
	}

	unsealed, err := s.findUnsealed(sealed, tombstoned)
	if err != nil {
		return err
	}
	for _, id := range unsealed {
		if id > maxID {
			maxID = id
		}
	}

	// All unsealed files but the newest were full when the crash hit.
	for i := 0; i+1 < len(unsealed); i++ {
		entry, ok, err := s.resealUnsealed(ctx, unsealed[i])
		if err != nil {
			return err
		}
		if ok {
			sealed = append(sealed, entry)
			if entry.LastSeq > maxSeq {
				maxSeq = entry.LastSeq
			}
		}
	}

	if n := len(unsealed); n > 0 {
		id := unsealed[n-1]
		w, res, err := s.resumeActive(id)
		if err != nil {
			return err
		}
		if w != nil {
			s.active = w
			s.activeIdx = res.Entries
			if res.LastSeq > maxSeq {
				maxSeq = res.LastSeq
			}
			if base := w.BaseSeq(); base > 0 && base-1 > maxSeq {
				maxSeq = base - 1
			}
			if info, err := os.Stat(w.Path()); err == nil {
				s.activeCreated = info.ModTime().UTC()
			} else {
				s.activeCreated = time.Now().UTC()
			}
		}
	}

	s.nextSeq = maxSeq + 1
	s.nextSegID = maxID + 1
	s.highWater.Store(maxSeq)

	if s.active == nil {
		w, err := segment.Create(s.dir, s.nextSegID, s.nextSeq)
		if err != nil {
			return fmt.Errorf("creating active segment: %w", err)
		}
		s.active = w
		s.activeCreated = time.Now().UTC()
		s.nextSegID++
	}

	sort.Slice(sealed, func(i, j int) bool { return sealed[i].ID < sealed[j].ID })
	var total int64
	for _, e := range sealed {
		total += e.SizeBytes
	}
	total += s.active.Size()

	s.smu.Lock()
	s.sealed = sealed
	s.activeRef = s.active
	s.totalBytes = total
	s.recomputeEarliestLocked()
	s.smu.Unlock()
	return nil
}

// findUnsealed returns the ids of segment files on disk that are neither
// sealed in the manifest nor tombstoned, in ascending order.
func (s *Store) findUnsealed(sealed []meta.SegmentEntry, tombstoned map[uint64]bool) ([]uint64, error) {
	known := make(map[uint64]bool, len(sealed))
	for _, e := range sealed {
		known[e.ID] = true
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.seg"))
	if err != nil {
		return nil, fmt.Errorf("scanning segments dir: %w", err)
	}
	var ids []uint64
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), ".seg")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring unrecognized file in segments dir", zap.String("path", p))
			continue
		}
		if known[id] || tombstoned[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// resealUnsealed recovers one non-active unsealed segment: torn tails are
// truncated, empty files are deleted, everything else is sealed into the
// manifest. Returns ok=false when the file contributed nothing.
func (s *Store) resealUnsealed(ctx context.Context, id uint64) (meta.SegmentEntry, bool, error) {
	path := segment.DataPath(s.dir, id)
	w, res, err := segment.Resume(path)
	if err != nil {
		s.quarantineFile(path, err)
		return meta.SegmentEntry{}, false, nil
	}
	if res.FrameErr != nil {
		s.logger.Warn("truncated torn tail during recovery",
			zap.Uint64("segment", id),
			zap.Int64("valid_size", res.ValidSize),
			zap.Int64("file_size", res.FileSize),
			zap.Error(res.FrameErr))
	}
	if len(res.Entries) == 0 {
		w.Close()
		if err := os.Remove(path); err != nil {
			return meta.SegmentEntry{}, false, fmt.Errorf("removing empty segment %d: %w", id, err)
		}
		return meta.SegmentEntry{}, false, nil
	}

	created := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		created = info.ModTime().UTC()
	}
	if _, err := w.Seal(); err != nil {
		return meta.SegmentEntry{}, false, fmt.Errorf("sealing recovered segment %d: %w", id, err)
	}
	entry := meta.SegmentEntry{
		ID:          id,
		FirstSeq:    w.FirstSeq(),
		LastSeq:     w.LastSeq(),
		RecordCount: w.Count(),
		SizeBytes:   w.Size(),
		CreatedAt:   created,
		SealedAt:    time.Now().UTC(),
	}
	if err := s.meta.PutSegment(ctx, entry); err != nil {
		return meta.SegmentEntry{}, false, fmt.Errorf("recording recovered segment %d: %w", id, err)
	}
	s.logger.Info("sealed recovered segment",
		zap.Uint64("segment", id),
		zap.Uint64("first_seq", entry.FirstSeq),
		zap.Uint64("last_seq", entry.LastSeq))
	return entry, true, nil
}

// resumeActive reopens the newest unsealed segment for appending. A file
// whose header cannot be read holds no durable records and is set aside.
func (s *Store) resumeActive(id uint64) (*segment.Writer, *segment.ScanResult, error) {
	path := segment.DataPath(s.dir, id)
	w, res, err := segment.Resume(path)
	if err != nil {
		s.quarantineFile(path, err)
		return nil, nil, nil
	}
	if res.FrameErr != nil {
		s.logger.Warn("truncated torn tail during recovery",
			zap.Uint64("segment", id),
			zap.Int64("valid_size", res.ValidSize),
			zap.Int64("file_size", res.FileSize),
			zap.Error(res.FrameErr))
	}
	return w, res, nil
}

// quarantineFile renames an unreadable segment file out of the way
// instead of deleting it. Its records were never acknowledged, because
// acknowledgement follows a successful sync of the same file.
func (s *Store) quarantineFile(path string, cause error) {
	bad := path + ".bad"
	s.logger.Error("setting aside unreadable segment file",
		zap.String("path", path),
		zap.String("renamed_to", bad),
		zap.Error(cause))
	if err := os.Rename(path, bad); err != nil {
		s.logger.Error("renaming unreadable segment file", zap.String("path", path), zap.Error(err))
	}
}
