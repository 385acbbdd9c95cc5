package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/record"
	"github.com/mareekkk/logstream/internal/segment"
)

var (
	// ErrStorageFull is returned when an append would exceed the configured
	// total storage ceiling.
	ErrStorageFull = errors.New("storage full")

	// ErrCorruption wraps integrity failures detected on persisted segments.
	ErrCorruption = errors.New("segment corruption")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Gap reasons reported in a Batch.
const (
	GapCorrupt   = "corrupt"
	GapReclaimed = "reclaimed"
)

// Gap marks a contiguous sequence range that cannot be served, either
// because the covering segment failed integrity verification or because
// retention already reclaimed it.
type Gap struct {
	FirstSeq uint64
	LastSeq  uint64
	Reason   string
}

// Batch is the result of a single read. Records are ordered by sequence
// and interleave with Gaps; NextSeq is where the next read should resume.
type Batch struct {
	Records []*record.Record
	Gaps    []Gap
	NextSeq uint64
}

// Empty reports whether the batch carries neither records nor gaps.
func (b *Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Gaps) == 0
}

// LastSeq returns the highest sequence covered by the batch, or 0.
func (b *Batch) LastSeq() uint64 {
	var last uint64
	if n := len(b.Records); n > 0 {
		last = b.Records[n-1].Sequence
	}
	if n := len(b.Gaps); n > 0 && b.Gaps[n-1].LastSeq > last {
		last = b.Gaps[n-1].LastSeq
	}
	return last
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	HighWater     uint64
	Earliest      uint64
	SealedCount   int
	CorruptCount  int
	ActiveRecords int
	TotalBytes    int64
	MaxBytes      int64
}

// Store is the durable record log. A single admission path assigns
// sequence numbers and performs the durability write under one mutex, so
// sequences are strictly increasing and gap-free. Reads never enter that
// critical section: they work from a published snapshot of committed
// state and plain file reads.
type Store struct {
	cfg    config.StorageConfig
	meta   meta.Store
	logger *zap.Logger
	dir    string

	// mu serializes sequence assignment, the segment write and the fsync.
	mu            sync.Mutex
	active        *segment.Writer
	activeCreated time.Time
	nextSeq       uint64
	nextSegID     uint64
	closed        bool
	writeErr      error

	// smu guards the committed-state snapshot that readers consume.
	smu        sync.RWMutex
	sealed     []meta.SegmentEntry
	activeRef  *segment.Writer
	activeIdx  []segment.Entry
	totalBytes int64
	earliest   uint64

	highWater atomic.Uint64

	readers *segment.ReaderCache

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// Open loads the manifest, recovers any unsealed segments left by a crash
// and prepares an active segment for writing.
func Open(cfg config.StorageConfig, m meta.Store, logger *zap.Logger) (*Store, error) {
	dir := segment.Dir(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segments dir: %w", err)
	}
	s := &Store{
		cfg:      cfg,
		meta:     m,
		logger:   logger.Named("store"),
		dir:      dir,
		readers:  segment.NewReaderCache(cfg.MaxOpenReaders, logger),
		notifyCh: make(chan struct{}),
	}
	if err := s.recover(context.Background()); err != nil {
		s.readers.Close()
		return nil, err
	}
	s.logger.Info("store opened",
		zap.Uint64("high_water", s.highWater.Load()),
		zap.Uint64("next_seq", s.nextSeq),
		zap.Int("sealed_segments", len(s.sealed)),
		zap.Int64("total_bytes", s.totalBytes))
	return s, nil
}

// Append admits one record: it assigns the next sequence number, writes
// the frame and makes it durable before returning. The whole path runs
// under the admission mutex, so a crash leaves either a fully committed
// record or no trace of it.
func (s *Store) Append(ctx context.Context, payload []byte, source string) (uint64, error) {
	frameLen := int64(record.EncodedSize(source, payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.writeErr != nil {
		return 0, fmt.Errorf("write path failed, refusing appends: %w", s.writeErr)
	}

	s.smu.RLock()
	used := s.totalBytes
	s.smu.RUnlock()
	if s.cfg.MaxTotalBytes > 0 && used+frameLen > int64(s.cfg.MaxTotalBytes) {
		return 0, fmt.Errorf("%w: %d bytes used of %d", ErrStorageFull, used, int64(s.cfg.MaxTotalBytes))
	}

	if s.active.Size()+frameLen > int64(s.cfg.SegmentMaxBytes) && s.active.Count() > 0 {
		if err := s.rotateLocked(ctx); err != nil {
			s.writeErr = err
			return 0, err
		}
	}

	seq := s.nextSeq
	rec := &record.Record{
		Sequence:  seq,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	entry, err := s.active.Append(rec)
	if err != nil {
		// The frame may be partially written; reusing this sequence over
		// it could forge a duplicate, so the write path shuts down.
		s.writeErr = err
		return 0, fmt.Errorf("appending record %d: %w", seq, err)
	}
	if s.cfg.Fsync {
		if err := s.active.Sync(); err != nil {
			s.writeErr = err
			return 0, fmt.Errorf("syncing record %d: %w", seq, err)
		}
	}
	s.nextSeq = seq + 1

	// Publish only after the record is durable.
	s.smu.Lock()
	s.activeIdx = append(s.activeIdx, entry)
	s.totalBytes += frameLen
	s.highWater.Store(seq)
	s.recomputeEarliestLocked()
	s.smu.Unlock()

	s.notifyAppend()
	return seq, nil
}

// rotateLocked seals the active segment into the manifest and starts a
// fresh one. Caller holds mu.
func (s *Store) rotateLocked(ctx context.Context) error {
	w := s.active
	if _, err := w.Seal(); err != nil {
		return fmt.Errorf("sealing segment %d: %w", w.ID(), err)
	}
	entry := meta.SegmentEntry{
		ID:          w.ID(),
		FirstSeq:    w.FirstSeq(),
		LastSeq:     w.LastSeq(),
		RecordCount: w.Count(),
		SizeBytes:   w.Size(),
		CreatedAt:   s.activeCreated,
		SealedAt:    time.Now().UTC(),
	}
	if err := s.meta.PutSegment(ctx, entry); err != nil {
		return fmt.Errorf("recording sealed segment %d: %w", entry.ID, err)
	}

	next, err := segment.Create(s.dir, s.nextSegID, s.nextSeq)
	if err != nil {
		return fmt.Errorf("creating segment %d: %w", s.nextSegID, err)
	}
	s.active = next
	s.activeCreated = time.Now().UTC()
	s.nextSegID++

	s.smu.Lock()
	s.sealed = append(s.sealed, entry)
	s.activeRef = next
	s.activeIdx = nil
	s.totalBytes += segment.HeaderSize
	s.smu.Unlock()

	s.logger.Info("segment sealed",
		zap.Uint64("segment", entry.ID),
		zap.Uint64("first_seq", entry.FirstSeq),
		zap.Uint64("last_seq", entry.LastSeq),
		zap.Int64("size_bytes", entry.SizeBytes))
	return nil
}

// Read returns up to maxCount records (bounded by maxBytes of frame data)
// starting at fromSeq. Ranges that cannot be served are reported as gap
// markers, never silently skipped. Non-positive limits fall back to 512
// records and 4 MiB.
func (s *Store) Read(fromSeq uint64, maxCount int, maxBytes int64) (*Batch, error) {
	if maxCount <= 0 {
		maxCount = 512
	}
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	batch := &Batch{NextSeq: fromSeq}
	hw := s.highWater.Load()
	if fromSeq > hw {
		return batch, nil
	}

	s.smu.RLock()
	sealed := make([]meta.SegmentEntry, len(s.sealed))
	copy(sealed, s.sealed)
	earliest := s.earliest
	activeRef := s.activeRef
	activeIdx := clipEntries(s.activeIdx, fromSeq, maxCount)
	s.smu.RUnlock()

	cursor := fromSeq
	if cursor < earliest {
		last := earliest - 1
		if last > hw {
			last = hw
		}
		batch.Gaps = append(batch.Gaps, Gap{FirstSeq: cursor, LastSeq: last, Reason: GapReclaimed})
		cursor = last + 1
	}

	count := 0
	var bytes int64
	full := false
	for _, e := range sealed {
		if full || cursor > hw {
			break
		}
		if e.LastSeq < cursor {
			continue
		}
		cursor, count, bytes, full = s.readSealed(e, batch, cursor, count, bytes, maxCount, maxBytes)
	}

	for _, e := range activeIdx {
		if full || cursor > hw {
			break
		}
		if e.Sequence < cursor {
			continue
		}
		if count >= maxCount || (count > 0 && bytes+int64(e.Size) > maxBytes) {
			full = true
			break
		}
		rec, err := activeRef.ReadAt(e)
		if err != nil {
			// Rotation can close the writer under us; the records are
			// then reachable through the sealed path on the next read.
			s.logger.Debug("active segment read interrupted", zap.Error(err))
			break
		}
		batch.Records = append(batch.Records, rec)
		cursor = e.Sequence + 1
		count++
		bytes += int64(e.Size)
	}

	batch.NextSeq = cursor
	return batch, nil
}

// readSealed serves the portion of one sealed segment at and above cursor.
func (s *Store) readSealed(e meta.SegmentEntry, batch *Batch, cursor uint64, count int, bytes int64, maxCount int, maxBytes int64) (uint64, int, int64, bool) {
	gapFrom := cursor
	if e.FirstSeq > gapFrom {
		gapFrom = e.FirstSeq
	}
	if e.Corrupt {
		batch.Gaps = append(batch.Gaps, Gap{FirstSeq: gapFrom, LastSeq: e.LastSeq, Reason: GapCorrupt})
		return e.LastSeq + 1, count, bytes, false
	}

	r, err := s.readers.Get(e.ID, segment.DataPath(s.dir, e.ID))
	if err != nil {
		reason := s.quarantine(e.ID, err)
		batch.Gaps = append(batch.Gaps, Gap{FirstSeq: gapFrom, LastSeq: e.LastSeq, Reason: reason})
		return e.LastSeq + 1, count, bytes, false
	}

	idx := r.Index()
	for i := idx.From(cursor); i < len(idx.Entries); i++ {
		ie := idx.Entries[i]
		if count >= maxCount || (count > 0 && bytes+int64(ie.Size) > maxBytes) {
			return cursor, count, bytes, true
		}
		rec, err := r.ReadAt(ie)
		if err != nil {
			reason := s.quarantine(e.ID, err)
			batch.Gaps = append(batch.Gaps, Gap{FirstSeq: ie.Sequence, LastSeq: e.LastSeq, Reason: reason})
			return e.LastSeq + 1, count, bytes, false
		}
		batch.Records = append(batch.Records, rec)
		cursor = ie.Sequence + 1
		count++
		bytes += int64(ie.Size)
	}
	return cursor, count, bytes, false
}

// quarantine handles a failed sealed-segment read. A segment that
// vanished because the sweeper reclaimed it mid-read yields a reclaimed
// gap; anything else is flagged corrupt in the manifest so every later
// read reports the same gap.
func (s *Store) quarantine(id uint64, cause error) string {
	s.readers.Drop(id)

	if errors.Is(cause, os.ErrNotExist) {
		s.smu.RLock()
		_, present := findSealed(s.sealed, id)
		s.smu.RUnlock()
		if !present {
			return GapReclaimed
		}
	}

	s.logger.Error("sealed segment failed verification",
		zap.Uint64("segment", id),
		zap.Error(fmt.Errorf("%w: %v", ErrCorruption, cause)))
	if err := s.meta.MarkCorrupt(context.Background(), id); err != nil {
		s.logger.Error("recording corrupt segment", zap.Uint64("segment", id), zap.Error(err))
	}
	s.smu.Lock()
	if i, ok := findSealed(s.sealed, id); ok {
		s.sealed[i].Corrupt = true
	}
	s.smu.Unlock()
	return GapCorrupt
}

// AppendNotify returns a channel closed on the next durable append. Grab
// the channel before checking HighWater to avoid missing a wakeup.
func (s *Store) AppendNotify() <-chan struct{} {
	s.notifyMu.Lock()
	ch := s.notifyCh
	s.notifyMu.Unlock()
	return ch
}

func (s *Store) notifyAppend() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

// HighWater returns the highest committed sequence number, 0 when empty.
func (s *Store) HighWater() uint64 {
	return s.highWater.Load()
}

// Earliest returns the lowest retained sequence. When nothing is
// retained it is one past the high water mark.
func (s *Store) Earliest() uint64 {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.earliest
}

// UsedBytes returns the byte footprint of all retained segments.
func (s *Store) UsedBytes() int64 {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.totalBytes
}

// MaxBytes returns the configured storage ceiling.
func (s *Store) MaxBytes() int64 {
	return int64(s.cfg.MaxTotalBytes)
}

// SealedSegments returns a copy of the manifest snapshot, ordered by id.
func (s *Store) SealedSegments() []meta.SegmentEntry {
	s.smu.RLock()
	defer s.smu.RUnlock()
	out := make([]meta.SegmentEntry, len(s.sealed))
	copy(out, s.sealed)
	return out
}

// Stats returns a point-in-time occupancy snapshot.
func (s *Store) Stats() Stats {
	s.smu.RLock()
	defer s.smu.RUnlock()
	st := Stats{
		HighWater:     s.highWater.Load(),
		Earliest:      s.earliest,
		SealedCount:   len(s.sealed),
		ActiveRecords: len(s.activeIdx),
		TotalBytes:    s.totalBytes,
		MaxBytes:      int64(s.cfg.MaxTotalBytes),
	}
	for _, e := range s.sealed {
		if e.Corrupt {
			st.CorruptCount++
		}
	}
	return st
}

// Healthy reports whether the store can still admit writes.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	bad := s.closed || s.writeErr != nil
	s.mu.Unlock()
	if bad {
		return false
	}
	if s.cfg.MaxTotalBytes > 0 && s.UsedBytes() >= int64(s.cfg.MaxTotalBytes) {
		return false
	}
	return true
}

// Remove executes the destructive phase of segment reclamation: it drops
// the cached reader, deletes the files, clears the manifest entry and
// shrinks the snapshot. The exclusive lock is held only for the snapshot
// update, never while scanning or deleting.
func (s *Store) Remove(ctx context.Context, e meta.SegmentEntry) error {
	s.readers.Drop(e.ID)

	dataPath := segment.DataPath(s.dir, e.ID)
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing segment %d: %w", e.ID, err)
	}
	if err := os.Remove(segment.IndexPath(dataPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing segment %d index: %w", e.ID, err)
	}
	if err := s.meta.DeleteSegment(ctx, e.ID); err != nil {
		return fmt.Errorf("clearing manifest entry %d: %w", e.ID, err)
	}

	s.smu.Lock()
	if i, ok := findSealed(s.sealed, e.ID); ok {
		s.totalBytes -= s.sealed[i].SizeBytes
		s.sealed = append(s.sealed[:i], s.sealed[i+1:]...)
		s.recomputeEarliestLocked()
	}
	s.smu.Unlock()
	return nil
}

// SegmentPaths returns the data and index file paths for a segment id.
func (s *Store) SegmentPaths(id uint64) (data, index string) {
	data = segment.DataPath(s.dir, id)
	return data, segment.IndexPath(data)
}

// PruneGapsBelow drops gap markers wholly below seq from the manifest.
func (s *Store) PruneGapsBelow(ctx context.Context, seq uint64) (int, error) {
	return s.meta.PruneGaps(ctx, seq)
}

// Close syncs and closes the active segment without sealing it; a later
// Open resumes it in place.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.readers.Close()
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return fmt.Errorf("closing active segment: %w", err)
		}
	}
	return nil
}

// recomputeEarliestLocked derives the lowest retained sequence. Caller
// holds smu.
func (s *Store) recomputeEarliestLocked() {
	switch {
	case len(s.sealed) > 0:
		s.earliest = s.sealed[0].FirstSeq
	case len(s.activeIdx) > 0:
		s.earliest = s.activeIdx[0].Sequence
	default:
		s.earliest = s.highWater.Load() + 1
	}
}

// clipEntries copies the window of entries at and above fromSeq, capped
// at maxCount, so readers never share the live slice with the appender.
func clipEntries(entries []segment.Entry, fromSeq uint64, maxCount int) []segment.Entry {
	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].Sequence >= fromSeq
	})
	hi := len(entries)
	if maxCount > 0 && hi-lo > maxCount {
		hi = lo + maxCount
	}
	out := make([]segment.Entry, hi-lo)
	copy(out, entries[lo:hi])
	return out
}

func findSealed(entries []meta.SegmentEntry, id uint64) (int, bool) {
	for i, e := range entries {
		if e.ID == id {
			return i, true
		}
	}
	return 0, false
}
