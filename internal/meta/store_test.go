package meta

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "logstream-meta-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutAndFindSegment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := SegmentEntry{
		ID:          1,
		FirstSeq:    100,
		LastSeq:     200,
		RecordCount: 101,
		SizeBytes:   4096,
		CreatedAt:   time.Now().Add(-time.Hour),
		SealedAt:    time.Now(),
	}

	if err := store.PutSegment(ctx, entry); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	found, err := store.FindSegmentBySeq(ctx, 150)
	if err != nil {
		t.Fatalf("FindSegmentBySeq failed: %v", err)
	}
	if found.ID != 1 {
		t.Errorf("expected segment 1, got %d", found.ID)
	}

	got, err := store.GetSegment(ctx, 1)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if got.RecordCount != 101 {
		t.Errorf("expected 101 records, got %d", got.RecordCount)
	}
}

func TestFindSegmentOutsideRanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.PutSegment(ctx, SegmentEntry{ID: 1, FirstSeq: 100, LastSeq: 200})
	store.PutSegment(ctx, SegmentEntry{ID: 2, FirstSeq: 201, LastSeq: 300})

	if _, err := store.FindSegmentBySeq(ctx, 50); err == nil {
		t.Error("expected error for sequence below all segments")
	}
	if _, err := store.FindSegmentBySeq(ctx, 500); err == nil {
		t.Error("expected error for sequence beyond all segments")
	}

	found, err := store.FindSegmentBySeq(ctx, 201)
	if err != nil {
		t.Fatalf("FindSegmentBySeq failed: %v", err)
	}
	if found.ID != 2 {
		t.Errorf("expected segment 2, got %d", found.ID)
	}
}

func TestDeleteSegmentRemovesSeqIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.PutSegment(ctx, SegmentEntry{ID: 1, FirstSeq: 1, LastSeq: 100})
	store.PutSegment(ctx, SegmentEntry{ID: 2, FirstSeq: 101, LastSeq: 200})

	if err := store.DeleteSegment(ctx, 1); err != nil {
		t.Fatalf("DeleteSegment failed: %v", err)
	}

	entries, err := store.ListSegments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != 2 {
		t.Errorf("expected only segment 2, got %v", entries)
	}

	if _, err := store.FindSegmentBySeq(ctx, 50); err == nil {
		t.Error("expected stale seq index entry to be gone")
	}
}

func TestMarkCorruptRecordsGap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.PutSegment(ctx, SegmentEntry{ID: 3, FirstSeq: 300, LastSeq: 400})

	if err := store.MarkCorrupt(ctx, 3); err != nil {
		t.Fatalf("MarkCorrupt failed: %v", err)
	}
	// Idempotent: the gap is recorded once.
	if err := store.MarkCorrupt(ctx, 3); err != nil {
		t.Fatalf("second MarkCorrupt failed: %v", err)
	}

	seg, err := store.GetSegment(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !seg.Corrupt {
		t.Error("expected segment marked corrupt")
	}

	gaps, err := store.ListGaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(gaps))
	}
	if gaps[0].FirstSeq != 300 || gaps[0].LastSeq != 400 {
		t.Errorf("unexpected gap range: %d..%d", gaps[0].FirstSeq, gaps[0].LastSeq)
	}
}

func TestPruneGaps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.PutSegment(ctx, SegmentEntry{ID: 1, FirstSeq: 1, LastSeq: 50})
	store.PutSegment(ctx, SegmentEntry{ID: 2, FirstSeq: 51, LastSeq: 100})
	store.MarkCorrupt(ctx, 1)
	store.MarkCorrupt(ctx, 2)

	pruned, err := store.PruneGaps(ctx, 51)
	if err != nil {
		t.Fatalf("PruneGaps failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	gaps, err := store.ListGaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 surviving gap, got %d", len(gaps))
	}
	if gaps[0].SegmentID != 2 {
		t.Errorf("expected gap for segment 2, got %d", gaps[0].SegmentID)
	}
}

func TestTombstoneLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := TombstoneEntry{
		SegmentID: 5,
		Path:      "/data/segments/0000000000000005.seg",
		IndexPath: "/data/segments/0000000000000005.idx",
		FirstSeq:  500,
		LastSeq:   600,
		SizeBytes: 2048,
		MarkedAt:  time.Now(),
	}

	if err := store.PutTombstone(ctx, entry); err != nil {
		t.Fatalf("PutTombstone failed: %v", err)
	}

	pending, err := store.ListTombstones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SegmentID != 5 {
		t.Fatalf("expected tombstone for segment 5, got %v", pending)
	}

	if err := store.DeleteTombstone(ctx, 5); err != nil {
		t.Fatalf("DeleteTombstone failed: %v", err)
	}
	pending, err = store.ListTombstones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no tombstones, got %d", len(pending))
	}
}

func TestConsumerStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Truncate(time.Millisecond)
	entry := ConsumerEntry{
		ID:        "billing",
		Mode:      "pull",
		SinceSeq:  1,
		CreatedAt: created,
		LastSeen:  created,
	}
	if err := store.PutConsumer(ctx, entry); err != nil {
		t.Fatalf("PutConsumer failed: %v", err)
	}

	// Offset defaults to zero before any ack.
	off, err := store.GetOffset(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Errorf("expected offset 0, got %d", off)
	}

	seen := created.Add(time.Minute)
	if err := store.SetOffset(ctx, "billing", 42, seen); err != nil {
		t.Fatalf("SetOffset failed: %v", err)
	}

	off, err = store.GetOffset(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if off != 42 {
		t.Errorf("expected offset 42, got %d", off)
	}

	got, err := store.GetConsumer(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastSeen.Equal(seen) {
		t.Errorf("expected last seen %v, got %v", seen, got.LastSeen)
	}

	if err := store.DeleteConsumer(ctx, "billing"); err != nil {
		t.Fatalf("DeleteConsumer failed: %v", err)
	}
	if _, err := store.GetConsumer(ctx, "billing"); err == nil {
		t.Error("expected consumer gone after delete")
	}
}

func TestSetOffsetUnknownConsumer(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetOffset(context.Background(), "ghost", 1, time.Now()); err == nil {
		t.Fatal("expected error for unknown consumer")
	}
}

func TestStoreReopenKeepsState(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "logstream-meta-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	ctx := context.Background()

	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store.PutSegment(ctx, SegmentEntry{ID: 1, FirstSeq: 1, LastSeq: 10})
	store.PutConsumer(ctx, ConsumerEntry{ID: "c1", Mode: "push", SinceSeq: 1})
	store.SetOffset(ctx, "c1", 7, time.Now())
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	segs, err := reopened.ListSegments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment after reopen, got %d", len(segs))
	}
	off, err := reopened.GetOffset(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if off != 7 {
		t.Errorf("expected offset 7 after reopen, got %d", off)
	}
}
