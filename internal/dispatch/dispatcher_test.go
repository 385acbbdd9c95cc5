package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/store"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, mutate func(*config.StorageConfig)) (*Dispatcher, *store.Store, *offsets.Tracker) {
	t.Helper()
	dir := t.TempDir()
	m, err := meta.NewBoltStore(filepath.Join(dir, "manifest.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	storageCfg := config.StorageConfig{
		Dir:             dir,
		SegmentMaxBytes: 1 << 20,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	}
	if mutate != nil {
		mutate(&storageCfg)
	}
	st, err := store.Open(storageCfg, m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tr, err := offsets.NewTracker(context.Background(), config.ConsumersConfig{
		ActivityTimeout: config.Duration(time.Minute),
		ExpireAfter:     config.Duration(time.Hour),
	}, m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	d := New(config.DispatchConfig{
		MaxBatchRecords: 4,
		MaxBatchBytes:   config.ByteSize(1 << 20),
		AckTimeout:      config.Duration(80 * time.Millisecond),
		BackoffInitial:  config.Duration(5 * time.Millisecond),
		BackoffMax:      config.Duration(20 * time.Millisecond),
	}, st, tr, zap.NewNop())
	t.Cleanup(d.Shutdown)
	return d, st, tr
}

func appendRecords(t *testing.T, st *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := st.Append(context.Background(), []byte(fmt.Sprintf("record-%d", i)), "test"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// collectSink records delivered sequences and optionally acks each batch
// through the dispatcher, the way a live tail connection would.
type collectSink struct {
	d    *Dispatcher
	id   string
	ack  bool
	fail atomic.Int32

	mu    sync.Mutex
	seqs  []uint64
	calls int
}

func (s *collectSink) Deliver(ctx context.Context, b *store.Batch) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail.Add(-1) >= 0 {
		return errors.New("sink unavailable")
	}
	s.mu.Lock()
	for _, r := range b.Records {
		s.seqs = append(s.seqs, r.Sequence)
	}
	s.mu.Unlock()
	if s.ack && len(b.Records) > 0 {
		if _, err := s.d.Ack(ctx, s.id, b.LastSeq()); err != nil {
			return err
		}
	}
	return nil
}

func (s *collectSink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

func (s *collectSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPushDeliversInOrder(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, err := tr.Register(ctx, "tail-1", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{d: d, id: "tail-1", ack: true}
	if err := d.AttachSink(ctx, "tail-1", sink); err != nil {
		t.Fatal(err)
	}

	appendRecords(t, st, 6)

	waitUntil(t, 2*time.Second, func() bool { return len(sink.sequences()) == 6 }, "6 records delivered")
	for i, seq := range sink.sequences() {
		if seq != uint64(i+1) {
			t.Fatalf("out of order delivery: position %d got seq %d", i, seq)
		}
	}
	reg, ok := tr.Get("tail-1")
	if !ok || reg.Offset != 6 {
		t.Fatalf("expected committed offset 6, got %d (ok=%v)", reg.Offset, ok)
	}
	waitUntil(t, time.Second, func() bool { return d.States()["tail-1"] == StateIdle }, "loop idle after acks")
}

func TestPushRedeliversOnAckTimeout(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	appendRecords(t, st, 3)
	if _, err := tr.Register(ctx, "slow", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{d: d, id: "slow", ack: false}
	if err := d.AttachSink(ctx, "slow", sink); err != nil {
		t.Fatal(err)
	}

	// No acks arrive, so the same batch must come around again.
	waitUntil(t, 3*time.Second, func() bool { return sink.callCount() >= 2 }, "redelivery after ack timeout")
	firsts := 0
	for _, seq := range sink.sequences() {
		if seq == 1 {
			firsts++
		}
	}
	if firsts < 2 {
		t.Fatalf("expected sequence 1 delivered at least twice, got %d", firsts)
	}

	// Acking settles the loop.
	if _, err := d.Ack(ctx, "slow", 3); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return d.States()["slow"] == StateIdle }, "loop idle after late ack")
}

func TestPushPausesOnSinkErrorThenRecovers(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	appendRecords(t, st, 4)
	if _, err := tr.Register(ctx, "flaky", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{d: d, id: "flaky", ack: true}
	sink.fail.Store(2)
	if err := d.AttachSink(ctx, "flaky", sink); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 3*time.Second, func() bool { return len(sink.sequences()) == 4 }, "records delivered after failures")
	if sink.callCount() < 3 {
		t.Fatalf("expected at least 3 delivery attempts, got %d", sink.callCount())
	}
	reg, _ := tr.Get("flaky")
	if reg.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", reg.Offset)
	}
}

func TestAttachSinkReplacesExisting(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, err := tr.Register(ctx, "mobile", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	first := &collectSink{d: d, id: "mobile", ack: true}
	if err := d.AttachSink(ctx, "mobile", first); err != nil {
		t.Fatal(err)
	}
	appendRecords(t, st, 2)
	waitUntil(t, 2*time.Second, func() bool { return len(first.sequences()) == 2 }, "first sink caught up")

	second := &collectSink{d: d, id: "mobile", ack: true}
	if err := d.AttachSink(ctx, "mobile", second); err != nil {
		t.Fatal(err)
	}
	appendRecords(t, st, 2)
	waitUntil(t, 2*time.Second, func() bool { return len(second.sequences()) == 2 }, "second sink caught up")

	got := second.sequences()
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("replacement sink should resume at committed offset, got %v", got)
	}
	if n := len(first.sequences()); n != 2 {
		t.Fatalf("old sink kept receiving after replacement: %d records", n)
	}
}

func TestAttachSinkChecksRegistration(t *testing.T) {
	d, _, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if err := d.AttachSink(ctx, "ghost", SinkFunc(func(context.Context, *store.Batch) error { return nil })); !errors.Is(err, offsets.ErrUnknownConsumer) {
		t.Fatalf("expected ErrUnknownConsumer, got %v", err)
	}
	if _, err := tr.Register(ctx, "puller", offsets.ModePull, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.AttachSink(ctx, "puller", SinkFunc(func(context.Context, *store.Batch) error { return nil })); !errors.Is(err, offsets.ErrModeMismatch) {
		t.Fatalf("expected ErrModeMismatch, got %v", err)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, err := tr.Register(ctx, "gone", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{d: d, id: "gone", ack: true}
	if err := d.AttachSink(ctx, "gone", sink); err != nil {
		t.Fatal(err)
	}
	appendRecords(t, st, 2)
	waitUntil(t, 2*time.Second, func() bool { return len(sink.sequences()) == 2 }, "initial delivery")

	d.Close("gone")
	appendRecords(t, st, 2)
	time.Sleep(100 * time.Millisecond)
	if n := len(sink.sequences()); n != 2 {
		t.Fatalf("closed consumer still received records: %d", n)
	}
	if _, live := d.States()["gone"]; live {
		t.Fatal("closed consumer should not appear in state snapshot")
	}
}

func TestPushLoopExitsWhenConsumerRemoved(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, err := tr.Register(ctx, "short-lived", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{d: d, id: "short-lived", ack: false}
	if err := d.AttachSink(ctx, "short-lived", sink); err != nil {
		t.Fatal(err)
	}
	appendRecords(t, st, 1)
	waitUntil(t, 2*time.Second, func() bool { return sink.callCount() >= 1 }, "first delivery")

	if err := tr.Unregister(ctx, "short-lived"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		_, live := d.States()["short-lived"]
		return !live
	}, "loop exit after unregister")
}

func TestPullNextAckCycle(t *testing.T) {
	d, st, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	appendRecords(t, st, 5)
	if _, err := tr.Register(ctx, "batch-job", offsets.ModePull, 0); err != nil {
		t.Fatal(err)
	}

	b, err := d.Next(ctx, "batch-job", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Records) != 2 || b.Records[0].Sequence != 1 || b.Records[1].Sequence != 2 {
		t.Fatalf("unexpected first batch: %d records from %d", len(b.Records), b.Records[0].Sequence)
	}
	if d.States()["batch-job"] != StateAwaitingAck {
		t.Fatalf("expected awaiting_ack after serve, got %v", d.States()["batch-job"])
	}

	// Unacked, so the same batch is served again.
	again, err := d.Next(ctx, "batch-job", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Records) != 2 || again.Records[0].Sequence != 1 {
		t.Fatalf("expected redelivery from sequence 1, got %d records from %d", len(again.Records), again.Records[0].Sequence)
	}

	applied, err := d.Ack(ctx, "batch-job", 2)
	if err != nil || !applied {
		t.Fatalf("ack(2): applied=%v err=%v", applied, err)
	}
	if d.States()["batch-job"] != StateIdle {
		t.Fatalf("expected idle after full ack, got %v", d.States()["batch-job"])
	}

	b, err = d.Next(ctx, "batch-job", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	// maxCount above the dispatch cap gets clamped to it.
	if len(b.Records) != 3 || b.Records[0].Sequence != 3 {
		t.Fatalf("expected records 3..5, got %d records from %d", len(b.Records), b.Records[0].Sequence)
	}
	if _, err := d.Ack(ctx, "batch-job", 5); err != nil {
		t.Fatal(err)
	}

	b, err = d.Next(ctx, "batch-job", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Empty() || b.NextSeq != 6 {
		t.Fatalf("expected empty batch at next_seq 6, got %+v", b)
	}
}

func TestPullModeEnforcement(t *testing.T) {
	d, _, tr := newTestDispatcher(t, nil)
	ctx := context.Background()

	if _, err := d.Next(ctx, "nobody", 1, 0); !errors.Is(err, offsets.ErrUnknownConsumer) {
		t.Fatalf("expected ErrUnknownConsumer, got %v", err)
	}
	if _, err := tr.Register(ctx, "pusher", offsets.ModePush, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Next(ctx, "pusher", 1, 0); !errors.Is(err, offsets.ErrModeMismatch) {
		t.Fatalf("expected ErrModeMismatch, got %v", err)
	}
}

func TestPullServesReclaimedRangeAsGap(t *testing.T) {
	d, st, tr := newTestDispatcher(t, func(c *config.StorageConfig) {
		c.SegmentMaxBytes = 256
	})
	ctx := context.Background()

	appendRecords(t, st, 8)
	sealed := st.SealedSegments()
	if len(sealed) == 0 {
		t.Fatal("expected at least one sealed segment")
	}
	victim := sealed[0]
	if err := st.Remove(ctx, victim); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Register(ctx, "latecomer", offsets.ModePull, 0); err != nil {
		t.Fatal(err)
	}
	b, err := d.Next(ctx, "latecomer", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Gaps) == 0 {
		t.Fatal("expected a gap for the reclaimed range")
	}
	g := b.Gaps[0]
	if g.FirstSeq != victim.FirstSeq || g.LastSeq != victim.LastSeq || g.Reason != store.GapReclaimed {
		t.Fatalf("unexpected gap %+v for reclaimed segment [%d..%d]", g, victim.FirstSeq, victim.LastSeq)
	}
	if len(b.Records) == 0 || b.Records[0].Sequence != victim.LastSeq+1 {
		t.Fatalf("expected surviving records to follow the gap, got %d records", len(b.Records))
	}
}
