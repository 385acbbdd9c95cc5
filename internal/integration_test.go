package internal_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/dispatch"
	"github.com/mareekkk/logstream/internal/gate"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/serve"
	"github.com/mareekkk/logstream/internal/source"
	"github.com/mareekkk/logstream/internal/store"
	"github.com/mareekkk/logstream/internal/sweep"
	"github.com/mareekkk/logstream/pkg/logstream"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// startEmbeddedNATS starts an embedded nats-server with JetStream enabled.
func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  filepath.Join(tmpDir, "jetstream"),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	url := fmt.Sprintf("nats://127.0.0.1:%d", opts.Port)
	t.Cleanup(func() { ns.Shutdown() })
	return ns, url
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
	t.Fatal(msg)
}

// newAPIServer wires the full server stack behind an httptest listener and
// returns a client pointed at it: gate -> store -> dispatch -> HTTP API.
func newAPIServer(t *testing.T) *logstream.Client {
	t.Helper()
	tmpDir := t.TempDir()
	logger := zap.NewNop()
	ctx := context.Background()

	metaStore, err := meta.NewBoltStore(filepath.Join(tmpDir, "manifest.db"), logger)
	if err != nil {
		t.Fatalf("opening meta: %v", err)
	}

	st, err := store.Open(config.StorageConfig{
		Dir:             tmpDir,
		SegmentMaxBytes: 1024,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	}, metaStore, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	tracker, err := offsets.NewTracker(ctx, config.ConsumersConfig{
		ActivityTimeout: config.Duration(time.Minute),
		ExpireAfter:     config.Duration(time.Hour),
	}, metaStore, logger)
	if err != nil {
		t.Fatalf("creating tracker: %v", err)
	}

	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   512,
		MaxSourceLen:      64,
		HighWaterFraction: 0.95,
		Normalize:         true,
		Scrub:             config.ScrubConfig{Enabled: true},
	}, st, logger)

	d := dispatch.New(config.DispatchConfig{
		MaxBatchRecords: 32,
		MaxBatchBytes:   4 << 20,
		AckTimeout:      config.Duration(5 * time.Second),
		BackoffInitial:  config.Duration(5 * time.Millisecond),
		BackoffMax:      config.Duration(20 * time.Millisecond),
	}, st, tracker, logger)

	hc := metrics.NewHealthChecker(st, metaStore, nil, nil)

	srv := httptest.NewServer(serve.Handler(
		config.ServerConfig{
			Listen:        "127.0.0.1:0",
			AdminKey:      "integration-key",
			TailKeepalive: config.Duration(time.Second),
		},
		config.RetentionConfig{
			SweepInterval:     config.Duration(time.Minute),
			SafeguardFraction: 0.9,
		},
		g, st, tracker, d, hc, logger,
	))

	t.Cleanup(func() {
		srv.Close()
		d.Shutdown()
		st.Close()
		metaStore.Close()
	})

	c, err := logstream.New(logstream.Config{
		BaseURL:  srv.URL,
		AdminKey: "integration-key",
	})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c
}

// TestIntegration_FullPipeline runs the complete flow with an embedded NATS
// server: JetStream publish -> source -> gate -> store -> dispatch -> sweep.
func TestIntegration_FullPipeline(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	ctx := context.Background()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "LOGS",
		Subjects: []string{"logs.>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	// --- Step 1: bring up the store and start pulling from JetStream ---
	tmpDir := t.TempDir()
	logger := zap.NewNop()

	metaStore, err := meta.NewBoltStore(filepath.Join(tmpDir, "manifest.db"), logger)
	if err != nil {
		t.Fatalf("opening meta: %v", err)
	}
	defer metaStore.Close()

	st, err := store.Open(config.StorageConfig{
		Dir:             tmpDir,
		SegmentMaxBytes: 600,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	}, metaStore, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   256,
		MaxSourceLen:      64,
		HighWaterFraction: 0.95,
	}, st, logger)

	src := source.New(config.SourceConfig{
		Enabled:        true,
		URL:            natsURL,
		ConnectionName: "logstream-integration",
		MaxReconnects:  -1,
		ReconnectWait:  config.Duration(50 * time.Millisecond),
		Stream:         "LOGS",
		ConsumerName:   "logstream-it",
		Subjects:       []string{"logs.>"},
		FetchBatch:     16,
		FetchTimeout:   config.Duration(200 * time.Millisecond),
	}, g, logger)

	srcCtx, srcCancel := context.WithCancel(ctx)
	defer srcCancel()
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx) }()

	// --- Step 2: publish 50 records through JetStream ---
	t.Log("Publishing 50 records to logs.app.stdout...")
	for i := 1; i <= 50; i++ {
		if _, err := js.Publish(ctx, "logs.app.stdout", []byte(fmt.Sprintf("audit line %d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitUntil(t, 10*time.Second, func() bool {
		return st.HighWater() == 50
	}, "store never reached high water 50")

	// --- Step 3: verify segment rotation happened along the way ---
	sealed := st.SealedSegments()
	if len(sealed) != 4 {
		t.Fatalf("expected 4 sealed segments, got %d", len(sealed))
	}
	wantRanges := [][2]uint64{{1, 10}, {11, 20}, {21, 30}, {31, 40}}
	total := 0
	for i, e := range sealed {
		if e.FirstSeq != wantRanges[i][0] || e.LastSeq != wantRanges[i][1] {
			t.Fatalf("segment %d covers [%d,%d], want [%d,%d]",
				i, e.FirstSeq, e.LastSeq, wantRanges[i][0], wantRanges[i][1])
		}
		total += int(e.RecordCount)
		t.Logf("sealed segment %d: seqs [%d,%d], %d bytes", e.ID, e.FirstSeq, e.LastSeq, e.SizeBytes)
	}
	if got := total + st.Stats().ActiveRecords; got != 50 {
		t.Fatalf("expected 50 records across segments, got %d", got)
	}

	// --- Step 4: drain everything through a pull consumer ---
	tracker, err := offsets.NewTracker(ctx, config.ConsumersConfig{
		ActivityTimeout: config.Duration(time.Minute),
		ExpireAfter:     config.Duration(time.Hour),
	}, metaStore, logger)
	if err != nil {
		t.Fatalf("creating tracker: %v", err)
	}
	if _, err := tracker.Register(ctx, "indexer", offsets.ModePull, 0); err != nil {
		t.Fatalf("register indexer: %v", err)
	}

	d := dispatch.New(config.DispatchConfig{
		MaxBatchRecords: 16,
		MaxBatchBytes:   1 << 20,
		AckTimeout:      config.Duration(5 * time.Second),
		BackoffInitial:  config.Duration(5 * time.Millisecond),
		BackoffMax:      config.Duration(20 * time.Millisecond),
	}, st, tracker, logger)
	defer d.Shutdown()

	next := uint64(1)
	for next <= 50 {
		batch, err := d.Next(ctx, "indexer", 16, 0)
		if err != nil {
			t.Fatalf("next at seq %d: %v", next, err)
		}
		if batch.Empty() {
			t.Fatalf("empty batch at seq %d", next)
		}
		for _, rec := range batch.Records {
			if rec.Sequence != next {
				t.Fatalf("expected seq %d, got %d", next, rec.Sequence)
			}
			if rec.Source != "logs.app.stdout" {
				t.Fatalf("expected source logs.app.stdout, got %q", rec.Source)
			}
			if want := fmt.Sprintf("audit line %d", next); string(rec.Payload) != want {
				t.Fatalf("seq %d payload = %q, want %q", next, rec.Payload, want)
			}
			next++
		}
		if _, err := d.Ack(ctx, "indexer", batch.LastSeq()); err != nil {
			t.Fatalf("ack %d: %v", batch.LastSeq(), err)
		}
	}

	// --- Step 5: sweep reclaims everything the consumer acknowledged ---
	sweeper := sweep.New(sweep.SweeperConfig{
		Retention: config.RetentionConfig{
			SweepInterval:     config.Duration(time.Minute),
			SafeguardFraction: 0.9,
		},
		Store:     st,
		Tracker:   tracker,
		Meta:      metaStore,
		Consumers: d,
		Logger:    logger,
	})
	if err := sweeper.Cycle(ctx); err != nil {
		t.Fatalf("sweep cycle: %v", err)
	}

	if n := len(st.SealedSegments()); n != 0 {
		t.Fatalf("expected 0 sealed segments after sweep, got %d", n)
	}
	if got := st.Earliest(); got != 41 {
		t.Fatalf("expected earliest 41 after sweep, got %d", got)
	}

	// --- Step 6: a read from the beginning reports the reclaimed range ---
	batch, err := st.Read(1, 0, 0)
	if err != nil {
		t.Fatalf("read after sweep: %v", err)
	}
	if len(batch.Gaps) != 1 || batch.Gaps[0].FirstSeq != 1 || batch.Gaps[0].LastSeq != 40 {
		t.Fatalf("expected gap [1,40], got %+v", batch.Gaps)
	}
	if batch.Gaps[0].Reason != store.GapReclaimed {
		t.Fatalf("expected gap reason %q, got %q", store.GapReclaimed, batch.Gaps[0].Reason)
	}
	if len(batch.Records) != 10 || batch.Records[0].Sequence != 41 {
		t.Fatalf("expected records 41..50, got %d starting at %d",
			len(batch.Records), batch.Records[0].Sequence)
	}

	// A consumer registering from zero now gets the gap plus the survivors.
	if _, err := tracker.Register(ctx, "latecomer", offsets.ModePull, 0); err != nil {
		t.Fatalf("register latecomer: %v", err)
	}
	late, err := d.Next(ctx, "latecomer", 16, 0)
	if err != nil {
		t.Fatalf("latecomer next: %v", err)
	}
	if len(late.Gaps) != 1 || late.Gaps[0].Reason != store.GapReclaimed {
		t.Fatalf("latecomer expected reclaimed gap, got %+v", late.Gaps)
	}
	if late.Empty() || late.Records[0].Sequence != 41 {
		t.Fatalf("latecomer expected records from 41, got %+v", late.Records)
	}

	// --- Step 7: acknowledged offset survived in the manifest ---
	off, err := metaStore.GetOffset(ctx, "indexer")
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if off != 50 {
		t.Fatalf("expected persisted offset 50, got %d", off)
	}

	srcCancel()
	if err := <-srcDone; err != nil {
		t.Fatalf("source run: %v", err)
	}
	t.Log("Full pipeline integration test PASSED")
}

// TestIntegration_HTTPApi exercises the public API end to end through the
// client: submit -> register -> fetch/ack -> status/segments/health.
func TestIntegration_HTTPApi(t *testing.T) {
	c := newAPIServer(t)
	ctx := context.Background()

	// --- Step 1: submit one noisy line and ten structured ones ---
	seq, err := c.Submit(ctx, []byte("db connect with password=supersecret99"), "api")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence 1, got %d", seq)
	}
	for i := 2; i <= 11; i++ {
		line := fmt.Sprintf(`{"event": "request handled", "log_level": "info", "n": %d}`, i)
		seq, err := c.Submit(ctx, []byte(line), "api")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, seq)
		}
	}

	// --- Step 2: drain through a pull consumer in pages of five ---
	reg, err := c.Register(ctx, "indexer", "pull", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ID != "indexer" || reg.Mode != "pull" {
		t.Fatalf("unexpected registration %+v", reg)
	}

	var got []logstream.Record
	for len(got) < 11 {
		b, err := c.Fetch(ctx, "indexer", 5, 0)
		if err != nil {
			t.Fatalf("fetch after %d records: %v", len(got), err)
		}
		if len(b.Records) == 0 {
			t.Fatalf("fetch returned nothing after %d of 11 records", len(got))
		}
		got = append(got, b.Records...)
		last := b.Records[len(b.Records)-1].Sequence
		if _, err := c.Ack(ctx, "indexer", last); err != nil {
			t.Fatalf("ack %d: %v", last, err)
		}
	}
	if len(got) != 11 {
		t.Fatalf("expected 11 records, got %d", len(got))
	}
	for i, rec := range got {
		if rec.Sequence != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, rec.Sequence)
		}
		if rec.Source != "api" {
			t.Fatalf("record %d source = %q, want api", i, rec.Source)
		}
	}

	// The secret was scrubbed, and normalization kept the JSON structure.
	if strings.Contains(got[0].Payload, "supersecret99") {
		t.Fatalf("secret survived scrubbing: %s", got[0].Payload)
	}
	if !strings.Contains(got[0].Payload, "[REDACTED]") {
		t.Fatalf("expected redaction marker in %s", got[0].Payload)
	}
	if !strings.Contains(got[0].Payload, `"level":"info"`) {
		t.Fatalf("expected normalized level in %s", got[0].Payload)
	}
	if !strings.Contains(got[1].Payload, `"message":"request handled"`) {
		t.Fatalf("expected extracted message in %s", got[1].Payload)
	}

	// --- Step 3: the admin surfaces agree with what just happened ---
	infos, err := c.Consumers(ctx)
	if err != nil {
		t.Fatalf("consumers: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 consumer, got %d", len(infos))
	}
	if infos[0].ID != "indexer" || infos[0].Offset != 11 || infos[0].Lag != 0 {
		t.Fatalf("unexpected consumer row %+v", infos[0])
	}
	if !infos[0].Active {
		t.Fatal("expected indexer to be active")
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HighWater != 11 || status.Watermark != 11 || status.Earliest != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Storage.UsedBytes <= 0 {
		t.Fatalf("expected positive storage usage, got %d", status.Storage.UsedBytes)
	}

	segs, err := c.Segments(ctx)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segs) == 0 {
		t.Fatal("expected at least one sealed segment")
	}
	if segs[0].FirstSeq != 1 || segs[0].Records == 0 || segs[0].SizeBytes == 0 {
		t.Fatalf("unexpected first segment %+v", segs[0])
	}
	if segs[0].Corrupt {
		t.Fatal("first segment unexpectedly marked corrupt")
	}

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", health.Status)
	}
	if len(health.Checks) != 2 {
		t.Fatalf("expected 2 readiness checks, got %d", len(health.Checks))
	}
	for _, check := range health.Checks {
		if check.Status != "ok" {
			t.Fatalf("check %s reported %q: %s", check.Name, check.Status, check.Error)
		}
	}
	if health.HighWater != 11 {
		t.Fatalf("health high water = %d, want 11", health.HighWater)
	}

	// --- Step 4: unregister frees the consumer ID ---
	if err := c.Unregister(ctx, "indexer"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := c.Fetch(ctx, "indexer", 5, 0); !errors.Is(err, logstream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unregister, got %v", err)
	}
	t.Log("HTTP API integration test PASSED")
}

// TestIntegration_TailStream verifies the live tail: a push consumer over
// SSE that only sees records matching its source filter.
func TestIntegration_TailStream(t *testing.T) {
	c := newAPIServer(t)
	ctx := context.Background()

	tailCtx, tailCancel := context.WithCancel(ctx)
	defer tailCancel()
	ts, err := c.Tail(tailCtx, logstream.TailOptions{Source: "worker"})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	defer ts.Close()

	// Submissions from other sources must not show up in the stream.
	for _, sub := range []struct{ payload, source string }{
		{"job 41 started", "worker"},
		{"job 41 finished", "worker"},
		{"cache warmed", "other"},
		{"job 42 started", "worker"},
	} {
		if _, err := c.Submit(ctx, []byte(sub.payload), sub.source); err != nil {
			t.Fatalf("submit %q: %v", sub.payload, err)
		}
	}

	for _, want := range []uint64{1, 2, 4} {
		rec, err := ts.Next()
		if err != nil {
			t.Fatalf("next (want seq %d): %v", want, err)
		}
		if rec.Sequence != want {
			t.Fatalf("tail sequence = %d, want %d", rec.Sequence, want)
		}
		if rec.Source != "worker" {
			t.Fatalf("tail source = %q, want worker", rec.Source)
		}
		if want == 1 && !strings.Contains(rec.Payload, "job 41 started") {
			t.Fatalf("unexpected first payload %s", rec.Payload)
		}
	}

	tailCancel()
	if _, err := ts.Next(); err == nil {
		t.Fatal("tail kept yielding after cancel")
	}

	// The server-side consumer goes away once the connection drops.
	waitUntil(t, 5*time.Second, func() bool {
		infos, err := c.Consumers(ctx)
		return err == nil && len(infos) == 0
	}, "tail consumer still registered after disconnect")
	t.Log("Tail stream integration test PASSED")
}
