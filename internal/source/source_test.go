package source

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/gate"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/store"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
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

func connectJS(t *testing.T, natsURL string) (jetstream.JetStream, func()) {
	t.Helper()
	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		t.Fatalf("jetstream: %v", err)
	}
	return js, func() { nc.Close() }
}

func newTestStore(t *testing.T, storage config.StorageConfig) *store.Store {
	t.Helper()
	if storage.Dir == "" {
		storage.Dir = t.TempDir()
	}
	m, err := meta.NewBoltStore(filepath.Join(storage.Dir, "manifest.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("opening meta: %v", err)
	}
	st, err := store.Open(storage, m, zap.NewNop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		m.Close()
	})
	return st
}

func testSourceConfig(natsURL string) config.SourceConfig {
	return config.SourceConfig{
		Enabled:        true,
		URL:            natsURL,
		ConnectionName: "logstream-test",
		MaxReconnects:  -1,
		ReconnectWait:  config.Duration(50 * time.Millisecond),
		Stream:         "LOGS",
		ConsumerName:   "logstream-ingest",
		Subjects:       []string{"logs.>"},
		FetchBatch:     16,
		FetchTimeout:   config.Duration(200 * time.Millisecond),
	}
}

func createLogsStream(t *testing.T, js jetstream.JetStream) {
	t.Helper()
	_, err := js.CreateStream(context.Background(), jetstream.StreamConfig{
		Name:     "LOGS",
		Subjects: []string{"logs.>"},
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
}

// runSource starts src.Run on a cancelable context and returns the cancel
// func plus a channel that closes once Run has returned.
func runSource(t *testing.T, src *Source) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := src.Run(ctx); err != nil {
			t.Errorf("source run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("source did not stop")
		}
	})
	return cancel, done
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

func TestSourceShipsStreamIntoStore(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	js, cleanup := connectJS(t, natsURL)
	defer cleanup()
	createLogsStream(t, js)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := js.Publish(ctx, "logs.web.stdout", []byte(fmt.Sprintf("line-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	st := newTestStore(t, config.StorageConfig{
		SegmentMaxBytes: 1 << 20,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	})
	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   1 << 16,
		MaxSourceLen:      256,
		HighWaterFraction: 0.95,
	}, st, zap.NewNop())

	src := New(testSourceConfig(natsURL), g, zap.NewNop())
	cancel, done := runSource(t, src)

	waitUntil(t, 5*time.Second, func() bool { return st.HighWater() == 5 }, "records did not reach the store")

	batch, err := st.Read(1, 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch.Records) != 5 {
		t.Fatalf("got %d records, want 5", len(batch.Records))
	}
	for i, rec := range batch.Records {
		if want := fmt.Sprintf("line-%d", i); string(rec.Payload) != want {
			t.Errorf("record %d payload = %q, want %q", rec.Sequence, rec.Payload, want)
		}
		if rec.Source != "logs.web.stdout" {
			t.Errorf("record %d source = %q, want logs.web.stdout", rec.Sequence, rec.Source)
		}
	}

	// Every shipped message must be acknowledged upstream.
	cons, err := js.Consumer(ctx, "LOGS", "logstream-ingest")
	if err != nil {
		t.Fatalf("lookup consumer: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		info, err := cons.Info(ctx)
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, "consumer still has unacknowledged messages")

	// The loop keeps shipping messages published after startup.
	for i := 5; i < 7; i++ {
		if _, err := js.Publish(ctx, "logs.web.stdout", []byte(fmt.Sprintf("line-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	waitUntil(t, 5*time.Second, func() bool { return st.HighWater() == 7 }, "late records did not reach the store")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop after cancel")
	}
}

func TestSourceBackpressureNakAndRecover(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	js, cleanup := connectJS(t, natsURL)
	defer cleanup()
	createLogsStream(t, js)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := js.Publish(ctx, "logs.web", []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Each frame is 39 bytes (8 byte subject, 5 byte payload), segments
	// seal after two frames, and the 0.22 fraction of 1024 puts the
	// backpressure threshold between the fourth and fifth append.
	st := newTestStore(t, config.StorageConfig{
		SegmentMaxBytes: 110,
		MaxTotalBytes:   1024,
		MaxOpenReaders:  4,
	})
	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   1 << 16,
		MaxSourceLen:      256,
		HighWaterFraction: 0.22,
	}, st, zap.NewNop())

	src := New(testSourceConfig(natsURL), g, zap.NewNop())
	src.nakDelay = 50 * time.Millisecond
	runSource(t, src)

	waitUntil(t, 5*time.Second, func() bool { return st.HighWater() == 4 }, "first four records did not land")

	// Several nak cycles pass without freeing space; nothing further is
	// admitted and nothing already durable is disturbed.
	time.Sleep(300 * time.Millisecond)
	if hw := st.HighWater(); hw != 4 {
		t.Fatalf("high water = %d during backpressure, want 4", hw)
	}

	sealed := st.SealedSegments()
	if len(sealed) == 0 {
		t.Fatal("expected a sealed segment to reclaim")
	}
	if err := st.Remove(ctx, sealed[0]); err != nil {
		t.Fatalf("remove segment: %v", err)
	}

	// With space reclaimed the naked messages redeliver and land.
	waitUntil(t, 5*time.Second, func() bool { return st.HighWater() == 6 }, "naked records were not redelivered")

	batch, err := st.Read(1, 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch.Gaps) != 1 || batch.Gaps[0].FirstSeq != 1 || batch.Gaps[0].LastSeq != 2 {
		t.Fatalf("gaps = %+v, want one gap covering 1-2", batch.Gaps)
	}
	if len(batch.Records) != 4 {
		t.Fatalf("got %d records, want 4", len(batch.Records))
	}
	if string(batch.Records[0].Payload) != "msg-2" || string(batch.Records[1].Payload) != "msg-3" {
		t.Errorf("records 3-4 = %q, %q, want msg-2, msg-3", batch.Records[0].Payload, batch.Records[1].Payload)
	}
	redelivered := map[string]bool{
		string(batch.Records[2].Payload): true,
		string(batch.Records[3].Payload): true,
	}
	if !redelivered["msg-4"] || !redelivered["msg-5"] {
		t.Errorf("redelivered payloads = %v, want msg-4 and msg-5", redelivered)
	}
}

func TestSourceTerminatesRejectedMessages(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	js, cleanup := connectJS(t, natsURL)
	defer cleanup()
	createLogsStream(t, js)

	ctx := context.Background()
	if _, err := js.Publish(ctx, "logs.web", bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Fatalf("publish oversized: %v", err)
	}
	if _, err := js.Publish(ctx, "logs.web", []byte("ok")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	st := newTestStore(t, config.StorageConfig{
		SegmentMaxBytes: 1 << 20,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	})
	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   16,
		MaxSourceLen:      256,
		HighWaterFraction: 0.95,
	}, st, zap.NewNop())

	src := New(testSourceConfig(natsURL), g, zap.NewNop())
	src.nakDelay = 50 * time.Millisecond
	runSource(t, src)

	waitUntil(t, 5*time.Second, func() bool { return st.HighWater() == 1 }, "valid record did not land")

	batch, err := st.Read(1, 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch.Records) != 1 || string(batch.Records[0].Payload) != "ok" {
		t.Fatalf("records = %+v, want only the valid payload", batch.Records)
	}

	// The oversized message is terminated, not redelivered.
	cons, err := js.Consumer(ctx, "LOGS", "logstream-ingest")
	if err != nil {
		t.Fatalf("lookup consumer: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		info, err := cons.Info(ctx)
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, "rejected message still pending")

	time.Sleep(200 * time.Millisecond)
	if hw := st.HighWater(); hw != 1 {
		t.Fatalf("high water = %d after terminate, want 1", hw)
	}
}

func TestSourceHealthy(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	js, cleanup := connectJS(t, natsURL)
	defer cleanup()
	createLogsStream(t, js)

	st := newTestStore(t, config.StorageConfig{
		SegmentMaxBytes: 1 << 20,
		MaxTotalBytes:   64 << 20,
		MaxOpenReaders:  4,
	})
	g := gate.New(config.IngestConfig{
		MaxPayloadBytes:   1 << 16,
		MaxSourceLen:      256,
		HighWaterFraction: 0.95,
	}, st, zap.NewNop())

	src := New(testSourceConfig(natsURL), g, zap.NewNop())
	if src.Healthy() {
		t.Fatal("source healthy before Run")
	}

	cancel, done := runSource(t, src)
	waitUntil(t, 5*time.Second, src.Healthy, "source never became healthy")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
	if src.Healthy() {
		t.Fatal("source still healthy after shutdown")
	}
}
