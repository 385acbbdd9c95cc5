package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/dispatch"
	"github.com/mareekkk/logstream/internal/gate"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/normalize"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/record"
	"github.com/mareekkk/logstream/internal/store"
)

type handler struct {
	cfg        config.ServerConfig
	retention  config.RetentionConfig
	gate       *gate.Gate
	store      *store.Store
	tracker    *offsets.Tracker
	dispatcher *dispatch.Dispatcher
	health     *metrics.HealthChecker
	logger     *zap.Logger
}

// Handler builds the HTTP API routing surface. RunHTTP mounts it on its
// own server; embedders can mount it under an existing one.
func Handler(cfg config.ServerConfig, retention config.RetentionConfig, g *gate.Gate, st *store.Store, tr *offsets.Tracker, d *dispatch.Dispatcher, hc *metrics.HealthChecker, logger *zap.Logger) http.Handler {
	h := &handler{
		cfg:        cfg,
		retention:  retention,
		gate:       g,
		store:      st,
		tracker:    tr,
		dispatcher: d,
		health:     hc,
		logger:     logger.Named("serve"),
	}
	if cfg.AdminKey == "" {
		h.logger.Warn("no admin key configured, API authentication disabled")
	}
	return h.routes()
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.ServerConfig, retention config.RetentionConfig, g *gate.Gate, st *store.Store, tr *offsets.Tracker, d *dispatch.Dispatcher, hc *metrics.HealthChecker, logger *zap.Logger) error {
	log := logger.Named("serve")
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: Handler(cfg, retention, g, st, tr, d, hc, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /v1/records", h.auth(h.handleSubmit))
	mux.HandleFunc("POST /v1/consumers", h.auth(h.handleRegister))
	mux.HandleFunc("GET /v1/consumers", h.auth(h.handleListConsumers))
	mux.HandleFunc("DELETE /v1/consumers/{id}", h.auth(h.handleUnregister))
	mux.HandleFunc("GET /v1/consumers/{id}/records", h.auth(h.handleFetch))
	mux.HandleFunc("POST /v1/consumers/{id}/ack", h.auth(h.handleAck))
	mux.HandleFunc("GET /v1/tail", h.auth(h.handleTail))
	mux.HandleFunc("GET /v1/status", h.auth(h.handleStatus))
	mux.HandleFunc("GET /v1/segments", h.auth(h.handleSegments))
	return mux
}

// auth validates X-Admin-Key on every route except /health. An empty
// configured key leaves the API open.
func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminKey != "" && r.Header.Get("X-Admin-Key") != h.cfg.AdminKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			return
		}
		next(w, r)
	}
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload  string `json:"payload"`
		Source   string `json:"source"`
		Redacted bool   `json:"redacted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source is required"})
		return
	}

	submit := h.gate.Submit
	if req.Redacted {
		submit = h.gate.SubmitPrescrubbed
	}
	seq, err := submit(r.Context(), []byte(req.Payload), req.Source)
	if err != nil {
		writeJSON(w, submitStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"sequence": seq})
}

// submitStatus maps gate errors to response codes. Backpressure and a
// full store are transient for the producer, oversized input is not.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrPayloadTooLarge), errors.Is(err, gate.ErrSourceTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gate.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrStorageFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, gate.ErrEmptyPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
		From uint64 `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	mode, err := offsets.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	reg, err := h.tracker.Register(r.Context(), id, mode, req.From)
	if err != nil {
		if errors.Is(err, offsets.ErrModeMismatch) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         reg.ID,
		"mode":       string(reg.Mode),
		"since_seq":  reg.SinceSeq,
		"offset":     reg.Offset,
		"created_at": reg.CreatedAt,
	})
}

func (h *handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.tracker.Unregister(r.Context(), id); err != nil {
		if errors.Is(err, offsets.ErrUnknownConsumer) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.dispatcher.Close(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "id": id})
}

func (h *handler) handleListConsumers(w http.ResponseWriter, r *http.Request) {
	highWater := h.store.HighWater()
	snapshot := h.tracker.Snapshot(time.Now(), highWater)
	out := make([]map[string]interface{}, 0, len(snapshot))
	for _, cs := range snapshot {
		out = append(out, map[string]interface{}{
			"id":         cs.ID,
			"mode":       string(cs.Mode),
			"since_seq":  cs.SinceSeq,
			"offset":     cs.Offset,
			"lag":        cs.Lag,
			"active":     cs.Active,
			"created_at": cs.CreatedAt,
			"last_seen":  cs.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	maxCount, _ := strconv.Atoi(r.URL.Query().Get("max_count"))
	maxBytes, _ := strconv.ParseInt(r.URL.Query().Get("max_bytes"), 10, 64)

	batch, err := h.dispatcher.Next(r.Context(), id, maxCount, maxBytes)
	if err != nil {
		writeJSON(w, consumerStatus(err), map[string]string{"error": err.Error()})
		return
	}

	records := make([]map[string]interface{}, 0, len(batch.Records))
	for _, rec := range batch.Records {
		records = append(records, recordJSON(rec))
	}
	gaps := make([]map[string]interface{}, 0, len(batch.Gaps))
	for _, g := range batch.Gaps {
		gaps = append(gaps, map[string]interface{}{
			"first_seq": g.FirstSeq,
			"last_seq":  g.LastSeq,
			"reason":    g.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"gaps":    gaps,
		"count":   len(batch.Records),
		"next":    batch.NextSeq,
	})
}

func (h *handler) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	applied, err := h.dispatcher.Ack(r.Context(), id, req.Sequence)
	if err != nil {
		writeJSON(w, consumerStatus(err), map[string]string{"error": err.Error()})
		return
	}
	reg, _ := h.tracker.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"offset":  reg.Offset,
	})
}

func consumerStatus(err error) int {
	switch {
	case errors.Is(err, offsets.ErrUnknownConsumer):
		return http.StatusNotFound
	case errors.Is(err, offsets.ErrModeMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleTail serves a live SSE stream. Each connection registers an
// ephemeral push consumer at the current high water mark, so only
// records appended after subscribing are streamed. Records are
// acknowledged once written and flushed.
func (h *handler) handleTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	sourceFilter := r.URL.Query().Get("source")
	levelFilter := r.URL.Query().Get("level")

	ctx := r.Context()
	id := "tail-" + uuid.NewString()
	if _, err := h.tracker.Register(ctx, id, offsets.ModePush, h.store.HighWater()+1); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer func() {
		// Close waits for the delivery loop, so no write to this
		// connection can happen after the handler returns.
		h.dispatcher.Close(id)
		h.tracker.Unregister(context.Background(), id)
	}()

	// mu serializes record frames against keepalive comments.
	var mu sync.Mutex

	var limit <-chan time.Time
	if h.cfg.TailMaxRate > 0 {
		if interval := time.Second / time.Duration(h.cfg.TailMaxRate); interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			limit = ticker.C
		}
	}

	sink := dispatch.SinkFunc(func(ctx context.Context, batch *store.Batch) error {
		mu.Lock()
		defer mu.Unlock()
		wrote := false
		for _, rec := range batch.Records {
			if !tailMatch(rec, sourceFilter, levelFilter) {
				continue
			}
			if limit != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-limit:
				}
			}
			frame, err := json.Marshal(recordJSON(rec))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: record\ndata: %s\n\n", frame); err != nil {
				return err
			}
			wrote = true
		}
		if wrote {
			flusher.Flush()
		}
		_, err := h.dispatcher.Ack(ctx, id, batch.LastSeq())
		return err
	})

	// Headers go out before the sink attaches: the loop may deliver the
	// moment it starts.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.dispatcher.AttachSink(ctx, id, sink); err != nil {
		h.logger.Warn("tail sink attach failed", zap.String("consumer", id), zap.Error(err))
		return
	}

	h.logger.Debug("tail subscribed",
		zap.String("consumer", id),
		zap.String("source", sourceFilter),
		zap.String("level", levelFilter))

	keepalive := h.cfg.TailKeepalive.Duration()
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			_, err := io.WriteString(w, ": keepalive\n\n")
			if err == nil {
				flusher.Flush()
			}
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// tailMatch applies the stream filters. Level filtering needs the
// normalized entry shape; a payload that does not carry one is dropped
// from a level-filtered stream.
func tailMatch(rec *record.Record, source, level string) bool {
	if source != "" && rec.Source != source {
		return false
	}
	if level != "" {
		var entry normalize.Entry
		if err := json.Unmarshal(rec.Payload, &entry); err != nil {
			return false
		}
		if !strings.EqualFold(entry.Level, level) {
			return false
		}
	}
	return true
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()
	watermark := h.tracker.Watermark(stats.HighWater, h.retention.MinRetainRecords)
	states := h.dispatcher.States()

	snapshot := h.tracker.Snapshot(time.Now(), stats.HighWater)
	consumers := make([]map[string]interface{}, 0, len(snapshot))
	for _, cs := range snapshot {
		state := dispatch.StateIdle
		if s, ok := states[cs.ID]; ok {
			state = s
		}
		consumers = append(consumers, map[string]interface{}{
			"id":     cs.ID,
			"mode":   string(cs.Mode),
			"offset": cs.Offset,
			"lag":    cs.Lag,
			"active": cs.Active,
			"state":  state.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"high_water": stats.HighWater,
		"earliest":   stats.Earliest,
		"watermark":  watermark,
		"segments": map[string]interface{}{
			"sealed":  stats.SealedCount,
			"corrupt": stats.CorruptCount,
		},
		"storage": map[string]interface{}{
			"used_bytes": stats.TotalBytes,
			"max_bytes":  stats.MaxBytes,
		},
		"consumers": consumers,
	})
}

func (h *handler) handleSegments(w http.ResponseWriter, r *http.Request) {
	entries := h.store.SealedSegments()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		seg := map[string]interface{}{
			"id":         e.ID,
			"first_seq":  e.FirstSeq,
			"last_seq":   e.LastSeq,
			"records":    e.RecordCount,
			"size_bytes": e.SizeBytes,
			"sealed_at":  e.SealedAt,
			"corrupt":    e.Corrupt,
		}
		if e.ArchiveKey != "" {
			seg["archive_key"] = e.ArchiveKey
		}
		out = append(out, seg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.health.Readiness()
	stats := h.store.Stats()

	code := http.StatusOK
	text := "healthy"
	if !status.OK {
		code = http.StatusServiceUnavailable
		text = "unhealthy"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":        text,
		"checks":        status.Checks,
		"storage_bytes": stats.TotalBytes,
		"max_bytes":     stats.MaxBytes,
		"segments":      stats.SealedCount,
		"high_water":    stats.HighWater,
		"watermark":     h.tracker.Watermark(stats.HighWater, h.retention.MinRetainRecords),
	})
}

func recordJSON(rec *record.Record) map[string]interface{} {
	return map[string]interface{}{
		"sequence":  rec.Sequence,
		"source":    rec.Source,
		"payload":   string(rec.Payload),
		"timestamp": rec.Timestamp,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
