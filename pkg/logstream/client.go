package logstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config configures the logstream client.
type Config struct {
	// BaseURL is the root of the logstream HTTP API,
	// e.g. "http://localhost:8210".
	BaseURL string

	// AdminKey, when set, is sent as X-Admin-Key on every API request.
	AdminKey string

	// HTTPClient overrides the default transport. Leave its Timeout unset
	// when tailing; Tail holds the connection open indefinitely.
	HTTPClient *http.Client

	// Timeout bounds each non-streaming request. Defaults to 10s.
	Timeout time.Duration
}

// Client talks to a logstream server over HTTP.
type Client struct {
	base    string
	key     string
	httpc   *http.Client
	timeout time.Duration
}

// New creates a client for the given server.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("logstream: BaseURL is required")
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.AdminKey,
		httpc:   httpc,
		timeout: timeout,
	}, nil
}

// Record is one log record as served by the API.
type Record struct {
	Sequence  uint64    `json:"sequence"`
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Gap marks a sequence range the server can no longer serve, with the
// reason (reclaimed or corrupt).
type Gap struct {
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Reason   string `json:"reason"`
}

// Batch is one page of records from a pull fetch. Next is the sequence
// the following fetch would start at.
type Batch struct {
	Records []Record `json:"records"`
	Gaps    []Gap    `json:"gaps"`
	Count   int      `json:"count"`
	Next    uint64   `json:"next"`
}

// Registration describes a consumer as created or looked up.
type Registration struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	SinceSeq  uint64    `json:"since_seq"`
	Offset    uint64    `json:"offset"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsumerInfo is one row of the consumer listing.
type ConsumerInfo struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	SinceSeq  uint64    `json:"since_seq"`
	Offset    uint64    `json:"offset"`
	Lag       uint64    `json:"lag"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// AckResult reports whether an acknowledgement advanced the offset.
// Applied is false when the sequence was at or behind the stored offset.
type AckResult struct {
	Applied bool   `json:"applied"`
	Offset  uint64 `json:"offset"`
}

// SegmentCounts summarizes sealed segment state.
type SegmentCounts struct {
	Sealed  int `json:"sealed"`
	Corrupt int `json:"corrupt"`
}

// StorageStatus reports disk usage against the configured ceiling.
type StorageStatus struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// ConsumerState is a consumer row in the status document.
type ConsumerState struct {
	ID     string `json:"id"`
	Mode   string `json:"mode"`
	Offset uint64 `json:"offset"`
	Lag    uint64 `json:"lag"`
	Active bool   `json:"active"`
	State  string `json:"state"`
}

// ServerStatus is the full status document.
type ServerStatus struct {
	HighWater uint64          `json:"high_water"`
	Earliest  uint64          `json:"earliest"`
	Watermark uint64          `json:"watermark"`
	Segments  SegmentCounts   `json:"segments"`
	Storage   StorageStatus   `json:"storage"`
	Consumers []ConsumerState `json:"consumers"`
}

// Segment describes one sealed segment.
type Segment struct {
	ID         uint64    `json:"id"`
	FirstSeq   uint64    `json:"first_seq"`
	LastSeq    uint64    `json:"last_seq"`
	Records    int       `json:"records"`
	SizeBytes  int64     `json:"size_bytes"`
	SealedAt   time.Time `json:"sealed_at"`
	Corrupt    bool      `json:"corrupt"`
	ArchiveKey string    `json:"archive_key,omitempty"`
}

// HealthCheck is an individual readiness check.
type HealthCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is the health endpoint document.
type Health struct {
	Status       string        `json:"status"`
	Checks       []HealthCheck `json:"checks"`
	StorageBytes int64         `json:"storage_bytes"`
	MaxBytes     int64         `json:"max_bytes"`
	Segments     int           `json:"segments"`
	HighWater    uint64        `json:"high_water"`
	Watermark    uint64        `json:"watermark"`
}

// Submit ships one record and returns its assigned sequence number.
func (c *Client) Submit(ctx context.Context, payload []byte, source string) (uint64, error) {
	return c.submit(ctx, payload, source, false)
}

// SubmitRedacted ships a record whose payload was already redacted by the
// producer, so the server skips its own scrubbing pass.
func (c *Client) SubmitRedacted(ctx context.Context, payload []byte, source string) (uint64, error) {
	return c.submit(ctx, payload, source, true)
}

func (c *Client) submit(ctx context.Context, payload []byte, source string, redacted bool) (uint64, error) {
	req := struct {
		Payload  string `json:"payload"`
		Source   string `json:"source"`
		Redacted bool   `json:"redacted,omitempty"`
	}{
		Payload:  string(payload),
		Source:   source,
		Redacted: redacted,
	}
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/records", req, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

// Register creates a consumer, or returns the existing registration when
// id is already known with the same mode. Mode is "pull" or "push"; a
// non-zero from starts delivery at that sequence instead of the earliest
// retained record. An empty id lets the server assign one.
func (c *Client) Register(ctx context.Context, id, mode string, from uint64) (*Registration, error) {
	req := struct {
		ID   string `json:"id,omitempty"`
		Mode string `json:"mode"`
		From uint64 `json:"from,omitempty"`
	}{ID: id, Mode: mode, From: from}
	var out Registration
	if err := c.do(ctx, http.MethodPost, "/v1/consumers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unregister removes a consumer and releases its watermark hold.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/consumers/"+url.PathEscape(id), nil, nil)
}

// Consumers lists every registration with its offset and lag.
func (c *Client) Consumers(ctx context.Context) ([]ConsumerInfo, error) {
	var out []ConsumerInfo
	if err := c.do(ctx, http.MethodGet, "/v1/consumers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch pulls the next batch for a pull-mode consumer. Zero limits fall
// back to the server's defaults.
func (c *Client) Fetch(ctx context.Context, id string, maxCount int, maxBytes int64) (*Batch, error) {
	q := url.Values{}
	if maxCount > 0 {
		q.Set("max_count", strconv.Itoa(maxCount))
	}
	if maxBytes > 0 {
		q.Set("max_bytes", strconv.FormatInt(maxBytes, 10))
	}
	path := "/v1/consumers/" + url.PathEscape(id) + "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Batch
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges every record up to and including seq.
func (c *Client) Ack(ctx context.Context, id string, seq uint64) (*AckResult, error) {
	req := struct {
		Sequence uint64 `json:"sequence"`
	}{Sequence: seq}
	var out AckResult
	if err := c.do(ctx, http.MethodPost, "/v1/consumers/"+url.PathEscape(id)+"/ack", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the buffer, segment, and consumer status document.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	var out ServerStatus
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segments lists sealed segments oldest first.
func (c *Client) Segments(ctx context.Context) ([]Segment, error) {
	var out []Segment
	if err := c.do(ctx, http.MethodGet, "/v1/segments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health fetches the readiness document. An unhealthy server answers 503
// but still sends the document, so both outcomes decode rather than error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("logstream: building request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logstream: GET /health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(resp)
	}
	var out Health
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("logstream: decoding response: %w", err)
	}
	return &out, nil
}

// TailOptions filters a live tail stream.
type TailOptions struct {
	// Source limits the stream to records with this exact source tag.
	Source string

	// Level limits the stream to normalized records at this level.
	Level string
}

// Tail opens a live stream of records appended after the call. The
// returned stream must be closed; cancelling ctx also ends it.
func (c *Client) Tail(ctx context.Context, opts TailOptions) (*TailStream, error) {
	q := url.Values{}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.Level != "" {
		q.Set("level", opts.Level)
	}
	target := c.base + "/v1/tail"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("logstream: building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.key != "" {
		req.Header.Set("X-Admin-Key", c.key)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logstream: tail request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &TailStream{body: resp.Body, scanner: sc}, nil
}

// TailStream reads records from a live tail.
type TailStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next blocks until the next record arrives. It returns io.EOF once the
// server closes the stream.
func (s *TailStream) Next() (*Record, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		// Skip event names, keepalive comments, and frame separators.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
			return nil, fmt.Errorf("logstream: decoding tail record: %w", err)
		}
		return &rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close tears down the stream's connection.
func (s *TailStream) Close() error {
	return s.body.Close()
}

// do performs one API request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("logstream: encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("logstream: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Admin-Key", c.key)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("logstream: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("logstream: decoding response: %w", err)
	}
	return nil
}
