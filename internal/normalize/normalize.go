// Package normalize folds the three log schemas the upstream services
// emit into one canonical entry: structlog (event field, string
// log_level, ISO timestamp), pino (msg field, numeric level, unix-ms
// time) and plain text with best-effort level detection.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Entry is the canonical normalized form of one log line.
type Entry struct {
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Message   string `json:"message"`
	Raw       string `json:"raw"`
}

// Encode serializes the entry as the stored payload.
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// pino numeric levels
var pinoLevels = map[int]string{
	10: "trace",
	20: "debug",
	30: "info",
	40: "warn",
	50: "error",
	60: "fatal",
}

var traceKeys = []string{"trace_id", "traceId", "request_id", "requestId", "x_trace_id"}

// Line normalizes one raw log line. arrivedAt supplies the timestamp
// when the line does not carry a usable one.
func Line(raw []byte, arrivedAt time.Time) Entry {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Entry{
			Level:     "info",
			Timestamp: arrivedAt.UTC().Format(time.RFC3339Nano),
			Message:   "",
			Raw:       line,
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err == nil && data != nil {
		return Entry{
			Level:     extractLevel(data),
			Timestamp: extractTimestamp(data, arrivedAt),
			TraceID:   extractTraceID(data),
			Message:   extractMessage(data),
			Raw:       line,
		}
	}

	// Plain text: detect the level from common markers.
	level := "info"
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "traceback"), strings.Contains(lower, "exception"):
		level = "error"
	case strings.Contains(lower, "warn"):
		level = "warn"
	case strings.Contains(lower, "debug"):
		level = "debug"
	}
	return Entry{
		Level:     level,
		Timestamp: arrivedAt.UTC().Format(time.RFC3339Nano),
		Message:   line,
		Raw:       line,
	}
}

func extractLevel(data map[string]any) string {
	if s, ok := data["log_level"].(string); ok {
		return strings.ToLower(s)
	}
	switch v := data["level"].(type) {
	case float64:
		if name, ok := pinoLevels[int(v)]; ok {
			return name
		}
		return "info"
	case string:
		return strings.ToLower(v)
	}
	if s, ok := data["levelname"].(string); ok {
		return strings.ToLower(s)
	}
	return "info"
}

func extractTimestamp(data map[string]any, arrivedAt time.Time) string {
	if s, ok := data["timestamp"].(string); ok {
		return s
	}
	if ms, ok := data["time"].(float64); ok {
		return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
	}
	return arrivedAt.UTC().Format(time.RFC3339Nano)
}

func extractTraceID(data map[string]any) string {
	for _, key := range traceKeys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}

func extractMessage(data map[string]any) string {
	for _, key := range []string{"event", "msg", "message"} {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	// No recognizable message field: fall back to the whole object.
	if b, err := json.Marshal(data); err == nil {
		return string(b)
	}
	return ""
}
