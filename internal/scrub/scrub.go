// Package scrub redacts secrets from log payloads before they are
// persisted. Upstream services that already redacted an entry mark it
// with a logging_strategy field; those entries pass through untouched so
// double scrubbing cannot mangle them.
package scrub

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/normalize"
)

const redacted = "[REDACTED]"

type pattern struct {
	name string
	re   *regexp.Regexp
	// repl preserves capture groups; empty means replace the whole match.
	repl string
}

var basePatterns = []pattern{
	// API keys
	{name: "openai_key", re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{name: "stripe_key", re: regexp.MustCompile(`sk_(live|test)_[A-Za-z0-9]{20,}`)},
	{name: "github_token", re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
	{name: "slack_token", re: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`)},
	// Bearer tokens keep the scheme prefix
	{name: "bearer_token", re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-.]{20,}`), repl: "${1}" + redacted},
	// JWT signatures (three-part dot-separated base64)
	{name: "jwt", re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	// Connection strings
	{name: "connection_string", re: regexp.MustCompile(`(?i)(postgres|mysql|mongodb|redis|amqp)://[^\s"']{10,}`)},
	// Generic key=value secrets
	{name: "api_key_assignment", re: regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{20,}['"]?`)},
	{name: "password_assignment", re: regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`)},
	{name: "secret_assignment", re: regexp.MustCompile(`(?i)(?:secret|token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{20,}['"]?`)},
	// AWS credentials
	{name: "aws_access_key", re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	// Private key markers
	{name: "private_key", re: regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`)},
}

// Scrubber applies the redaction patterns in a fixed order.
type Scrubber struct {
	patterns []pattern
	logger   *zap.Logger
}

// New compiles the base patterns plus any comma-separated extras from
// configuration. Invalid extras are logged and skipped.
func New(cfg config.ScrubConfig, logger *zap.Logger) *Scrubber {
	s := &Scrubber{
		patterns: basePatterns,
		logger:   logger.Named("scrub"),
	}
	if cfg.ExtraPatterns == "" {
		return s
	}
	for i, raw := range strings.Split(cfg.ExtraPatterns, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			s.logger.Warn("invalid scrub pattern",
				zap.String("pattern", raw),
				zap.Error(err))
			continue
		}
		s.patterns = append(s.patterns, pattern{
			name: "custom_" + strconv.Itoa(i),
			re:   re,
		})
	}
	return s
}

// Scrub replaces secrets in a payload with the redaction marker. Entries
// already redacted upstream are returned unchanged.
func (s *Scrubber) Scrub(payload []byte) []byte {
	if shouldSkip(payload) {
		return payload
	}
	text, changed := s.scrubText(string(payload))
	if !changed {
		return payload
	}
	s.logger.Debug("secrets scrubbed",
		zap.Int("original_length", len(payload)),
		zap.Int("scrubbed_length", len(text)))
	return []byte(text)
}

// ScrubEntry redacts the message and raw fields of a normalized entry in
// place. The upstream-redaction check runs against the raw line rather
// than the encoded entry, so the logging_strategy mark still works after
// normalization has wrapped the line.
func (s *Scrubber) ScrubEntry(e *normalize.Entry) {
	if shouldSkip([]byte(e.Raw)) {
		return
	}
	msg, msgChanged := s.scrubText(e.Message)
	raw, rawChanged := s.scrubText(e.Raw)
	if !msgChanged && !rawChanged {
		return
	}
	s.logger.Debug("secrets scrubbed",
		zap.Int("original_length", len(e.Raw)),
		zap.Int("scrubbed_length", len(raw)))
	e.Message = msg
	e.Raw = raw
}

func (s *Scrubber) scrubText(text string) (string, bool) {
	changed := false
	for _, p := range s.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		changed = true
		repl := p.repl
		if repl == "" {
			repl = redacted
		}
		text = p.re.ReplaceAllString(text, repl)
	}
	return text, changed
}

// shouldSkip reports whether the upstream already redacted this entry.
func shouldSkip(raw []byte) bool {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return false
	}
	strategy, _ := data["logging_strategy"].(string)
	return strategy == "redacted" || strategy == "partial"
}
