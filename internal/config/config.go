package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Consumers     ConsumersConfig     `yaml:"consumers"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Retention     RetentionConfig     `yaml:"retention"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Source        SourceConfig        `yaml:"source"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Listen        string   `yaml:"listen"`
	AdminKey      string   `yaml:"admin_key"`
	TailKeepalive Duration `yaml:"tail_keepalive"`
	TailMaxRate   int      `yaml:"tail_max_rate"`
}

type StorageConfig struct {
	Dir             string   `yaml:"dir"`
	SegmentMaxBytes ByteSize `yaml:"segment_max_bytes"`
	MaxTotalBytes   ByteSize `yaml:"max_total_bytes"`
	Fsync           bool     `yaml:"fsync"`
	MaxOpenReaders  int      `yaml:"max_open_readers"`
}

type IngestConfig struct {
	MaxPayloadBytes   ByteSize    `yaml:"max_payload_bytes"`
	MaxSourceLen      int         `yaml:"max_source_len"`
	HighWaterFraction float64     `yaml:"high_water_fraction"`
	Normalize         bool        `yaml:"normalize"`
	Scrub             ScrubConfig `yaml:"scrub"`
}

type ScrubConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ExtraPatterns string `yaml:"extra_patterns"`
}

type ConsumersConfig struct {
	ActivityTimeout Duration `yaml:"activity_timeout"`
	ExpireAfter     Duration `yaml:"expire_after"`
}

type DispatchConfig struct {
	MaxBatchRecords int      `yaml:"max_batch_records"`
	MaxBatchBytes   ByteSize `yaml:"max_batch_bytes"`
	AckTimeout      Duration `yaml:"ack_timeout"`
	BackoffInitial  Duration `yaml:"backoff_initial"`
	BackoffMax      Duration `yaml:"backoff_max"`
}

type RetentionConfig struct {
	SweepInterval     Duration `yaml:"sweep_interval"`
	MinRetainRecords  uint64   `yaml:"min_retain_records"`
	MinRetainAge      Duration `yaml:"min_retain_age"`
	SafeguardFraction float64  `yaml:"safeguard_fraction"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

type SourceConfig struct {
	Enabled         bool      `yaml:"enabled"`
	URL             string    `yaml:"url"`
	ConnectionName  string    `yaml:"connection_name"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
	Stream          string    `yaml:"stream"`
	ConsumerName    string    `yaml:"consumer_name"`
	Subjects        []string  `yaml:"subjects"`
	FetchBatch      int       `yaml:"fetch_batch"`
	FetchTimeout    Duration  `yaml:"fetch_timeout"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file when path is non-empty, overlaid by LOGSTREAM_ environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Storage.SegmentMaxBytes < 64*1024 || c.Storage.SegmentMaxBytes > 1024*1024*1024 {
		return fmt.Errorf("storage.segment_max_bytes must be between 64KB and 1GB, got %d", c.Storage.SegmentMaxBytes)
	}
	if c.Storage.MaxTotalBytes <= c.Storage.SegmentMaxBytes {
		return fmt.Errorf("storage.max_total_bytes must exceed storage.segment_max_bytes")
	}

	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ingest.max_payload_bytes must be > 0")
	}
	if c.Ingest.MaxPayloadBytes > c.Storage.SegmentMaxBytes/2 {
		return fmt.Errorf("ingest.max_payload_bytes must fit within half a segment (%d)", c.Storage.SegmentMaxBytes/2)
	}
	if c.Ingest.MaxSourceLen <= 0 || c.Ingest.MaxSourceLen > 65535 {
		return fmt.Errorf("ingest.max_source_len must be between 1 and 65535")
	}
	if c.Ingest.HighWaterFraction <= 0 || c.Ingest.HighWaterFraction > 1 {
		return fmt.Errorf("ingest.high_water_fraction must be in (0, 1]")
	}

	if c.Consumers.ActivityTimeout <= 0 {
		return fmt.Errorf("consumers.activity_timeout must be > 0")
	}
	if c.Consumers.ExpireAfter < c.Consumers.ActivityTimeout {
		return fmt.Errorf("consumers.expire_after must be >= consumers.activity_timeout")
	}

	if c.Dispatch.MaxBatchRecords <= 0 {
		return fmt.Errorf("dispatch.max_batch_records must be > 0")
	}
	if c.Dispatch.MaxBatchBytes <= 0 {
		return fmt.Errorf("dispatch.max_batch_bytes must be > 0")
	}
	if c.Dispatch.AckTimeout <= 0 {
		return fmt.Errorf("dispatch.ack_timeout must be > 0")
	}
	if c.Dispatch.BackoffInitial <= 0 || c.Dispatch.BackoffMax < c.Dispatch.BackoffInitial {
		return fmt.Errorf("dispatch backoff bounds invalid: initial %v, max %v", c.Dispatch.BackoffInitial, c.Dispatch.BackoffMax)
	}

	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be > 0")
	}
	if c.Retention.SafeguardFraction <= 0 || c.Retention.SafeguardFraction > 1 {
		return fmt.Errorf("retention.safeguard_fraction must be in (0, 1]")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive requires endpoint")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires bucket")
		}
	}

	if c.Source.Enabled {
		if c.Source.URL == "" {
			return fmt.Errorf("source requires url")
		}
		if c.Source.Stream == "" {
			return fmt.Errorf("source requires stream")
		}
		if c.Source.ConsumerName == "" {
			return fmt.Errorf("source requires consumer_name")
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
