package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8210",
			AdminKey:      "",
			TailKeepalive: Duration(30 * time.Second),
			TailMaxRate:   50,
		},
		Storage: StorageConfig{
			Dir:             "/data",
			SegmentMaxBytes: ByteSize(16 * 1024 * 1024),       // 16MB
			MaxTotalBytes:   ByteSize(2 * 1024 * 1024 * 1024), // 2GB
			Fsync:           true,
			MaxOpenReaders:  32,
		},
		Ingest: IngestConfig{
			MaxPayloadBytes:   ByteSize(1024 * 1024), // 1MB
			MaxSourceLen:      256,
			HighWaterFraction: 0.95,
			Normalize:         true,
			Scrub: ScrubConfig{
				Enabled: true,
			},
		},
		Consumers: ConsumersConfig{
			ActivityTimeout: Duration(5 * time.Minute),
			ExpireAfter:     Duration(24 * time.Hour),
		},
		Dispatch: DispatchConfig{
			MaxBatchRecords: 500,
			MaxBatchBytes:   ByteSize(4 * 1024 * 1024), // 4MB
			AckTimeout:      Duration(30 * time.Second),
			BackoffInitial:  Duration(time.Second),
			BackoffMax:      Duration(time.Minute),
		},
		Retention: RetentionConfig{
			SweepInterval:     Duration(time.Minute),
			MinRetainRecords:  1024,
			MinRetainAge:      Duration(10 * time.Minute),
			SafeguardFraction: 0.75,
		},
		Source: SourceConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			ConnectionName: "logstream",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConsumerName:   "logstream-ingest",
			FetchBatch:     256,
			FetchTimeout:   Duration(5 * time.Second),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9098",
				Path:    "/metrics",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
