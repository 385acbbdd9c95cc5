package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mareekkk/logstream/internal/config"
)

var (
	// Ingestion gate
	RecordsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_records_accepted_total",
		Help: "Records admitted through the ingestion gate",
	}, []string{"source"})

	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_records_rejected_total",
		Help: "Records rejected at the ingestion gate",
	}, []string{"reason"})

	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logstream_append_duration_seconds",
		Help:    "Time from admission to durable append",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// Store occupancy
	HighWaterSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_high_water_sequence",
		Help: "Highest committed sequence number",
	})

	EarliestSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_earliest_sequence",
		Help: "Lowest retained sequence number",
	})

	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_store_bytes",
		Help: "Byte footprint of retained segments",
	})

	StoreCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_store_capacity_bytes",
		Help: "Configured storage ceiling",
	})

	Segments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logstream_segments",
		Help: "Retained segments by state",
	}, []string{"state"})

	// Dispatch
	RecordsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_records_delivered_total",
		Help: "Records handed to consumers",
	}, []string{"consumer", "mode"})

	RecordsRedelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_records_redelivered_total",
		Help: "Records re-sent after an unacknowledged delivery",
	}, []string{"consumer"})

	AckTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_ack_timeouts_total",
		Help: "Deliveries whose acknowledgement deadline elapsed",
	}, []string{"consumer"})

	RegressiveAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_regressive_acks_total",
		Help: "Acknowledgements below the current offset, ignored",
	}, []string{"consumer"})

	GapsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_gaps_served_total",
		Help: "Gap markers handed to consumers",
	}, []string{"reason"})

	ConsumerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logstream_consumer_lag_records",
		Help: "Records between a consumer's offset and the high water mark",
	}, []string{"consumer"})

	ConsumersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_consumers_active",
		Help: "Registered consumers seen within the activity window",
	})

	WatermarkSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_watermark_sequence",
		Help: "Retention watermark",
	})

	// Retention sweeper
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logstream_sweep_cycles_total",
		Help: "Retention sweep cycles completed",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logstream_sweep_duration_seconds",
		Help:    "Time per retention sweep cycle",
		Buckets: prometheus.DefBuckets,
	})

	SegmentsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logstream_segments_reclaimed_total",
		Help: "Segments removed by the retention sweeper",
	})

	BytesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logstream_bytes_reclaimed_total",
		Help: "Bytes freed by the retention sweeper",
	})

	SafeguardActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logstream_safeguard_activations_total",
		Help: "Sweep cycles that ran with the age floor suspended",
	})

	// Archive
	ArchiveUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logstream_archive_upload_duration_seconds",
		Help:    "S3 archive upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	ArchiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_archive_errors_total",
		Help: "S3 archive upload failures",
	}, []string{"error_type"})

	// NATS source
	SourceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logstream_source_connected",
		Help: "Whether the NATS source link is currently up",
	})

	SourceMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_source_messages_total",
		Help: "Messages pulled from the JetStream source",
	}, []string{"stream"})

	SourceNaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logstream_source_naks_total",
		Help: "Source messages negatively acknowledged or terminated",
	}, []string{"stream", "reason"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
