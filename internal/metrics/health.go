package metrics

import (
	"context"
	"time"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StoreChecker reports whether the record store can still admit writes.
type StoreChecker interface {
	Healthy() bool
}

// MetaChecker verifies the manifest database responds.
type MetaChecker interface {
	Ping() error
}

// ArchivePinger verifies the archive backend is reachable.
type ArchivePinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs health probes. Optional probes may be nil.
type HealthChecker struct {
	store         StoreChecker
	meta          MetaChecker
	sourceHealthy func() bool
	archive       ArchivePinger
}

// NewHealthChecker creates a new health checker. sourceHealthy and archive
// are nil when the corresponding subsystem is disabled.
func NewHealthChecker(st StoreChecker, m MetaChecker, sourceHealthy func() bool, archive ArchivePinger) *HealthChecker {
	return &HealthChecker{
		store:         st,
		meta:          m,
		sourceHealthy: sourceHealthy,
		archive:       archive,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.store != nil {
		if !h.store.Healthy() {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "store", Status: "not writable",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "store", Status: "ok",
			})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "manifest", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "manifest", Status: "ok",
			})
		}
	}

	if h.sourceHealthy != nil {
		if !h.sourceHealthy() {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "source", Status: "disconnected",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "source", Status: "connected",
			})
		}
	}

	if h.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archive.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "ok",
			})
		}
	}

	return status
}
