package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/storage"
)

type HealthHandler struct {
	db      *gorm.DB
	storage storage.StorageBackend
	mirror  mirror.Store
	version string
}

func NewHealthHandler(db *gorm.DB, backend storage.StorageBackend, store mirror.Store, version string) *HealthHandler {
	return &HealthHandler{
		db:      db,
		storage: backend,
		mirror:  store,
		version: version,
	}
}

type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Checks  map[string]Check `json:"checks"`
	Uptime  string           `json:"uptime,omitempty"`
}

// Check is the outcome of one dependency probe.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

var startTime = time.Now()

// Health probes the database, storage and submission mirror. Any failing
// probe turns the response into a 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Check{
		"database": h.checkDatabase(r.Context()),
		"storage":  probe(r.Context(), "storage health check failed", h.storage.HealthCheck),
		"mirror":   probe(r.Context(), "mirror ping failed", h.mirror.Ping),
	}
	overallStatus := "healthy"
	for _, c := range checks {
		if c.Status != "healthy" {
			overallStatus = "unhealthy"
		}
	}

	response := HealthResponse{
		Status:  overallStatus,
		Version: h.version,
		Checks:  checks,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")

	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	return probe(ctx, "database ping failed", func(ctx context.Context) error {
		sqlDB, err := h.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
}

func probe(ctx context.Context, failure string, check func(context.Context) error) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := check(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: failure + ": " + err.Error(),
			Latency: time.Since(start).String(),
		}
	}
	return Check{
		Status:  "healthy",
		Latency: time.Since(start).String(),
	}
}
