package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/store"
)

// NodeCounter reports how many storage nodes accept placements
type NodeCounter interface {
	UpCount() int
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	metadataStore store.MetadataStore
	headerStore   store.HeaderStore
	nodes         NodeCounter
	minimumNodes  int
	logger        *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. headerStore may be nil.
func NewHealthChecker(
	metadataStore store.MetadataStore,
	headerStore store.HeaderStore,
	nodes NodeCounter,
	minimumNodes int,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		metadataStore: metadataStore,
		headerStore:   headerStore,
		nodes:         nodes,
		minimumNodes:  minimumNodes,
		logger:        logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, healthy := h.Check(ctx)

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

// Check runs all readiness checks
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	allHealthy := true

	if err := h.metadataStore.Ping(ctx); err != nil {
		h.logger.Error("Metadata store health check failed", zap.Error(err))
		checks["metadata_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["metadata_store"] = "healthy"
	}

	if h.headerStore != nil {
		// the shared header cache is optional; failures degrade lookups only
		if err := h.headerStore.Ping(ctx); err != nil {
			h.logger.Warn("Header store health check failed", zap.Error(err))
			checks["header_store"] = "degraded: " + err.Error()
		} else {
			checks["header_store"] = "healthy"
		}
	}

	if up := h.nodes.UpCount(); up < h.minimumNodes {
		checks["storage_nodes"] = fmt.Sprintf("unhealthy: %d up, %d required", up, h.minimumNodes)
		allHealthy = false
	} else {
		checks["storage_nodes"] = fmt.Sprintf("healthy: %d up", up)
	}

	return checks, allHealthy
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
