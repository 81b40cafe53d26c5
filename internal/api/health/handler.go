package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"atlas/pkg/logger"
)

// Pinger verifies connectivity to a backing store.
type Pinger interface {
	Health(ctx context.Context) error
}

// BlockReader reports the current chain head. Used to verify RPC
// connectivity without issuing a state-changing call.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	redis       Pinger
	clickhouse  Pinger // nil when history storage is disabled
	chain       BlockReader
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(
	log *logger.Logger,
	redis Pinger,
	clickhouse Pinger,
	chain BlockReader,
	serviceName string,
	version string,
) *Handler {
	return &Handler{
		log:         log,
		redis:       redis,
		clickhouse:  clickhouse,
		chain:       chain,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status      string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service     string                     `json:"service"`
	Version     string                     `json:"version"`
	Uptime      string                     `json:"uptime"`
	Timestamp   string                     `json:"timestamp"`
	Checks      map[string]ComponentHealth `json:"checks"`
	ErrorDetail string                     `json:"error_detail,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
// Used by Kubernetes liveness probe
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// HandleReadiness checks if service is ready to accept traffic
// Used by Kubernetes readiness probe
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, healthyCount, totalCount := h.runChecks(ctx)

	status := HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}

	// Readiness requires every configured dependency. Positions and
	// markets come straight from the chain, so a dead RPC means the
	// service cannot serve fresh data.
	statusCode := http.StatusOK
	if healthyCount < totalCount {
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		h.log.Warnw("readiness check failed", "checks", checks)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(status)
}

// HandleHealth returns detailed health status (includes all checks)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks, healthyCount, totalCount := h.runChecks(ctx)

	status := HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if healthyCount == 0 && totalCount > 0 {
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if healthyCount < totalCount {
		status.Status = "degraded"
		statusCode = http.StatusOK // Still return 200 for degraded
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) runChecks(ctx context.Context) (map[string]ComponentHealth, int, int) {
	checks := make(map[string]ComponentHealth)
	healthy := 0
	total := 0

	if h.redis != nil {
		total++
		c := h.checkPinger(ctx, "redis", h.redis)
		checks["redis"] = c
		if c.Status == "healthy" {
			healthy++
		}
	}

	if h.clickhouse != nil {
		total++
		c := h.checkPinger(ctx, "clickhouse", h.clickhouse)
		checks["clickhouse"] = c
		if c.Status == "healthy" {
			healthy++
		}
	}

	if h.chain != nil {
		total++
		c := h.checkChain(ctx)
		checks["rpc"] = c
		if c.Status == "healthy" {
			healthy++
		}
	}

	return checks, healthy, total
}

func (h *Handler) checkPinger(ctx context.Context, name string, p Pinger) ComponentHealth {
	start := time.Now()
	err := p.Health(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Errorw("health check failed", "component", name, "error", err, "elapsed", elapsed)
		return ComponentHealth{
			Status:       "unhealthy",
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       "healthy",
		ResponseTime: elapsed.String(),
	}
}

// checkChain verifies RPC connectivity by fetching the head block
func (h *Handler) checkChain(ctx context.Context) ComponentHealth {
	start := time.Now()
	_, err := h.chain.BlockNumber(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Errorw("health check failed", "component", "rpc", "error", err, "elapsed", elapsed)
		return ComponentHealth{
			Status:       "unhealthy",
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       "healthy",
		ResponseTime: elapsed.String(),
	}
}
