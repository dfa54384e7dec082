package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/providers"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the readiness probe's response body.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is one dependency's health.
type DependencyStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker aggregates backend and loader health for the probes.
// Either backend handle may be nil when that backend is not wired.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	loaders *providers.HealthRegistry
}

// NewHealthChecker builds a checker over the wired dependencies.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, loaders *providers.HealthRegistry) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, loaders: loaders}
}

// Liveness always reports success while the process serves requests.
func (h *HealthChecker) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

// Readiness checks the backends and the resource loaders' staleness
// budgets. Stale loaders degrade readiness without failing it; cached
// snapshots still serve.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Check performs the readiness evaluation.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := DependencyStatus{Status: StatusHealthy}
		if err := h.db.PingContext(ctx); err != nil {
			dep = DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
			status.Status = StatusUnhealthy
		}
		status.Dependencies["database"] = dep
	}

	if h.redis != nil {
		dep := DependencyStatus{Status: StatusHealthy}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			dep = DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
			status.Status = StatusUnhealthy
		}
		status.Dependencies["redis"] = dep
	}

	if h.loaders != nil {
		dep := DependencyStatus{Status: StatusHealthy}
		if unhealthy := h.loaders.Unhealthy(); len(unhealthy) > 0 {
			dep = DependencyStatus{Status: StatusDegraded, Message: "stale loaders: " + strings.Join(unhealthy, ", ")}
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
		status.Dependencies["resource_loaders"] = dep
	}

	return status
}
