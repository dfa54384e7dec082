package providers

import (
	"sync/atomic"
	"time"
)

// HealthTracker records when a loader last succeeded. A loader is healthy
// when its last success is within the staleness budget; it starts
// unhealthy until the first successful load.
type HealthTracker struct {
	name         string
	maxStaleness time.Duration
	lastSuccess  atomic.Int64 // unix nanos, 0 = never
	now          func() time.Time
}

// NewHealthTracker builds a tracker with the given staleness budget.
func NewHealthTracker(name string, maxStaleness time.Duration) *HealthTracker {
	return &HealthTracker{
		name:         name,
		maxStaleness: maxStaleness,
		now:          time.Now,
	}
}

// Name identifies the tracked loader.
func (h *HealthTracker) Name() string { return h.name }

// MarkSuccess advances the health timestamp to now.
func (h *HealthTracker) MarkSuccess() {
	h.lastSuccess.Store(h.now().UnixNano())
}

// LastSuccess returns the last successful load time, zero if never.
func (h *HealthTracker) LastSuccess() time.Time {
	nanos := h.lastSuccess.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Healthy reports whether the last success is within the staleness budget.
func (h *HealthTracker) Healthy() bool {
	nanos := h.lastSuccess.Load()
	if nanos == 0 {
		return false
	}
	return h.now().Sub(time.Unix(0, nanos)) <= h.maxStaleness
}

// HealthRegistry aggregates the trackers of every loader so the syncer
// and the readiness probe can gate on fleet-wide health.
type HealthRegistry struct {
	trackers []*HealthTracker
}

// NewHealthRegistry builds a registry over the given trackers.
func NewHealthRegistry(trackers ...*HealthTracker) *HealthRegistry {
	return &HealthRegistry{trackers: trackers}
}

// Register adds a tracker.
func (r *HealthRegistry) Register(t *HealthTracker) {
	r.trackers = append(r.trackers, t)
}

// Healthy reports whether every registered tracker is healthy.
func (r *HealthRegistry) Healthy() bool {
	for _, t := range r.trackers {
		if !t.Healthy() {
			return false
		}
	}
	return true
}

// Unhealthy returns the names of trackers currently out of budget.
func (r *HealthRegistry) Unhealthy() []string {
	var out []string
	for _, t := range r.trackers {
		if !t.Healthy() {
			out = append(out, t.Name())
		}
	}
	return out
}
