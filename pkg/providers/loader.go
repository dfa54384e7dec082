package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/platinummonkey/warden/pkg/authz"
)

var loaderRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "warden",
	Subsystem: "loader",
	Name:      "refreshes_total",
	Help:      "Resource loader refresh outcomes",
}, []string{"loader", "outcome"})

func init() {
	prometheus.MustRegister(loaderRefreshes)
}

// ResourceLoader pulls the current resource inventory from a remote
// system-of-record.
type ResourceLoader interface {
	Load(ctx context.Context) ([]authz.Resource, error)
}

// LoaderFunc adapts a function to the ResourceLoader interface.
type LoaderFunc func(ctx context.Context) ([]authz.Resource, error)

// Load implements ResourceLoader.
func (f LoaderFunc) Load(ctx context.Context) ([]authz.Resource, error) {
	return f(ctx)
}

// CachedLoaderConfig tunes a CachedLoader.
type CachedLoaderConfig struct {
	// RefreshInterval is how often the background refresh runs.
	RefreshInterval time.Duration
	// MaxStaleness is the health budget: the loader is unhealthy once its
	// last success is older than this.
	MaxStaleness time.Duration
	// LoadTimeout bounds one call to the external source.
	LoadTimeout time.Duration
	Retry       RetryConfig
	// BreakerFailureThreshold trips the circuit after this many
	// consecutive failures.
	BreakerFailureThreshold uint32
	// BreakerOpenDuration is how long the circuit stays open.
	BreakerOpenDuration time.Duration
}

// DefaultCachedLoaderConfig returns the standard loader tuning.
func DefaultCachedLoaderConfig() CachedLoaderConfig {
	return CachedLoaderConfig{
		RefreshInterval:         30 * time.Second,
		MaxStaleness:            90 * time.Second,
		LoadTimeout:             20 * time.Second,
		Retry:                   DefaultRetryConfig(),
		BreakerFailureThreshold: 5,
		BreakerOpenDuration:     30 * time.Second,
	}
}

type snapshot struct {
	resources  []authz.Resource
	generation uint64
	loadedAt   time.Time
}

// CachedLoader wraps a ResourceLoader with a periodically refreshed
// in-memory snapshot. The external call runs behind a circuit breaker and
// a bounded retry; on failure the previous snapshot keeps serving and the
// health timestamp does not advance.
type CachedLoader struct {
	name     string
	delegate ResourceLoader
	config   CachedLoaderConfig
	breaker  *gobreaker.CircuitBreaker
	health   *HealthTracker
	current  atomic.Pointer[snapshot]
	log      *logrus.Entry
}

// NewCachedLoader builds a loader cache around the delegate. The loader
// starts with no snapshot and unhealthy; call Refresh or schedule it on a
// Refresher.
func NewCachedLoader(name string, delegate ResourceLoader, config CachedLoaderConfig) *CachedLoader {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 30 * time.Second
	}
	if config.MaxStaleness <= 0 {
		config.MaxStaleness = 3 * config.RefreshInterval
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 20 * time.Second
	}
	if config.BreakerFailureThreshold == 0 {
		config.BreakerFailureThreshold = 5
	}
	if config.BreakerOpenDuration <= 0 {
		config.BreakerOpenDuration = 30 * time.Second
	}

	threshold := config.BreakerFailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: config.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})

	return &CachedLoader{
		name:     name,
		delegate: delegate,
		config:   config,
		breaker:  breaker,
		health:   NewHealthTracker(name, config.MaxStaleness),
		log:      logrus.WithField("loader", name),
	}
}

// Name identifies the loader.
func (l *CachedLoader) Name() string { return l.name }

// Health returns the loader's health tracker.
func (l *CachedLoader) Health() *HealthTracker { return l.health }

// Refresh calls the external source once and, on success, atomically
// replaces the snapshot and advances the health timestamp. On open
// circuit or exhausted retries the previous snapshot is retained.
func (l *CachedLoader) Refresh(ctx context.Context) error {
	loaded, err := l.breaker.Execute(func() (interface{}, error) {
		var resources []authz.Resource
		loadErr := withRetry(ctx, l.config.Retry, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, l.config.LoadTimeout)
			defer cancel()
			var err error
			resources, err = l.delegate.Load(callCtx)
			return err
		})
		return resources, loadErr
	})
	if err != nil {
		loaderRefreshes.WithLabelValues(l.name, "failure").Inc()
		if prev := l.current.Load(); prev != nil {
			l.log.WithError(err).WithField("snapshot_age", time.Since(prev.loadedAt).String()).
				Warn("resource refresh failed, serving previous snapshot")
		} else {
			l.log.WithError(err).Error("resource refresh failed with no snapshot to fall back on")
		}
		return err
	}
	loaderRefreshes.WithLabelValues(l.name, "success").Inc()

	resources := loaded.([]authz.Resource)
	prev := l.current.Load()
	var generation uint64 = 1
	if prev != nil {
		generation = prev.generation + 1
	}
	l.current.Store(&snapshot{
		resources:  resources,
		generation: generation,
		loadedAt:   time.Now(),
	})
	l.health.MarkSuccess()
	l.log.WithFields(logrus.Fields{
		"resources":  len(resources),
		"generation": generation,
	}).Debug("resource snapshot refreshed")
	return nil
}

// Snapshot returns the last-loaded resources and the snapshot generation.
// ErrNoSnapshot is returned until the first successful load.
func (l *CachedLoader) Snapshot() ([]authz.Resource, uint64, error) {
	s := l.current.Load()
	if s == nil {
		return nil, 0, fmt.Errorf("loader %s: %w", l.name, ErrNoSnapshot)
	}
	return s.resources, s.generation, nil
}

// Refresher schedules loader refreshes on their configured intervals.
type Refresher struct {
	cron    *cron.Cron
	loaders []*CachedLoader
}

// NewRefresher builds an empty refresh scheduler.
func NewRefresher() *Refresher {
	return &Refresher{cron: cron.New()}
}

// Add registers a loader for periodic refresh.
func (r *Refresher) Add(loader *CachedLoader) error {
	spec := fmt.Sprintf("@every %s", loader.config.RefreshInterval)
	_, err := r.cron.AddFunc(spec, func() {
		if err := loader.Refresh(context.Background()); err != nil {
			// Already logged by the loader; the stale snapshot keeps serving.
			return
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule refresh for loader %s: %w", loader.name, err)
	}
	r.loaders = append(r.loaders, loader)
	return nil
}

// Start primes every loader once, then begins the schedule. Priming
// errors are logged by the loaders and not fatal; the first scheduled
// refresh will retry.
func (r *Refresher) Start(ctx context.Context) {
	for _, loader := range r.loaders {
		_ = loader.Refresh(ctx)
	}
	r.cron.Start()
}

// Stop halts the schedule and waits for in-flight refreshes.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
