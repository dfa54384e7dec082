package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/providers"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/resolver"
	"github.com/platinummonkey/warden/pkg/roles"
)

// LockName is the single fleet-wide lock the syncer runs under.
const LockName = "warden.user-roles-syncer"

var (
	syncTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "sync",
		Name:      "ticks_total",
		Help:      "Sync tick outcomes",
	}, []string{"outcome"})
	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "sync",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of sync ticks",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	syncedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "sync",
		Name:      "users",
		Help:      "Users persisted by the last successful sync tick",
	})
)

func init() {
	prometheus.MustRegister(syncTicks, syncDuration, syncedUsers)
}

// Config tunes the syncer's scheduling and retry behavior.
type Config struct {
	// Enabled gates write mode entirely; readers-only deployments run
	// with the scheduled task suppressed.
	Enabled bool
	// TickInterval is how often the scheduler fires.
	TickInterval time.Duration
	// SyncDelay is the cooldown after a successful tick.
	SyncDelay time.Duration
	// SyncFailureDelay is the cooldown after a failed tick.
	SyncFailureDelay time.Duration
	// SyncDelayTimeout bounds the in-tick retry budget.
	SyncDelayTimeout time.Duration
	// RetryInterval is the fixed backoff between in-tick retries.
	RetryInterval time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		TickInterval:     30 * time.Second,
		SyncDelay:        10 * time.Minute,
		SyncFailureDelay: 10 * time.Minute,
		SyncDelayTimeout: 30 * time.Second,
		RetryInterval:    10 * time.Second,
	}
}

// UserRolesSyncer periodically re-resolves every known user and persists
// the results, under a fleet-wide lock so only one instance syncs.
type UserRolesSyncer struct {
	lockManager     LockManager
	repo            repository.PermissionsRepository
	resolver        *resolver.Resolver
	serviceAccounts providers.ResourceProvider
	health          *providers.HealthRegistry
	config          Config

	inService atomic.Bool
	cron      *cron.Cron
	log       *logrus.Entry
}

// New builds a syncer. serviceAccounts may be nil when no service-account
// inventory is wired.
func New(
	lockManager LockManager,
	repo repository.PermissionsRepository,
	permissionsResolver *resolver.Resolver,
	serviceAccounts providers.ResourceProvider,
	health *providers.HealthRegistry,
	config Config,
) *UserRolesSyncer {
	s := &UserRolesSyncer{
		lockManager:     lockManager,
		repo:            repo,
		resolver:        permissionsResolver,
		serviceAccounts: serviceAccounts,
		health:          health,
		config:          config,
		cron:            cron.New(),
		log:             logrus.WithField("component", "user-roles-syncer"),
	}
	// In service by default: without a deployment-status feed there is
	// no event to flip it on, so standalone deployments sync immediately.
	// Environments that report status changes call SetInService(false)
	// at startup and again on each event.
	s.inService.Store(true)
	return s
}

// SetInService reacts to deployment status-change events.
func (s *UserRolesSyncer) SetInService(inService bool) {
	s.inService.Store(inService)
}

// Start registers the scheduled tick. A write-mode-disabled deployment
// never schedules anything.
func (s *UserRolesSyncer) Start() error {
	if !s.config.Enabled {
		s.log.Info("write mode disabled, user role sync suppressed")
		return nil
	}
	spec := fmt.Sprintf("@every %s", s.config.TickInterval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to schedule user role sync: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight tick.
func (s *UserRolesSyncer) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *UserRolesSyncer) tick() {
	if !s.inService.Load() {
		return
	}
	acquired, err := s.lockManager.AcquireAndRun(context.Background(), LockOptions{
		Name:            LockName,
		MaxDuration:     s.config.SyncDelay + s.config.SyncDelayTimeout,
		SuccessInterval: s.config.SyncDelay,
		FailureInterval: s.config.SyncFailureDelay,
	}, func(ctx context.Context) error {
		_, err := s.Sync(ctx)
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("user role sync tick failed")
		return
	}
	if !acquired {
		s.log.Debug("sync lock held elsewhere, skipping tick")
	}
}

// Sync runs one full-fleet synchronization and returns the number of
// users persisted. Transient provider and resolution failures retry on a
// fixed interval inside the tick's wall-clock budget.
func (s *UserRolesSyncer) Sync(ctx context.Context) (int, error) {
	tickID := uuid.New().String()[:8]
	log := s.log.WithField("tick", tickID)
	started := time.Now()

	if s.health != nil && !s.health.Healthy() {
		log.WithField("unhealthy", strings.Join(s.health.Unhealthy(), ",")).
			Warn("resource providers are unhealthy; sync proceeds from cached snapshots")
	}

	maxAttempts := int(s.config.SyncDelayTimeout/s.config.RetryInterval) + 1
	deadline := started.Add(s.config.SyncDelayTimeout)

	var count int
	var err error
	for attempt := 1; ; attempt++ {
		count, err = s.syncOnce(ctx)
		if err == nil {
			break
		}
		if !isRetriableSyncError(err) || attempt >= maxAttempts || time.Now().After(deadline) {
			syncTicks.WithLabelValues("failure").Inc()
			syncDuration.Observe(time.Since(started).Seconds())
			log.WithError(err).Error("user permission sync failed")
			return 0, err
		}
		log.WithError(err).WithField("attempt", attempt).
			Warn("user permission sync failed, backing off")
		select {
		case <-ctx.Done():
			syncTicks.WithLabelValues("failure").Inc()
			return 0, ctx.Err()
		case <-time.After(s.config.RetryInterval):
		}
	}

	syncTicks.WithLabelValues("success").Inc()
	syncDuration.Observe(time.Since(started).Seconds())
	syncedUsers.Set(float64(count))
	log.WithFields(logrus.Fields{
		"users":    count,
		"duration": time.Since(started).String(),
	}).Info("user permission sync complete")
	return count, nil
}

func isRetriableSyncError(err error) bool {
	var providerErr *providers.ProviderError
	var resolutionErr *resolver.PermissionResolutionError
	return errors.As(err, &providerErr) || errors.As(err, &resolutionErr)
}

func (s *UserRolesSyncer) syncOnce(ctx context.Context) (int, error) {
	// The unrestricted record refreshes first so an empty store still
	// converges, and so per-user reads merge fresh anonymous grants.
	unrestricted, err := s.resolver.ResolveUnrestricted(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.repo.Put(ctx, unrestricted); err != nil {
		return 0, err
	}

	externalUsers, err := s.workingSet(ctx)
	if err != nil {
		return 0, err
	}
	if len(externalUsers) == 0 {
		return 1, s.repo.PutAll(ctx, map[string]*authz.UserPermission{
			authz.UnrestrictedUserID: unrestricted,
		})
	}

	result, err := s.resolver.ResolveBatch(ctx, externalUsers)
	if err != nil {
		return 0, err
	}
	for id, resolveErr := range result.Failures {
		s.log.WithError(resolveErr).WithField("user", id).
			Warn("user resolution failed, keeping previous record")
	}
	if len(result.Failures) > 0 {
		// PutAll would prune the failed users; write the resolved ones
		// individually so the failed users' stored records stay.
		for _, permission := range result.Permissions {
			if err := s.repo.Put(ctx, permission); err != nil {
				return 0, err
			}
		}
		return len(result.Permissions) + 1, nil
	}

	combo := make(map[string]*authz.UserPermission, len(result.Permissions)+1)
	for id, permission := range result.Permissions {
		combo[id] = permission
	}
	combo[authz.UnrestrictedUserID] = unrestricted

	if err := s.repo.PutAll(ctx, combo); err != nil {
		return 0, err
	}
	return len(combo), nil
}

// workingSet enumerates users to sync: everyone in the repository plus
// every service account from the inventory. Stored EXTERNAL roles ride
// along as external roles so they survive the re-resolve.
func (s *UserRolesSyncer) workingSet(ctx context.Context) ([]roles.ExternalUser, error) {
	byID := make(map[string][]*authz.Role)

	stored, err := s.repo.GetAllByID(ctx)
	if err != nil {
		return nil, err
	}
	for id, permission := range stored {
		if id == authz.UnrestrictedUserID {
			continue
		}
		byID[id] = permission.ExternalRoles()
	}

	if s.serviceAccounts != nil {
		accounts, err := s.serviceAccounts.All(ctx)
		if err != nil {
			return nil, err
		}
		for _, resource := range accounts {
			sa, ok := resource.(*authz.ServiceAccount)
			if !ok {
				continue
			}
			byID[strings.ToLower(sa.Name)] = sa.MemberRoles()
		}
	}

	out := make([]roles.ExternalUser, 0, len(byID))
	for id, externalRoles := range byID {
		out = append(out, roles.ExternalUser{ID: id, ExternalRoles: externalRoles})
	}
	return out, nil
}
