// Package sync keeps the permission store aligned with the upstream
// systems-of-record: a periodic full-fleet sync coordinated by a
// distributed lock.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// LockOptions carry the named lock's timing semantics. After a run the
// lock stays held for SuccessInterval (or FailureInterval on error), so
// the fleet's next tick lands on one instance only after the cooldown.
type LockOptions struct {
	Name            string
	MaxDuration     time.Duration
	SuccessInterval time.Duration
	FailureInterval time.Duration
}

// LockManager coordinates single-runner tasks across the fleet.
type LockManager interface {
	// AcquireAndRun runs fn if the named lock is free. Returns false
	// without error when another instance holds the lock or is inside
	// its cooldown interval.
	AcquireAndRun(ctx context.Context, opts LockOptions, fn func(ctx context.Context) error) (bool, error)
}

// compareAndExpire re-arms the lock for the cooldown interval, only if
// this instance still owns it.
const compareAndExpire = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLockManager implements LockManager over a shared redis.
type RedisLockManager struct {
	client *redis.Client
	prefix string
}

// NewRedisLockManager builds a manager with the given key prefix.
func NewRedisLockManager(client *redis.Client, prefix string) *RedisLockManager {
	if prefix == "" {
		prefix = "warden"
	}
	return &RedisLockManager{client: client, prefix: prefix}
}

func (m *RedisLockManager) key(name string) string {
	return fmt.Sprintf("%s:lock:%s", m.prefix, name)
}

// AcquireAndRun implements LockManager. The lock value is a per-attempt
// token so only the owning instance can re-arm it; the key
// TTL caps the hold at MaxDuration even if the owner dies mid-run.
func (m *RedisLockManager) AcquireAndRun(ctx context.Context, opts LockOptions, fn func(ctx context.Context) error) (bool, error) {
	token := uuid.New().String()
	key := m.key(opts.Name)

	acquired, err := m.client.SetNX(ctx, key, token, opts.MaxDuration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", opts.Name, err)
	}
	if !acquired {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	runErr := fn(runCtx)
	cancel()

	interval := opts.SuccessInterval
	if runErr != nil {
		interval = opts.FailureInterval
	}
	if interval > 0 {
		// Keep holding the key through the cooldown so sibling instances
		// skip their ticks until the interval elapses.
		if err := m.client.Eval(ctx, compareAndExpire, []string{key}, token, interval.Milliseconds()).Err(); err != nil {
			return true, fmt.Errorf("failed to re-arm lock %s: %w", opts.Name, err)
		}
	}
	return true, runErr
}

// LocalLockManager serializes runs within one process. It backs
// single-instance deployments and tests.
type LocalLockManager struct {
	slots chan struct{}
	until map[string]time.Time
}

// NewLocalLockManager builds an in-process manager.
func NewLocalLockManager() *LocalLockManager {
	slots := make(chan struct{}, 1)
	slots <- struct{}{}
	return &LocalLockManager{slots: slots, until: make(map[string]time.Time)}
}

// AcquireAndRun implements LockManager.
func (m *LocalLockManager) AcquireAndRun(ctx context.Context, opts LockOptions, fn func(ctx context.Context) error) (bool, error) {
	select {
	case <-m.slots:
	default:
		return false, nil
	}
	defer func() { m.slots <- struct{}{} }()

	if until, ok := m.until[opts.Name]; ok && time.Now().Before(until) {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	defer cancel()
	runErr := fn(runCtx)

	interval := opts.SuccessInterval
	if runErr != nil {
		interval = opts.FailureInterval
	}
	m.until[opts.Name] = time.Now().Add(interval)
	return true, runErr
}
