// Package registry implements the Run Registry: a distributed map of
// in-flight runs keyed by (instance, run_id), with TTL-refreshed liveness,
// backed by a shared Redis instance.
//
// The lease-acquire-then-background-renew shape is adapted from
// internal/sessions/locker.go's DBLocker, swapped from a Postgres
// INSERT...ON CONFLICT lease row onto Redis SET/EXPIRE keys.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotRegistered names the absent-key case. RefreshTTL and Deregister do
// not return it: both treat an already-absent key as a no-op and return nil.
var ErrNotRegistered = errors.New("registry: run is not registered")

const (
	// RunTTL is T_reg from the spec: the liveness TTL for an
	// active_run:{instance}:{run_id} key.
	RunTTL = 24 * time.Hour

	// RefreshEvery is how many appended Response Log events should elapse
	// before the worker refreshes its registry TTL.
	RefreshEvery = 50
)

// keyActiveRun is bit-exact per the external interface contract.
func keyActiveRun(instance, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instance, runID)
}

// redisClient is the subset of *redis.Client this package depends on, kept
// narrow so tests can supply a hand-written fake instead of a live Redis
// server (the teacher never pulls in a mocking framework for this either).
type redisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Registry is the Run Registry: register/deregister/list/refresh operations
// over active_run:{instance}:{run_id} liveness keys, plus background lease
// renewal for runs this process owns.
type Registry struct {
	rdb    redisClient
	logger Logger

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

// Logger is the minimal logging surface the registry needs; *slog.Logger
// satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New constructs a Registry over the given Redis client.
func New(rdb redisClient, logger Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		logger: logger,
		renew:  make(map[string]context.CancelFunc),
	}
}

// Register marks (instance, runID) as active with RunTTL and starts a
// background renewal loop that refreshes the TTL every RunTTL/2 as a
// liveness backstop; callers additionally call RefreshTTL explicitly every
// ~RefreshEvery appended events per the spec.
func (r *Registry) Register(ctx context.Context, instance, runID string) error {
	key := keyActiveRun(instance, runID)
	if _, err := r.rdb.SetNX(ctx, key, "running", RunTTL); err != nil {
		return fmt.Errorf("registry: register %s: %w", key, err)
	}
	// SetNX is idempotent for our purposes: if the key already exists (e.g.
	// duplicate task-broker delivery), it is left with its existing TTL,
	// which a subsequent RefreshTTL call will extend.
	r.startRenew(instance, runID)
	return nil
}

// Deregister removes the liveness key and stops any background renewal.
// Deregistering an unknown (instance, runID) is a no-op, not an error.
func (r *Registry) Deregister(ctx context.Context, instance, runID string) error {
	r.stopRenew(instance, runID)
	key := keyActiveRun(instance, runID)
	if _, err := r.rdb.Del(ctx, key); err != nil {
		return fmt.Errorf("registry: deregister %s: %w", key, err)
	}
	return nil
}

// RefreshTTL extends the liveness key's TTL by RunTTL. A missing key is a
// no-op: partial failures here must never be treated as fatal to the run.
func (r *Registry) RefreshTTL(ctx context.Context, instance, runID string) error {
	key := keyActiveRun(instance, runID)
	ok, err := r.rdb.Expire(ctx, key, RunTTL)
	if err != nil {
		return fmt.Errorf("registry: refresh %s: %w", key, err)
	}
	if !ok {
		return nil // key absent; tolerated per spec §4.1
	}
	return nil
}

// ListActive returns the run ids with a live key under instance.
func (r *Registry) ListActive(ctx context.Context, instance string) ([]string, error) {
	prefix := fmt.Sprintf("active_run:%s:", instance)
	keys, err := r.rdb.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("registry: list active for %s: %w", instance, err)
	}
	runs := make([]string, 0, len(keys))
	for _, k := range keys {
		runs = append(runs, strings.TrimPrefix(k, prefix))
	}
	return runs, nil
}

// FindInstances returns every instance currently holding a live key for
// runID; the Control Plane uses this to target instance-scoped control
// channels when stopping a run another process owns.
func (r *Registry) FindInstances(ctx context.Context, runID string) ([]string, error) {
	suffix := ":" + runID
	keys, err := r.rdb.Keys(ctx, "active_run:*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("registry: find instances for %s: %w", runID, err)
	}
	instances := make([]string, 0, len(keys))
	for _, k := range keys {
		trimmed := strings.TrimPrefix(k, "active_run:")
		instances = append(instances, strings.TrimSuffix(trimmed, suffix))
	}
	return instances, nil
}

// IsActive reports whether (instance, runID) currently holds a live key.
func (r *Registry) IsActive(ctx context.Context, instance, runID string) (bool, error) {
	key := keyActiveRun(instance, runID)
	n, err := r.rdb.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("registry: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Close stops all background renewal loops without touching Redis state;
// it is called on process shutdown, not on run completion (which should go
// through Deregister so the key is actually removed).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, cancel := range r.renew {
		cancel()
	}
	r.renew = make(map[string]context.CancelFunc)
	return nil
}

func (r *Registry) startRenew(instance, runID string) {
	id := instance + ":" + runID
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.renew[id]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.renew[id] = cancel
	r.mu.Unlock()

	go r.renewLoop(ctx, instance, runID)
}

func (r *Registry) stopRenew(instance, runID string) {
	id := instance + ":" + runID
	r.mu.Lock()
	cancel, ok := r.renew[id]
	if ok {
		delete(r.renew, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// renewLoop is a liveness backstop in case a worker's event volume is too
// low to hit RefreshEvery for a long time; it ticks at half the TTL.
func (r *Registry) renewLoop(ctx context.Context, instance, runID string) {
	ticker := time.NewTicker(RunTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshTTL(ctx, instance, runID); err != nil {
				if r.logger != nil {
					r.logger.Warn("registry: background ttl refresh failed", "instance", instance, "run_id", runID, "error", err)
				}
			}
		}
	}
}
