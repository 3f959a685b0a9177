// Package scheduler owns the recurring sync cadence: a declarative trigger
// set reconciled against the active tenant list, a bounded worker pool, and
// a daily fan-out across every tenant.
package scheduler

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/commercemirror/storesync/pkg/store"
	syncer "github.com/commercemirror/storesync/pkg/sync"
	"github.com/commercemirror/storesync/pkg/types"
)

// Per-resource cadence. Products lead so order line items resolve against a
// fresh catalog; orders trail everything.
var cadences = map[types.ResourceType]time.Duration{
	types.ResourceProducts:  time.Hour,
	types.ResourceCustomers: 2 * time.Hour,
	types.ResourceOrders:    3 * time.Hour,
}

const (
	defaultPollInterval   = time.Minute
	defaultFanOutInterval = 24 * time.Hour
	defaultMaxConcurrent  = 4

	// A holder gets this long before its lock lapses; generous enough for
	// the largest initial sync we have seen.
	lockTTL = 30 * time.Minute

	defaultRetryDelay = 15 * time.Second

	// Retry ceilings. Fan-out runs get one fewer attempt since the next
	// daily pass will cover them anyway.
	singleTenantAttempts = 3
	fanOutAttempts       = 2

	tenantCacheCapacity = 10_000
	tenantCacheTTL      = 5 * time.Minute
)

type trigger struct {
	id       string
	tenantID int64
	resource types.ResourceType
	interval time.Duration
	nextRun  time.Time
}

func triggerID(resource types.ResourceType, tenantID int64) string {
	return fmt.Sprintf("sync-%s-tenant-%d", resource, tenantID)
}

// Scheduler reconciles triggers from the tenant list and dispatches due
// ones to a bounded worker pool.
type Scheduler struct {
	store   *store.Store
	runners []syncer.Runner
	locks   *keyedLock
	tenants otter.Cache[int64, *types.Tenant]

	pollInterval   time.Duration
	fanOutInterval time.Duration
	maxConcurrent  int
	retryDelay     time.Duration
	enqueuePacer   ratelimit.Limiter
	now            func() time.Time

	mu         stdsync.Mutex
	registered map[string]*trigger
	nextFanOut time.Time
}

type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = d
	}
}

func WithFanOutInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.fanOutInterval = d
	}
}

func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		s.maxConcurrent = n
	}
}

func New(st *store.Store, runners []syncer.Runner, opts ...Option) (*Scheduler, error) {
	tenants, err := otter.MustBuilder[int64, *types.Tenant](tenantCacheCapacity).
		WithTTL(tenantCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building tenant cache: %w", err)
	}

	s := &Scheduler{
		store:          st,
		runners:        runners,
		locks:          newKeyedLock(),
		tenants:        tenants,
		pollInterval:   defaultPollInterval,
		fanOutInterval: defaultFanOutInterval,
		maxConcurrent:  defaultMaxConcurrent,
		retryDelay:     defaultRetryDelay,
		// One enqueue per second keeps the fan-out burst off the remote
		// API's leaky bucket.
		enqueuePacer: ratelimit.New(1),
		now:          time.Now,
		registered:   make(map[string]*trigger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run blocks until ctx is canceled, reconciling triggers and dispatching
// due syncs every poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	l := ctxzap.Extract(ctx)
	l.Info("scheduler starting",
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("max_concurrent", s.maxConcurrent))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxConcurrent)

	s.mu.Lock()
	s.nextFanOut = s.now().Add(s.fanOutInterval)
	s.mu.Unlock()

	// Clean up after any previous process that died mid-run.
	s.housekeep(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.Reconcile(ctx); err != nil {
			l.Error("trigger reconciliation failed", zap.Error(err))
		}
		s.dispatchDue(gctx, group)
		s.maybeFanOut(gctx, group)

		select {
		case <-ctx.Done():
			waitErr := group.Wait()
			if waitErr != nil {
				return waitErr
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile diffs the desired trigger set (active tenants x resource
// cadences) against the registered one, adding and removing as tenants
// appear, finish setup, or are deactivated.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants for reconcile: %w", err)
	}

	desired := make(map[string]*trigger)
	for _, tenant := range tenants {
		if !tenant.Syncable() {
			continue
		}
		s.tenants.Set(tenant.ID, tenant)
		for resource, interval := range cadences {
			id := triggerID(resource, tenant.ID)
			desired[id] = &trigger{
				id:       id,
				tenantID: tenant.ID,
				resource: resource,
				interval: interval,
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, t := range desired {
		if _, ok := s.registered[id]; ok {
			continue
		}
		t.nextRun = now
		s.registered[id] = t
		l.Info("trigger registered",
			zap.String("trigger_id", id),
			zap.Duration("interval", t.interval))
	}
	for id := range s.registered {
		if _, ok := desired[id]; ok {
			continue
		}
		delete(s.registered, id)
		l.Info("trigger removed", zap.String("trigger_id", id))
	}
	return nil
}

func (s *Scheduler) dispatchDue(ctx context.Context, group *errgroup.Group) {
	s.mu.Lock()
	now := s.now()
	var due []*trigger
	for _, t := range s.registered {
		if !t.nextRun.After(now) {
			t.nextRun = now.Add(t.interval)
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t := t
		group.Go(func() error {
			s.runOnce(ctx, t.tenantID, t.resource, singleTenantAttempts)
			return nil
		})
	}
}

func (s *Scheduler) maybeFanOut(ctx context.Context, group *errgroup.Group) {
	s.mu.Lock()
	now := s.now()
	if now.Before(s.nextFanOut) {
		s.mu.Unlock()
		return
	}
	s.nextFanOut = now.Add(s.fanOutInterval)
	s.mu.Unlock()

	s.housekeep(ctx)
	s.FanOut(ctx, group)
}

// housekeep fails runs orphaned by a crash and drops expired checkpoints.
// Runs at startup and once per fan-out cycle.
func (s *Scheduler) housekeep(ctx context.Context) {
	l := ctxzap.Extract(ctx)

	stalled, err := s.store.FailStalledRuns(ctx, 2*lockTTL)
	if err != nil {
		l.Warn("failed to sweep stalled runs", zap.Error(err))
	} else if stalled > 0 {
		l.Info("marked stalled runs as failed", zap.Int64("stalled", stalled))
	}

	expired, err := s.store.DeleteExpiredCheckpoints(ctx)
	if err != nil {
		l.Warn("failed to sweep expired checkpoints", zap.Error(err))
		return
	}
	if expired > 0 {
		l.Info("deleted expired checkpoints", zap.Int64("expired", expired))
		if err := s.store.Vacuum(ctx); err != nil {
			l.Warn("vacuum after checkpoint sweep failed", zap.Error(err))
		}
	}
}

// FanOut enqueues one sync per (tenant, resource) across every active
// tenant, pacing enqueues so the burst stays under the remote's limits.
func (s *Scheduler) FanOut(ctx context.Context, group *errgroup.Group) {
	l := ctxzap.Extract(ctx)

	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		l.Error("failed to list tenants for fan-out", zap.Error(err))
		return
	}

	l.Info("starting all-tenant fan-out", zap.Int("tenants", len(tenants)))
	for _, tenant := range tenants {
		if !tenant.Syncable() {
			continue
		}
		for _, resource := range types.AllResourceTypes {
			if ctx.Err() != nil {
				return
			}
			s.enqueuePacer.Take()
			tenantID := tenant.ID
			resource := resource
			group.Go(func() error {
				s.runOnce(ctx, tenantID, resource, fanOutAttempts)
				return nil
			})
		}
	}
}

// SyncNow runs one sync immediately, outside any cadence. Used by the CLI.
func (s *Scheduler) SyncNow(ctx context.Context, tenantID int64, resource types.ResourceType, opts *types.RangeOptions) (*syncer.Result, error) {
	runner, err := syncer.RunnerFor(s.runners, resource)
	if err != nil {
		return nil, err
	}

	release, ok := s.locks.Acquire(triggerID(resource, tenantID), lockTTL)
	if !ok {
		return nil, fmt.Errorf("sync already running for tenant %d %s", tenantID, resource)
	}
	defer release()

	return runner.Run(ctx, tenantID, opts), nil
}

// runOnce executes one trigger with retries. Only retryable failures
// consume attempts; terminal failures and successes end immediately.
// Failures are logged, never propagated: one bad tenant must not stop the
// pool.
func (s *Scheduler) runOnce(ctx context.Context, tenantID int64, resource types.ResourceType, maxAttempts int) {
	jobID := uuid.NewString()
	l := ctxzap.Extract(ctx).With(
		zap.String("job_id", jobID),
		zap.Int64("tenant_id", tenantID),
		zap.String("resource_type", resource.String()),
	)
	ctx = ctxzap.ToContext(ctx, l)

	if tenant, ok := s.tenants.Get(tenantID); ok && !tenant.Syncable() {
		l.Debug("tenant no longer syncable, skipping job")
		return
	}

	runner, err := syncer.RunnerFor(s.runners, resource)
	if err != nil {
		l.Error("no runner for resource", zap.Error(err))
		return
	}

	release, ok := s.locks.Acquire(triggerID(resource, tenantID), lockTTL)
	if !ok {
		l.Debug("previous sync still holds the lock, skipping job")
		return
	}
	defer release()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res := runner.Run(ctx, tenantID, nil)
		switch res.Outcome {
		case syncer.Succeeded:
			return
		case syncer.TerminalFailure:
			l.Error("sync failed terminally, not retrying",
				zap.String("run_id", res.RunID),
				zap.Error(res.Err))
			return
		case syncer.RetryableFailure:
			if attempt == maxAttempts {
				l.Error("sync failed after final attempt",
					zap.String("run_id", res.RunID),
					zap.Int("attempts", attempt),
					zap.Error(res.Err))
				return
			}
			l.Warn("sync failed, will retry",
				zap.String("run_id", res.RunID),
				zap.Int("attempt", attempt),
				zap.Error(res.Err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}
}
