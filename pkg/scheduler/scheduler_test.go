package scheduler

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/commercemirror/storesync/pkg/store"
	syncer "github.com/commercemirror/storesync/pkg/sync"
	"github.com/commercemirror/storesync/pkg/types"
)

type fakeRunner struct {
	resource types.ResourceType
	results  []*syncer.Result

	mu    stdsync.Mutex
	calls []int64
}

func (f *fakeRunner) Resource() types.ResourceType {
	return f.resource
}

func (f *fakeRunner) Run(ctx context.Context, tenantID int64, opts *types.RangeOptions) *syncer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tenantID)
	if len(f.results) == 0 {
		return &syncer.Result{Outcome: syncer.Succeeded}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testScheduler(t *testing.T, runners []syncer.Runner) (context.Context, *store.Store, *Scheduler) {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	sched, err := New(s, runners)
	require.NoError(t, err)
	return ctx, s, sched
}

func fakeRunners() (map[types.ResourceType]*fakeRunner, []syncer.Runner) {
	byResource := make(map[types.ResourceType]*fakeRunner)
	var runners []syncer.Runner
	for _, resource := range types.AllResourceTypes {
		f := &fakeRunner{resource: resource}
		byResource[resource] = f
		runners = append(runners, f)
	}
	return byResource, runners
}

func TestReconcileRegistersTriggersForSyncableTenants(t *testing.T) {
	_, runners := fakeRunners()
	ctx, s, sched := testScheduler(t, runners)

	first, err := s.CreateTenant(ctx, "First", "first-shop", "shpat_first")
	require.NoError(t, err)
	_, err = s.CreateTenant(ctx, "No Token", "no-token-shop", "")
	require.NoError(t, err)

	require.NoError(t, sched.Reconcile(ctx))

	sched.mu.Lock()
	ids := make([]string, 0, len(sched.registered))
	for id := range sched.registered {
		ids = append(ids, id)
	}
	sched.mu.Unlock()

	// One trigger per resource for the syncable tenant only.
	require.Len(t, ids, len(cadences))
	require.Contains(t, ids, triggerID(types.ResourceOrders, first))
	require.Contains(t, ids, triggerID(types.ResourceCustomers, first))
	require.Contains(t, ids, triggerID(types.ResourceProducts, first))
}

func TestReconcileRemovesDeactivatedTenants(t *testing.T) {
	_, runners := fakeRunners()
	ctx, s, sched := testScheduler(t, runners)

	id, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
	require.NoError(t, err)

	require.NoError(t, sched.Reconcile(ctx))
	sched.mu.Lock()
	require.Len(t, sched.registered, len(cadences))
	sched.mu.Unlock()

	require.NoError(t, s.SetTenantActive(ctx, id, false))
	require.NoError(t, sched.Reconcile(ctx))

	sched.mu.Lock()
	require.Empty(t, sched.registered)
	sched.mu.Unlock()
}

func TestReconcileIsStable(t *testing.T) {
	_, runners := fakeRunners()
	ctx, s, sched := testScheduler(t, runners)

	id, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
	require.NoError(t, err)

	require.NoError(t, sched.Reconcile(ctx))
	sched.mu.Lock()
	orders := sched.registered[triggerID(types.ResourceOrders, id)]
	orders.nextRun = orders.nextRun.Add(time.Hour)
	marker := orders.nextRun
	sched.mu.Unlock()

	// A second reconcile must not reset existing triggers.
	require.NoError(t, sched.Reconcile(ctx))
	sched.mu.Lock()
	require.Equal(t, marker, sched.registered[triggerID(types.ResourceOrders, id)].nextRun)
	sched.mu.Unlock()
}

func TestTriggerIntervalsFollowCadence(t *testing.T) {
	require.Equal(t, time.Hour, cadences[types.ResourceProducts])
	require.Equal(t, 2*time.Hour, cadences[types.ResourceCustomers])
	require.Equal(t, 3*time.Hour, cadences[types.ResourceOrders])
}

func TestDispatchDueRunsAndReschedules(t *testing.T) {
	byResource, runners := fakeRunners()
	ctx, s, sched := testScheduler(t, runners)

	_, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
	require.NoError(t, err)
	require.NoError(t, sched.Reconcile(ctx))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(sched.maxConcurrent)
	sched.dispatchDue(gctx, group)
	require.NoError(t, group.Wait())

	for resource, runner := range byResource {
		require.Equal(t, 1, runner.callCount(), "resource %s", resource)
	}

	// Immediately after dispatch nothing is due until the cadence elapses.
	group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(sched.maxConcurrent)
	sched.dispatchDue(gctx, group)
	require.NoError(t, group.Wait())

	for resource, runner := range byResource {
		require.Equal(t, 1, runner.callCount(), "resource %s", resource)
	}
}

func TestRunOnceRetriesOnlyRetryableFailures(t *testing.T) {
	tests := []struct {
		name      string
		results   []*syncer.Result
		attempts  int
		wantCalls int
	}{
		{
			name:      "success on first attempt",
			results:   []*syncer.Result{{Outcome: syncer.Succeeded}},
			attempts:  3,
			wantCalls: 1,
		},
		{
			name: "retryable then success",
			results: []*syncer.Result{
				{Outcome: syncer.RetryableFailure},
				{Outcome: syncer.Succeeded},
			},
			attempts:  3,
			wantCalls: 2,
		},
		{
			name: "terminal stops immediately",
			results: []*syncer.Result{
				{Outcome: syncer.TerminalFailure},
				{Outcome: syncer.Succeeded},
			},
			attempts:  3,
			wantCalls: 1,
		},
		{
			name: "fan-out ceiling of two",
			results: []*syncer.Result{
				{Outcome: syncer.RetryableFailure},
				{Outcome: syncer.RetryableFailure},
				{Outcome: syncer.Succeeded},
			},
			attempts:  2,
			wantCalls: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{resource: types.ResourceOrders, results: tc.results}
			ctx, s, sched := testScheduler(t, []syncer.Runner{runner})
			sched.retryDelay = time.Millisecond

			id, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
			require.NoError(t, err)

			sched.runOnce(ctx, id, types.ResourceOrders, tc.attempts)
			require.Equal(t, tc.wantCalls, runner.callCount())
		})
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	runner := &fakeRunner{resource: types.ResourceOrders}
	ctx, s, sched := testScheduler(t, []syncer.Runner{runner})

	id, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
	require.NoError(t, err)

	release, ok := sched.locks.Acquire(triggerID(types.ResourceOrders, id), lockTTL)
	require.True(t, ok)
	defer release()

	sched.runOnce(ctx, id, types.ResourceOrders, singleTenantAttempts)
	require.Zero(t, runner.callCount())
}

func TestFanOutCoversEveryTenantAndResource(t *testing.T) {
	byResource, runners := fakeRunners()
	ctx, s, sched := testScheduler(t, runners)

	for _, shop := range []string{"first-shop", "second-shop"} {
		_, err := s.CreateTenant(ctx, shop, shop, "shpat_"+shop)
		require.NoError(t, err)
	}
	_, err := s.CreateTenant(ctx, "Incomplete", "incomplete-shop", "")
	require.NoError(t, err)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(sched.maxConcurrent)
	sched.FanOut(gctx, group)
	require.NoError(t, group.Wait())

	for resource, runner := range byResource {
		require.Equal(t, 2, runner.callCount(), "resource %s", resource)
	}
}

func TestSyncNowRejectsConcurrentRuns(t *testing.T) {
	runner := &fakeRunner{resource: types.ResourceOrders}
	ctx, s, sched := testScheduler(t, []syncer.Runner{runner})

	id, err := s.CreateTenant(ctx, "Shop", "the-shop", "shpat_token")
	require.NoError(t, err)

	release, ok := sched.locks.Acquire(triggerID(types.ResourceOrders, id), lockTTL)
	require.True(t, ok)

	_, err = sched.SyncNow(ctx, id, types.ResourceOrders, nil)
	require.Error(t, err)

	release()
	res, err := sched.SyncNow(ctx, id, types.ResourceOrders, nil)
	require.NoError(t, err)
	require.Equal(t, syncer.Succeeded, res.Outcome)
}

func TestSyncNowUnknownResource(t *testing.T) {
	runner := &fakeRunner{resource: types.ResourceOrders}
	ctx, _, sched := testScheduler(t, []syncer.Runner{runner})

	_, err := sched.SyncNow(ctx, 1, types.ResourceType("widgets"), nil)
	require.Error(t, err)
}
