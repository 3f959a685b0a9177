package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commercemirror/storesync/pkg/types"
)

type fakeRangeStore struct {
	last *types.SyncRange
	err  error
}

func (f *fakeRangeStore) LastCompletedRange(ctx context.Context, tenantID int64, resource types.ResourceType) (*types.SyncRange, error) {
	return f.last, f.err
}

func fixedResolver(store rangeStore, now time.Time) *RangeResolver {
	r := NewRangeResolver(store)
	r.now = func() time.Time { return now }
	return r
}

func TestResolveInitialUsesDefaultLookback(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r := fixedResolver(&fakeRangeStore{}, now)

	rng, err := r.Resolve(ctx, 1, types.ResourceOrders, nil)
	require.NoError(t, err)
	require.Equal(t, types.RangeInitial, rng.Kind)
	require.Equal(t, now, rng.End)
	require.Equal(t, now.Add(-365*24*time.Hour), rng.Start)

	rng, err = r.Resolve(ctx, 1, types.ResourceCustomers, nil)
	require.NoError(t, err)
	require.Equal(t, now.Add(-3*365*24*time.Hour), rng.Start)

	rng, err = r.Resolve(ctx, 1, types.ResourceProducts, nil)
	require.NoError(t, err)
	require.Equal(t, now.Add(-10*365*24*time.Hour), rng.Start)
}

func TestResolveIncrementalContinuesFromLastRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	lastEnd := now.Add(-3 * time.Hour)
	r := fixedResolver(&fakeRangeStore{last: &types.SyncRange{
		Start: lastEnd.Add(-24 * time.Hour),
		End:   lastEnd,
		Kind:  types.RangeIncremental,
	}}, now)

	rng, err := r.Resolve(ctx, 1, types.ResourceOrders, nil)
	require.NoError(t, err)
	require.Equal(t, types.RangeIncremental, rng.Kind)
	require.Equal(t, lastEnd, rng.Start)
	require.Equal(t, now, rng.End)
}

func TestResolveExplicitRangeWins(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r := fixedResolver(&fakeRangeStore{last: &types.SyncRange{
		Start: now.Add(-48 * time.Hour),
		End:   now.Add(-24 * time.Hour),
	}}, now)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rng, err := r.Resolve(ctx, 1, types.ResourceOrders, &types.RangeOptions{Start: start, End: end})
	require.NoError(t, err)
	require.Equal(t, types.RangeInitial, rng.Kind)
	require.Equal(t, start, rng.Start)
	require.Equal(t, end, rng.End)
}

func TestResolveClampsFutureBounds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r := fixedResolver(&fakeRangeStore{}, now)

	// An explicit end in the future is clamped to now.
	rng, err := r.Resolve(ctx, 1, types.ResourceOrders, &types.RangeOptions{
		Start: now.Add(-time.Hour),
		End:   now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, now, rng.End)

	// A last-run end past now must not produce an inverted window.
	r = fixedResolver(&fakeRangeStore{last: &types.SyncRange{
		Start: now.Add(-time.Hour),
		End:   now.Add(time.Hour),
	}}, now)
	rng, err = r.Resolve(ctx, 1, types.ResourceOrders, nil)
	require.NoError(t, err)
	require.Equal(t, now, rng.Start)
	require.Equal(t, now, rng.End)
}
