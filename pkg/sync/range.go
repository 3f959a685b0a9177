package sync

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/types"
)

// Default lookback per resource when a tenant has no completed run yet.
// Orders churn fastest and matter least beyond a year of history; customer
// and product catalogs are pulled much further back.
var defaultLookback = map[types.ResourceType]time.Duration{
	types.ResourceOrders:    365 * 24 * time.Hour,
	types.ResourceCustomers: 3 * 365 * 24 * time.Hour,
	types.ResourceProducts:  10 * 365 * 24 * time.Hour,
}

type rangeStore interface {
	LastCompletedRange(ctx context.Context, tenantID int64, resource types.ResourceType) (*types.SyncRange, error)
}

// RangeResolver decides the [start, end) window for a run: an explicit
// override wins, then the tail of the last completed run, then the
// per-resource default lookback.
type RangeResolver struct {
	store rangeStore
	now   func() time.Time
}

func NewRangeResolver(store rangeStore) *RangeResolver {
	return &RangeResolver{store: store, now: time.Now}
}

func (r *RangeResolver) Resolve(
	ctx context.Context,
	tenantID int64,
	resource types.ResourceType,
	opts *types.RangeOptions,
) (types.SyncRange, error) {
	l := ctxzap.Extract(ctx)
	now := r.now().UTC()

	if opts != nil && !opts.Start.IsZero() {
		end := opts.End
		if end.IsZero() || end.After(now) {
			end = now
		}
		rng := types.SyncRange{Start: opts.Start.UTC(), End: end.UTC(), Kind: types.RangeInitial}
		if rng.Start.After(rng.End) {
			rng.Start = rng.End
		}
		return rng, rng.Validate()
	}

	last, err := r.store.LastCompletedRange(ctx, tenantID, resource)
	if err != nil {
		return types.SyncRange{}, err
	}
	if last != nil {
		start := last.End
		if start.After(now) {
			start = now
		}
		rng := types.SyncRange{Start: start, End: now, Kind: types.RangeIncremental}
		l.Debug("resolved incremental range",
			zap.Int64("tenant_id", tenantID),
			zap.String("resource_type", resource.String()),
			zap.Time("start", rng.Start),
			zap.Time("end", rng.End))
		return rng, rng.Validate()
	}

	rng := types.SyncRange{
		Start: now.Add(-defaultLookback[resource]),
		End:   now,
		Kind:  types.RangeInitial,
	}
	l.Debug("resolved initial range",
		zap.Int64("tenant_id", tenantID),
		zap.String("resource_type", resource.String()),
		zap.Time("start", rng.Start),
		zap.Time("end", rng.End))
	return rng, rng.Validate()
}
