// Package sync drives one resource's mirror for one tenant: page through
// the remote API, convert, batch-upsert, checkpoint, and classify the
// outcome for the scheduler.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/convert"
	"github.com/commercemirror/storesync/pkg/fetcher"
	"github.com/commercemirror/storesync/pkg/store"
	"github.com/commercemirror/storesync/pkg/types"
)

var tracer = otel.Tracer("storesync/sync")

// Two pages per second keeps a whole tenant fan-out under the remote API's
// leaky bucket.
const pagesPerSecond = 2

// Syncer mirrors one resource type. The type parameter is the converted
// row shape; the convert and upsert hooks bind it to a concrete store
// writer.
type Syncer[T any] struct {
	store     *store.Store
	fetcher   fetcher.Fetcher
	ranges    *RangeResolver
	resource  types.ResourceType
	batchSize int
	limiter   ratelimit.Limiter

	convert    func(ctx context.Context, raw json.RawMessage) (T, error)
	upsert     func(ctx context.Context, tenantID int64, batch []T) error
	externalID func(T) string
	// finalize runs after a successful full (non-incremental) sync with
	// every external id the run saw. Nil for resources with no sweep.
	finalize func(ctx context.Context, tenantID int64, seen []string) error
}

// NewCustomerSyncer mirrors customers in batches of 100.
func NewCustomerSyncer(s *store.Store, f fetcher.Fetcher) *Syncer[*store.Customer] {
	return &Syncer[*store.Customer]{
		store:      s,
		fetcher:    f,
		ranges:     NewRangeResolver(s),
		resource:   types.ResourceCustomers,
		batchSize:  100,
		limiter:    ratelimit.New(pagesPerSecond),
		convert:    convert.Customer,
		upsert:     s.UpsertCustomers,
		externalID: func(c *store.Customer) string { return c.ExternalID },
	}
}

// NewOrderSyncer mirrors orders in batches of 50. Orders carry nested line
// items, so batches are half the size of the other resources.
func NewOrderSyncer(s *store.Store, f fetcher.Fetcher) *Syncer[*store.Order] {
	return &Syncer[*store.Order]{
		store:      s,
		fetcher:    f,
		ranges:     NewRangeResolver(s),
		resource:   types.ResourceOrders,
		batchSize:  50,
		limiter:    ratelimit.New(pagesPerSecond),
		convert:    convert.Order,
		upsert:     s.UpsertOrders,
		externalID: func(o *store.Order) string { return o.ExternalID },
	}
}

// NewProductSyncer mirrors products in batches of 100. Full syncs finish
// with a sweep that deactivates products missing from the remote catalog.
func NewProductSyncer(s *store.Store, f fetcher.Fetcher) *Syncer[*store.Product] {
	return &Syncer[*store.Product]{
		store:      s,
		fetcher:    f,
		ranges:     NewRangeResolver(s),
		resource:   types.ResourceProducts,
		batchSize:  100,
		limiter:    ratelimit.New(pagesPerSecond),
		convert:    convert.Product,
		upsert:     s.UpsertProducts,
		externalID: func(p *store.Product) string { return p.ExternalID },
		finalize: func(ctx context.Context, tenantID int64, seen []string) error {
			_, err := s.DeactivateMissingProducts(ctx, tenantID, seen)
			return err
		},
	}
}

func (s *Syncer[T]) Resource() types.ResourceType {
	return s.resource
}

// Run executes one sync for a tenant. The returned Result is never nil and
// never panics the caller with an error outcome it cannot classify: auth
// and cursor problems end terminal, everything transient is retryable.
func (s *Syncer[T]) Run(ctx context.Context, tenantID int64, opts *types.RangeOptions) *Result {
	ctx, span := tracer.Start(ctx, "Syncer.Run", trace.WithNewRoot())
	defer span.End()

	l := ctxzap.Extract(ctx).With(
		zap.Int64("tenant_id", tenantID),
		zap.String("resource_type", s.resource.String()),
	)
	ctx = ctxzap.ToContext(ctx, l)

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			l.Debug("tenant not found, skipping sync")
			return succeeded("", 0, 0)
		}
		return retryable("", 0, 0, err)
	}
	if !tenant.Syncable() {
		l.Debug("tenant not syncable, skipping sync")
		return succeeded("", 0, 0)
	}

	rng, err := s.ranges.Resolve(ctx, tenantID, s.resource, opts)
	if err != nil {
		return retryable("", 0, 0, err)
	}

	cursor := ""
	records := 0
	resumed := false
	if opts == nil {
		resume, err := s.store.GetResumeInfo(ctx, tenantID, s.resource)
		if err != nil {
			return retryable("", 0, 0, err)
		}
		if resume != nil {
			// The checkpoint holds the cursor that produced the page in
			// flight at the crash, so any batches from that page already
			// committed are refetched and counted again. The upsert is
			// idempotent; the total may overcount by up to one page.
			cursor = resume.Cursor
			records = resume.RecordsProcessed
			rng = types.SyncRange{Start: resume.RangeStart, End: resume.RangeEnd, Kind: rng.Kind}
			resumed = true
			l.Info("resuming interrupted sync",
				zap.Int("records_processed", records),
				zap.String("cursor", cursor))
		}
	}

	runID, err := s.store.StartRun(ctx, tenantID, s.resource, rng)
	if err != nil {
		return retryable("", 0, 0, err)
	}
	return s.run(ctx, tenant, rng, runID, cursor, records, resumed)
}

func (s *Syncer[T]) run(
	ctx context.Context,
	tenant *types.Tenant,
	rng types.SyncRange,
	runID string,
	cursor string,
	records int,
	resumed bool,
) *Result {
	l := ctxzap.Extract(ctx)
	pages := 0
	restarted := false
	var seen []string

	for {
		if err := ctx.Err(); err != nil {
			s.completeRun(ctx, runID, false, err)
			return retryable(runID, records, pages, err)
		}

		s.limiter.Take()

		page, err := s.fetcher.FetchPage(ctx, tenant, s.resource, rng.Start, cursor)
		if err != nil {
			var authErr *fetcher.AuthError
			if errors.As(err, &authErr) {
				l.Error("credentials rejected, sync cannot proceed", zap.Error(err))
				s.completeRun(ctx, runID, false, err)
				return terminal(runID, records, pages, err)
			}
			if errors.Is(err, fetcher.ErrInvalidCursor) && resumed && !restarted {
				// The stored cursor outlived the remote's pagination state.
				// Drop it and replay the whole range once from the start.
				l.Warn("stored cursor rejected by remote, restarting from beginning")
				if err := s.store.ClearCheckpoint(ctx, tenant.ID, s.resource); err != nil {
					s.completeRun(ctx, runID, false, err)
					return retryable(runID, records, pages, err)
				}
				cursor = ""
				records = 0
				restarted = true
				continue
			}
			s.completeRun(ctx, runID, false, err)
			return retryable(runID, records, pages, err)
		}
		pages++

		converted := make([]T, 0, len(page.Records))
		for _, raw := range page.Records {
			row, err := s.convert(ctx, raw)
			if err != nil {
				if errors.Is(err, convert.ErrMissingExternalID) {
					l.Warn("record has no external id, skipping")
					continue
				}
				s.completeRun(ctx, runID, false, err)
				return retryable(runID, records, pages, err)
			}
			converted = append(converted, row)
			if s.finalize != nil {
				seen = append(seen, s.externalID(row))
			}
		}

		for _, batch := range Chunk(converted, s.batchSize) {
			if err := s.upsert(ctx, tenant.ID, batch); err != nil {
				s.completeRun(ctx, runID, false, err)
				return retryable(runID, records, pages, err)
			}
			records += len(batch)

			// Checkpoint with the cursor that produced this page: a crash
			// mid-page refetches the page and the upserts replay cleanly.
			if err := s.store.SaveCheckpoint(ctx, tenant.ID, s.resource, cursor, records, rng); err != nil {
				s.completeRun(ctx, runID, false, err)
				return retryable(runID, records, pages, err)
			}
			// Progress is advisory; a failed update never aborts the run.
			if err := s.store.UpdateRun(ctx, runID, records, cursor); err != nil {
				l.Warn("failed to update run progress", zap.Error(err))
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if err := s.store.SaveCheckpoint(ctx, tenant.ID, s.resource, cursor, records, rng); err != nil {
			s.completeRun(ctx, runID, false, err)
			return retryable(runID, records, pages, err)
		}
	}

	// A run resumed mid-range only saw the pages after its checkpoint, so
	// its seen set misses everything committed before the crash. Leave the
	// sweep to the next clean full sync. A cursor restart replayed the whole
	// range, so its seen set is complete.
	if s.finalize != nil && rng.Kind == types.RangeInitial && (!resumed || restarted) {
		if err := s.finalize(ctx, tenant.ID, seen); err != nil {
			s.completeRun(ctx, runID, false, err)
			return retryable(runID, records, pages, err)
		}
	}

	if err := s.store.CompleteRun(ctx, runID, true, ""); err != nil {
		return retryable(runID, records, pages, err)
	}
	if err := s.store.ClearCheckpoint(ctx, tenant.ID, s.resource); err != nil {
		return retryable(runID, records, pages, err)
	}
	if err := s.store.StampLastSynced(ctx, tenant.ID, rng.End); err != nil {
		l.Warn("failed to stamp tenant last sync time", zap.Error(err))
	}

	l.Info("sync completed",
		zap.String("run_id", runID),
		zap.Int("records_processed", records),
		zap.Int("pages", pages))
	return succeeded(runID, records, pages)
}

func (s *Syncer[T]) completeRun(ctx context.Context, runID string, success bool, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.store.CompleteRun(ctx, runID, success, msg); err != nil {
		ctxzap.Extract(ctx).Warn("failed to finalize run record",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Runner is the resource-agnostic face of a Syncer; the scheduler holds one
// per resource type without caring about the row shape.
type Runner interface {
	Resource() types.ResourceType
	Run(ctx context.Context, tenantID int64, opts *types.RangeOptions) *Result
}

var (
	_ Runner = (*Syncer[*store.Customer])(nil)
	_ Runner = (*Syncer[*store.Order])(nil)
	_ Runner = (*Syncer[*store.Product])(nil)
)

// Runners builds the full per-resource set in scheduling order: products
// first so order line items resolve, then customers, then orders.
func Runners(s *store.Store, f fetcher.Fetcher) []Runner {
	return []Runner{
		NewProductSyncer(s, f),
		NewCustomerSyncer(s, f),
		NewOrderSyncer(s, f),
	}
}

// RunnerFor selects the runner for one resource type.
func RunnerFor(runners []Runner, resource types.ResourceType) (Runner, error) {
	for _, r := range runners {
		if r.Resource() == resource {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no syncer registered for resource %q", resource)
}
