package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/types"
)

const syncRunsTableVersion = "1"
const syncRunsTableName = "sync_runs"
const syncRunsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null,
    tenant_id integer not null,
    resource_type text not null,
    range_start datetime not null,
    range_end datetime not null,
    range_kind text not null,
    status text not null default 'running',
    records_processed integer not null default 0,
    current_page text not null default '',
    started_at datetime not null,
    completed_at datetime,
    success integer not null default 0,
    error_message text
);
create unique index if not exists %s on %s (run_id);
create index if not exists %s on %s (tenant_id, resource_type, started_at);`

var syncRuns = (*syncRunsTable)(nil)

type syncRunsTable struct{}

func (t *syncRunsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), syncRunsTableName)
}

func (t *syncRunsTable) Version() string {
	return syncRunsTableVersion
}

func (t *syncRunsTable) Schema() (string, []interface{}) {
	return syncRunsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_sync_runs_run_id_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_sync_runs_tenant_resource_v%s", t.Version()),
		t.Name(),
	}
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// SyncRun is the observable lifecycle record of one sync run. Retained after
// completion for history, unlike checkpoints which are transient.
type SyncRun struct {
	RunID            string
	TenantID         int64
	ResourceType     types.ResourceType
	RangeStart       time.Time
	RangeEnd         time.Time
	RangeKind        types.RangeKind
	Status           string
	RecordsProcessed int
	CurrentPage      string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Success          bool
	ErrorMessage     string
}

// StartRun creates a running progress record and returns its generated id.
func (s *Store) StartRun(ctx context.Context, tenantID int64, resource types.ResourceType, rng types.SyncRange) (string, error) {
	ctx, span := tracer.Start(ctx, "Store.StartRun")
	defer span.End()

	runID := ksuid.New().String()
	q := s.db.Insert(syncRuns.Name()).Rows(goqu.Record{
		"run_id":        runID,
		"tenant_id":     tenantID,
		"resource_type": resource.String(),
		"range_start":   formatTime(rng.Start),
		"range_end":     formatTime(rng.End),
		"range_kind":    string(rng.Kind),
		"status":        RunStatusRunning,
		"started_at":    formatTime(time.Now()),
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("starting run for tenant %d %s: %w", tenantID, resource, err)
	}

	ctxzap.Extract(ctx).Info("sync run started",
		zap.String("run_id", runID),
		zap.Int64("tenant_id", tenantID),
		zap.String("resource_type", resource.String()),
		zap.String("range_kind", string(rng.Kind)))
	return runID, nil
}

// UpdateRun records batch-level progress. Purely observational; callers
// ignore the returned error beyond logging it.
func (s *Store) UpdateRun(ctx context.Context, runID string, recordsProcessed int, currentPage string) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateRun")
	defer span.End()

	q := s.db.Update(syncRuns.Name()).
		Set(goqu.Record{
			"records_processed": recordsProcessed,
			"current_page":      currentPage,
		}).
		Where(goqu.C("run_id").Eq(runID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// CompleteRun finalizes a progress record.
func (s *Store) CompleteRun(ctx context.Context, runID string, success bool, errMessage string) error {
	ctx, span := tracer.Start(ctx, "Store.CompleteRun")
	defer span.End()

	status := RunStatusCompleted
	if !success {
		status = RunStatusFailed
	}

	q := s.db.Update(syncRuns.Name()).
		Set(goqu.Record{
			"status":        status,
			"success":       success,
			"error_message": errMessage,
			"completed_at":  formatTime(time.Now()),
		}).
		Where(goqu.C("run_id").Eq(runID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

var syncRunColumns = []interface{}{
	"run_id", "tenant_id", "resource_type", "range_start", "range_end",
	"range_kind", "status", "records_processed", "current_page",
	"started_at", "completed_at", "success", "error_message",
}

func scanSyncRun(scan func(dest ...any) error) (*SyncRun, error) {
	ret := &SyncRun{}
	var resource, kind string
	var errMessage sql.NullString
	err := scan(
		&ret.RunID,
		&ret.TenantID,
		&resource,
		&ret.RangeStart,
		&ret.RangeEnd,
		&kind,
		&ret.Status,
		&ret.RecordsProcessed,
		&ret.CurrentPage,
		&ret.StartedAt,
		&ret.CompletedAt,
		&ret.Success,
		&errMessage,
	)
	if err != nil {
		return nil, err
	}
	ret.ResourceType = types.ResourceType(resource)
	ret.RangeKind = types.RangeKind(kind)
	ret.ErrorMessage = errMessage.String
	return ret, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*SyncRun, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRun")
	defer span.End()

	q := s.db.From(syncRuns.Name()).Select(syncRunColumns...).Where(goqu.C("run_id").Eq(runID))
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	return scanSyncRun(s.db.QueryRowContext(ctx, query, args...).Scan)
}

// ListRuns returns run history for a tenant, newest first. An empty resource
// matches all resource types.
func (s *Store) ListRuns(ctx context.Context, tenantID int64, resource types.ResourceType, limit uint) ([]*SyncRun, error) {
	ctx, span := tracer.Start(ctx, "Store.ListRuns")
	defer span.End()

	if limit == 0 || limit > 100 {
		limit = 100
	}

	q := s.db.From(syncRuns.Name()).
		Select(syncRunColumns...).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Order(goqu.C("started_at").Desc()).
		Limit(limit)
	if resource != "" {
		q = q.Where(goqu.C("resource_type").Eq(resource.String()))
	}

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// LastCompletedRange returns the range of the most recent successful run for
// (tenant, resource), or nil when none exists. The range resolver uses its
// end as the start of the next incremental window.
func (s *Store) LastCompletedRange(ctx context.Context, tenantID int64, resource types.ResourceType) (*types.SyncRange, error) {
	ctx, span := tracer.Start(ctx, "Store.LastCompletedRange")
	defer span.End()

	q := s.db.From(syncRuns.Name()).
		Select("range_start", "range_end", "range_kind").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("resource_type").Eq(resource.String())).
		Where(goqu.C("success").Eq(true)).
		Order(goqu.C("completed_at").Desc()).
		Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &types.SyncRange{}
	var kind string
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&ret.Start, &ret.End, &kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ret.Kind = types.RangeKind(kind)
	return ret, nil
}

// RunStats is an aggregate over run history for one tenant.
type RunStats struct {
	TotalRuns        int
	SuccessfulRuns   int
	FailedRuns       int
	RecordsProcessed int
}

// GetRunStats aggregates completed runs since the given time.
func (s *Store) GetRunStats(ctx context.Context, tenantID int64, since time.Time) (*RunStats, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRunStats")
	defer span.End()

	q := s.db.From(syncRuns.Name()).
		Select(
			goqu.COUNT("*"),
			goqu.COALESCE(goqu.SUM(goqu.Case().When(goqu.C("success").Eq(true), 1).Else(0)), 0),
			goqu.COALESCE(goqu.SUM(goqu.C("records_processed")), 0),
		).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("started_at").Gte(formatTime(since))).
		Where(goqu.C("status").Neq(RunStatusRunning))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &RunStats{}
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&ret.TotalRuns, &ret.SuccessfulRuns, &ret.RecordsProcessed); err != nil {
		return nil, err
	}
	ret.FailedRuns = ret.TotalRuns - ret.SuccessfulRuns
	return ret, nil
}

// FailStalledRuns marks running records with no completion past the timeout
// as failed. Housekeeping for runs orphaned by a crash.
func (s *Store) FailStalledRuns(ctx context.Context, timeout time.Duration) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.FailStalledRuns")
	defer span.End()

	cutoff := time.Now().Add(-timeout)
	q := s.db.Update(syncRuns.Name()).
		Set(goqu.Record{
			"status":        RunStatusFailed,
			"success":       false,
			"error_message": "run timed out",
			"completed_at":  formatTime(time.Now()),
		}).
		Where(goqu.C("status").Eq(RunStatusRunning)).
		Where(goqu.C("started_at").Lt(formatTime(cutoff)))

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
