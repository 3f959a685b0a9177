package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/types"
)

const checkpointsTableVersion = "1"
const checkpointsTableName = "checkpoints"
const checkpointsTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id integer not null,
    resource_type text not null,
    cursor text not null default '',
    records_processed integer not null default 0,
    range_start datetime not null,
    range_end datetime not null,
    can_resume integer not null default 1,
    expires_at datetime not null,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, resource_type);`

var checkpoints = (*checkpointsTable)(nil)

type checkpointsTable struct{}

func (t *checkpointsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), checkpointsTableName)
}

func (t *checkpointsTable) Version() string {
	return checkpointsTableVersion
}

func (t *checkpointsTable) Schema() (string, []interface{}) {
	return checkpointsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_checkpoints_tenant_resource_v%s", t.Version()),
		t.Name(),
	}
}

// Stale checkpoints stop being resumable after a week; the next run starts
// fresh instead of chasing a long-dead cursor.
const checkpointExpiry = 7 * 24 * time.Hour

// ResumeInfo is the durable resume state for an interrupted run.
type ResumeInfo struct {
	Cursor           string
	RecordsProcessed int
	RangeStart       time.Time
	RangeEnd         time.Time
}

// GetResumeInfo returns the resumable checkpoint for (tenant, resource), or
// nil when none exists, it was invalidated, or it has expired.
func (s *Store) GetResumeInfo(ctx context.Context, tenantID int64, resource types.ResourceType) (*ResumeInfo, error) {
	ctx, span := tracer.Start(ctx, "Store.GetResumeInfo")
	defer span.End()

	q := s.db.From(checkpoints.Name()).
		Select("cursor", "records_processed", "range_start", "range_end").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("resource_type").Eq(resource.String())).
		Where(goqu.C("can_resume").Eq(true)).
		Where(goqu.C("expires_at").Gt(formatTime(time.Now())))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &ResumeInfo{}
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&ret.Cursor, &ret.RecordsProcessed, &ret.RangeStart, &ret.RangeEnd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ret, nil
}

// SaveCheckpoint upserts the resume state for (tenant, resource). Called
// after every committed batch; must be durable before the next page fetch.
func (s *Store) SaveCheckpoint(
	ctx context.Context,
	tenantID int64,
	resource types.ResourceType,
	cursor string,
	recordsProcessed int,
	rng types.SyncRange,
) error {
	ctx, span := tracer.Start(ctx, "Store.SaveCheckpoint")
	defer span.End()

	now := time.Now()
	q := s.db.Insert(checkpoints.Name()).
		Rows(goqu.Record{
			"tenant_id":         tenantID,
			"resource_type":     resource.String(),
			"cursor":            cursor,
			"records_processed": recordsProcessed,
			"range_start":       formatTime(rng.Start),
			"range_end":         formatTime(rng.End),
			"can_resume":        true,
			"expires_at":        formatTime(now.Add(checkpointExpiry)),
			"created_at":        formatTime(now),
			"updated_at":        formatTime(now),
		}).
		OnConflict(goqu.DoUpdate("tenant_id, resource_type", goqu.Record{
			"cursor":            cursor,
			"records_processed": recordsProcessed,
			"range_start":       formatTime(rng.Start),
			"range_end":         formatTime(rng.End),
			"can_resume":        true,
			"expires_at":        formatTime(now.Add(checkpointExpiry)),
			"updated_at":        formatTime(now),
		}))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("saving checkpoint for tenant %d %s: %w", tenantID, resource, err)
	}

	ctxzap.Extract(ctx).Debug("checkpoint saved",
		zap.Int64("tenant_id", tenantID),
		zap.String("resource_type", resource.String()),
		zap.Int("records_processed", recordsProcessed))
	return nil
}

// ClearCheckpoint removes the checkpoint for (tenant, resource). Called only
// after the full run completes successfully, or when the remote rejected the
// stored cursor.
func (s *Store) ClearCheckpoint(ctx context.Context, tenantID int64, resource types.ResourceType) error {
	ctx, span := tracer.Start(ctx, "Store.ClearCheckpoint")
	defer span.End()

	q := s.db.Delete(checkpoints.Name()).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("resource_type").Eq(resource.String()))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// InvalidateCheckpoint keeps the row but marks it non-resumable, so the next
// run starts fresh while the record remains inspectable.
func (s *Store) InvalidateCheckpoint(ctx context.Context, tenantID int64, resource types.ResourceType) error {
	ctx, span := tracer.Start(ctx, "Store.InvalidateCheckpoint")
	defer span.End()

	q := s.db.Update(checkpoints.Name()).
		Set(goqu.Record{
			"can_resume": false,
			"updated_at": formatTime(time.Now()),
		}).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("resource_type").Eq(resource.String()))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteExpiredCheckpoints removes checkpoints past their expiry. Returns
// the number of rows removed.
func (s *Store) DeleteExpiredCheckpoints(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.DeleteExpiredCheckpoints")
	defer span.End()

	q := s.db.Delete(checkpoints.Name()).
		Where(goqu.C("expires_at").Lte(formatTime(time.Now())))

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
