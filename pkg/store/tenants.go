package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/commercemirror/storesync/pkg/types"
)

const tenantsTableVersion = "1"
const tenantsTableName = "tenants"
const tenantsTableSchema = `
create table if not exists %s (
    id integer primary key,
    name text not null,
    shop_domain text not null,
    access_token text not null default '',
    is_active integer not null default 1,
    setup_complete integer not null default 0,
    last_synced_at datetime,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (shop_domain);`

var tenants = (*tenantsTable)(nil)

type tenantsTable struct{}

func (t *tenantsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), tenantsTableName)
}

func (t *tenantsTable) Version() string {
	return tenantsTableVersion
}

func (t *tenantsTable) Schema() (string, []interface{}) {
	return tenantsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_tenants_shop_domain_v%s", t.Version()),
		t.Name(),
	}
}

// ErrTenantNotFound is returned by GetTenant for an unknown tenant id.
var ErrTenantNotFound = errors.New("tenant not found")

func scanTenant(row *sql.Row) (*types.Tenant, error) {
	ret := &types.Tenant{}
	err := row.Scan(
		&ret.ID,
		&ret.Name,
		&ret.ShopDomain,
		&ret.AccessToken,
		&ret.IsActive,
		&ret.SetupComplete,
		&ret.LastSyncedAt,
		&ret.CreatedAt,
		&ret.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return ret, nil
}

var tenantColumns = []interface{}{
	"id", "name", "shop_domain", "access_token", "is_active",
	"setup_complete", "last_synced_at", "created_at", "updated_at",
}

// CreateTenant inserts a tenant and returns its id.
func (s *Store) CreateTenant(ctx context.Context, name, shopDomain, accessToken string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateTenant")
	defer span.End()

	now := formatTime(time.Now())
	q := s.db.Insert(tenants.Name()).Rows(goqu.Record{
		"name":           name,
		"shop_domain":    shopDomain,
		"access_token":   accessToken,
		"is_active":      true,
		"setup_complete": accessToken != "",
		"created_at":     now,
		"updated_at":     now,
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("creating tenant %q: %w", shopDomain, err)
	}
	return res.LastInsertId()
}

func (s *Store) GetTenant(ctx context.Context, tenantID int64) (*types.Tenant, error) {
	ctx, span := tracer.Start(ctx, "Store.GetTenant")
	defer span.End()

	q := s.db.From(tenants.Name()).Select(tenantColumns...).Where(goqu.C("id").Eq(tenantID))
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	return scanTenant(s.db.QueryRowContext(ctx, query, args...))
}

// ListActiveTenants returns every tenant flagged active, in id order.
func (s *Store) ListActiveTenants(ctx context.Context) ([]*types.Tenant, error) {
	ctx, span := tracer.Start(ctx, "Store.ListActiveTenants")
	defer span.End()

	return s.listTenants(ctx, goqu.C("is_active").Eq(true))
}

// ListAllTenants returns every tenant, in id order.
func (s *Store) ListAllTenants(ctx context.Context) ([]*types.Tenant, error) {
	ctx, span := tracer.Start(ctx, "Store.ListAllTenants")
	defer span.End()

	return s.listTenants(ctx)
}

func (s *Store) listTenants(ctx context.Context, conds ...goqu.Expression) ([]*types.Tenant, error) {
	q := s.db.From(tenants.Name()).Select(tenantColumns...).Order(goqu.C("id").Asc())
	if len(conds) > 0 {
		q = q.Where(conds...)
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

	var ret []*types.Tenant
	for rows.Next() {
		t := &types.Tenant{}
		err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.ShopDomain,
			&t.AccessToken,
			&t.IsActive,
			&t.SetupComplete,
			&t.LastSyncedAt,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

// StampLastSynced records a successful sync completion time on the tenant.
func (s *Store) StampLastSynced(ctx context.Context, tenantID int64, at time.Time) error {
	ctx, span := tracer.Start(ctx, "Store.StampLastSynced")
	defer span.End()

	q := s.db.Update(tenants.Name()).
		Set(goqu.Record{
			"last_synced_at": formatTime(at),
			"updated_at":     formatTime(time.Now()),
		}).
		Where(goqu.C("id").Eq(tenantID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// SetTenantActive toggles a tenant's active flag.
func (s *Store) SetTenantActive(ctx context.Context, tenantID int64, active bool) error {
	ctx, span := tracer.Start(ctx, "Store.SetTenantActive")
	defer span.End()

	q := s.db.Update(tenants.Name()).
		Set(goqu.Record{
			"is_active":  active,
			"updated_at": formatTime(time.Now()),
		}).
		Where(goqu.C("id").Eq(tenantID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
