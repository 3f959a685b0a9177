package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const customersTableVersion = "1"
const customersTableName = "customers"
const customersTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id integer not null,
    external_id text not null,
    email text not null default '',
    first_name text not null default '',
    last_name text not null default '',
    phone text not null default '',
    total_spent real not null default 0,
    orders_count integer not null default 0,
    segment text not null default '',
    last_order_at datetime,
    external_created_at datetime,
    external_updated_at datetime,
    synced_at datetime not null,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, external_id);`

var customers = (*customersTable)(nil)

type customersTable struct{}

func (t *customersTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), customersTableName)
}

func (t *customersTable) Version() string {
	return customersTableVersion
}

func (t *customersTable) Schema() (string, []interface{}) {
	return customersTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_customers_tenant_external_v%s", t.Version()),
		t.Name(),
	}
}

// Customer is the local mirror of one remote customer. The local id is
// stable across syncs; (tenant_id, external_id) decides insert vs update.
type Customer struct {
	ID                int64
	TenantID          int64
	ExternalID        string
	Email             string
	FirstName         string
	LastName          string
	Phone             string
	TotalSpent        float64
	OrdersCount       int
	Segment           string
	LastOrderAt       *time.Time
	ExternalCreatedAt *time.Time
	ExternalUpdatedAt *time.Time
}

// UpsertCustomers merges one batch of converted customers. Existing rows
// (matched on external id) are updated in place; unmatched rows are
// inserted. The whole batch commits in one transaction, so re-applying the
// same batch is idempotent.
func (s *Store) UpsertCustomers(ctx context.Context, tenantID int64, batch []*Customer) error {
	ctx, span := tracer.Start(ctx, "Store.UpsertCustomers")
	defer span.End()

	if len(batch) == 0 {
		return nil
	}

	existing, err := s.existingIDsByExternal(ctx, customers.Name(), tenantID, externalIDs(batch, func(c *Customer) string { return c.ExternalID }))
	if err != nil {
		return err
	}

	now := formatTime(time.Now())
	err = s.db.WithTx(func(tx *goqu.TxDatabase) error {
		for _, c := range batch {
			if localID, ok := existing[c.ExternalID]; ok {
				q := tx.Update(customers.Name()).
					Set(goqu.Record{
						"email":               c.Email,
						"first_name":          c.FirstName,
						"last_name":           c.LastName,
						"phone":               c.Phone,
						"total_spent":         c.TotalSpent,
						"orders_count":        c.OrdersCount,
						"segment":             c.Segment,
						"external_updated_at": formatTimePtr(c.ExternalUpdatedAt),
						"synced_at":           now,
						"updated_at":          now,
					}).
					Where(goqu.C("id").Eq(localID))
				if err := execTx(ctx, tx, q); err != nil {
					return err
				}
				continue
			}

			q := tx.Insert(customers.Name()).Rows(goqu.Record{
				"tenant_id":           tenantID,
				"external_id":         c.ExternalID,
				"email":               c.Email,
				"first_name":          c.FirstName,
				"last_name":           c.LastName,
				"phone":               c.Phone,
				"total_spent":         c.TotalSpent,
				"orders_count":        c.OrdersCount,
				"segment":             c.Segment,
				"external_created_at": formatTimePtr(c.ExternalCreatedAt),
				"external_updated_at": formatTimePtr(c.ExternalUpdatedAt),
				"synced_at":           now,
				"created_at":          now,
				"updated_at":          now,
			})
			if err := execTx(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting %d customers for tenant %d: %w", len(batch), tenantID, err)
	}

	ctxzap.Extract(ctx).Debug("customer batch upserted",
		zap.Int64("tenant_id", tenantID),
		zap.Int("batch_size", len(batch)),
		zap.Int("updated", len(existing)))
	return nil
}

// CountCustomers returns the number of mirrored customers for a tenant.
func (s *Store) CountCustomers(ctx context.Context, tenantID int64) (int64, error) {
	return s.countRows(ctx, customers.Name(), tenantID)
}

// GetCustomerByExternalID loads one customer row.
func (s *Store) GetCustomerByExternalID(ctx context.Context, tenantID int64, externalID string) (*Customer, error) {
	ctx, span := tracer.Start(ctx, "Store.GetCustomerByExternalID")
	defer span.End()

	q := s.db.From(customers.Name()).
		Select("id", "tenant_id", "external_id", "email", "first_name", "last_name",
			"phone", "total_spent", "orders_count", "segment", "last_order_at",
			"external_created_at", "external_updated_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("external_id").Eq(externalID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &Customer{}
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(
		&ret.ID, &ret.TenantID, &ret.ExternalID, &ret.Email, &ret.FirstName,
		&ret.LastName, &ret.Phone, &ret.TotalSpent, &ret.OrdersCount,
		&ret.Segment, &ret.LastOrderAt, &ret.ExternalCreatedAt, &ret.ExternalUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ret, nil
}
