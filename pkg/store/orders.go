package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const ordersTableVersion = "1"
const ordersTableName = "orders"
const ordersTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id integer not null,
    external_id text not null,
    customer_external_id text not null default '',
    order_number text not null default '',
    email text not null default '',
    total_price real not null default 0,
    subtotal_price real not null default 0,
    total_tax real not null default 0,
    currency text not null default '',
    financial_status text not null default '',
    fulfillment_status text not null default '',
    is_test integer not null default 0,
    external_created_at datetime,
    external_updated_at datetime,
    processed_at datetime,
    synced_at datetime not null,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, external_id);
create index if not exists %s on %s (tenant_id, customer_external_id);`

var orders = (*ordersTable)(nil)

type ordersTable struct{}

func (t *ordersTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), ordersTableName)
}

func (t *ordersTable) Version() string {
	return ordersTableVersion
}

func (t *ordersTable) Schema() (string, []interface{}) {
	return ordersTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_orders_tenant_external_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_orders_tenant_customer_v%s", t.Version()),
		t.Name(),
	}
}

const orderItemsTableVersion = "1"
const orderItemsTableName = "order_items"
const orderItemsTableSchema = `
create table if not exists %s (
    id integer primary key,
    order_id integer not null references %s (id) on delete cascade,
    external_id text not null,
    product_external_id text not null default '',
    variant_external_id text not null default '',
    title text not null default '',
    variant_title text not null default '',
    sku text not null default '',
    vendor text not null default '',
    quantity integer not null default 0,
    price real not null default 0,
    total_price real not null default 0,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (order_id, external_id);`

var orderItems = (*orderItemsTable)(nil)

type orderItemsTable struct{}

func (t *orderItemsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), orderItemsTableName)
}

func (t *orderItemsTable) Version() string {
	return orderItemsTableVersion
}

func (t *orderItemsTable) Schema() (string, []interface{}) {
	return orderItemsTableSchema, []interface{}{
		t.Name(),
		orders.Name(),
		fmt.Sprintf("idx_order_items_order_external_v%s", t.Version()),
		t.Name(),
	}
}

// Order is the local mirror of one remote order, including line items.
type Order struct {
	ID                 int64
	TenantID           int64
	ExternalID         string
	CustomerExternalID string
	OrderNumber        string
	Email              string
	TotalPrice         float64
	SubtotalPrice      float64
	TotalTax           float64
	Currency           string
	FinancialStatus    string
	FulfillmentStatus  string
	IsTest             bool
	ExternalCreatedAt  *time.Time
	ExternalUpdatedAt  *time.Time
	ProcessedAt        *time.Time
	Items              []*OrderItem
}

// OrderItem is one line item nested under an order. Matched by external id
// within its parent; updated in place or appended, never deleted.
type OrderItem struct {
	ID                int64
	OrderID           int64
	ExternalID        string
	ProductExternalID string
	VariantExternalID string
	Title             string
	VariantTitle      string
	SKU               string
	Vendor            string
	Quantity          int
	Price             float64
	TotalPrice        float64
}

// UpsertOrders merges one batch of converted orders with their line items.
// Matched orders are updated in place; matched items keep their local ids
// with fields refreshed, unmatched items are appended. The whole batch is
// one transaction. Customer order rollups (last_order_at, orders_count) are
// refreshed for every customer referenced by the batch.
func (s *Store) UpsertOrders(ctx context.Context, tenantID int64, batch []*Order) error {
	ctx, span := tracer.Start(ctx, "Store.UpsertOrders")
	defer span.End()

	if len(batch) == 0 {
		return nil
	}

	existing, err := s.existingIDsByExternal(ctx, orders.Name(), tenantID, externalIDs(batch, func(o *Order) string { return o.ExternalID }))
	if err != nil {
		return err
	}

	existingItems, err := s.existingChildIDs(ctx, orderItems.Name(), "order_id", valuesOf(existing))
	if err != nil {
		return err
	}

	now := formatTime(time.Now())
	err = s.db.WithTx(func(tx *goqu.TxDatabase) error {
		for _, o := range batch {
			localID, matched := existing[o.ExternalID]
			if matched {
				q := tx.Update(orders.Name()).
					Set(goqu.Record{
						"customer_external_id": o.CustomerExternalID,
						"order_number":         o.OrderNumber,
						"email":                o.Email,
						"total_price":          o.TotalPrice,
						"subtotal_price":       o.SubtotalPrice,
						"total_tax":            o.TotalTax,
						"currency":             o.Currency,
						"financial_status":     o.FinancialStatus,
						"fulfillment_status":   o.FulfillmentStatus,
						"is_test":              o.IsTest,
						"external_updated_at":  formatTimePtr(o.ExternalUpdatedAt),
						"processed_at":         formatTimePtr(o.ProcessedAt),
						"synced_at":            now,
						"updated_at":           now,
					}).
					Where(goqu.C("id").Eq(localID))
				if err := execTx(ctx, tx, q); err != nil {
					return err
				}
			} else {
				q := tx.Insert(orders.Name()).Rows(goqu.Record{
					"tenant_id":            tenantID,
					"external_id":          o.ExternalID,
					"customer_external_id": o.CustomerExternalID,
					"order_number":         o.OrderNumber,
					"email":                o.Email,
					"total_price":          o.TotalPrice,
					"subtotal_price":       o.SubtotalPrice,
					"total_tax":            o.TotalTax,
					"currency":             o.Currency,
					"financial_status":     o.FinancialStatus,
					"fulfillment_status":   o.FulfillmentStatus,
					"is_test":              o.IsTest,
					"external_created_at":  formatTimePtr(o.ExternalCreatedAt),
					"external_updated_at":  formatTimePtr(o.ExternalUpdatedAt),
					"processed_at":         formatTimePtr(o.ProcessedAt),
					"synced_at":            now,
					"created_at":           now,
					"updated_at":           now,
				})
				query, args, err := q.ToSQL()
				if err != nil {
					return err
				}
				res, err := tx.ExecContext(ctx, query, args...)
				if err != nil {
					return err
				}
				localID, err = res.LastInsertId()
				if err != nil {
					return err
				}
			}

			if err := s.mergeOrderItems(ctx, tx, localID, o.Items, existingItems[localID], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting %d orders for tenant %d: %w", len(batch), tenantID, err)
	}

	if err := s.refreshCustomerOrderRollups(ctx, tenantID, batch); err != nil {
		// Denormalized rollups are best-effort; the batch itself committed.
		ctxzap.Extract(ctx).Warn("failed to refresh customer order rollups",
			zap.Int64("tenant_id", tenantID), zap.Error(err))
	}

	ctxzap.Extract(ctx).Debug("order batch upserted",
		zap.Int64("tenant_id", tenantID),
		zap.Int("batch_size", len(batch)),
		zap.Int("updated", len(existing)))
	return nil
}

func (s *Store) mergeOrderItems(
	ctx context.Context,
	tx *goqu.TxDatabase,
	orderID int64,
	items []*OrderItem,
	existing map[string]int64,
	now string,
) error {
	l := ctxzap.Extract(ctx)

	for _, item := range items {
		if item.ExternalID == "" {
			l.Warn("order item has no external id, skipping", zap.Int64("order_id", orderID))
			continue
		}

		if itemID, ok := existing[item.ExternalID]; ok {
			q := tx.Update(orderItems.Name()).
				Set(goqu.Record{
					"product_external_id": item.ProductExternalID,
					"variant_external_id": item.VariantExternalID,
					"title":               item.Title,
					"variant_title":       item.VariantTitle,
					"sku":                 item.SKU,
					"vendor":              item.Vendor,
					"quantity":            item.Quantity,
					"price":               item.Price,
					"total_price":         item.TotalPrice,
					"updated_at":          now,
				}).
				Where(goqu.C("id").Eq(itemID))
			if err := execTx(ctx, tx, q); err != nil {
				return err
			}
			continue
		}

		q := tx.Insert(orderItems.Name()).Rows(goqu.Record{
			"order_id":            orderID,
			"external_id":         item.ExternalID,
			"product_external_id": item.ProductExternalID,
			"variant_external_id": item.VariantExternalID,
			"title":               item.Title,
			"variant_title":       item.VariantTitle,
			"sku":                 item.SKU,
			"vendor":              item.Vendor,
			"quantity":            item.Quantity,
			"price":               item.Price,
			"total_price":         item.TotalPrice,
			"created_at":          now,
			"updated_at":          now,
		})
		if err := execTx(ctx, tx, q); err != nil {
			return err
		}
	}
	return nil
}

// refreshCustomerOrderRollups recomputes last_order_at and orders_count for
// each customer referenced by the batch, from committed non-test orders.
func (s *Store) refreshCustomerOrderRollups(ctx context.Context, tenantID int64, batch []*Order) error {
	seen := make(map[string]struct{}, len(batch))
	var customerIDs []string
	for _, o := range batch {
		if o.CustomerExternalID == "" {
			continue
		}
		if _, ok := seen[o.CustomerExternalID]; ok {
			continue
		}
		seen[o.CustomerExternalID] = struct{}{}
		customerIDs = append(customerIDs, o.CustomerExternalID)
	}
	if len(customerIDs) == 0 {
		return nil
	}

	placeholders := ""
	args := []interface{}{tenantID, tenantID, tenantID}
	for i, id := range customerIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}

	stmt := fmt.Sprintf(`
update %[1]s set
    last_order_at = (
        select max(o.processed_at) from %[2]s o
        where o.tenant_id = ? and o.customer_external_id = %[1]s.external_id and o.is_test = 0
    ),
    orders_count = (
        select count(*) from %[2]s o
        where o.tenant_id = ? and o.customer_external_id = %[1]s.external_id and o.is_test = 0
    )
where tenant_id = ? and external_id in (%[3]s)`,
		customers.Name(), orders.Name(), placeholders)

	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}

// CountOrders returns the number of mirrored orders for a tenant.
func (s *Store) CountOrders(ctx context.Context, tenantID int64) (int64, error) {
	return s.countRows(ctx, orders.Name(), tenantID)
}

// GetOrderByExternalID loads one order with its items.
func (s *Store) GetOrderByExternalID(ctx context.Context, tenantID int64, externalID string) (*Order, error) {
	ctx, span := tracer.Start(ctx, "Store.GetOrderByExternalID")
	defer span.End()

	q := s.db.From(orders.Name()).
		Select("id", "tenant_id", "external_id", "customer_external_id", "order_number",
			"email", "total_price", "subtotal_price", "total_tax", "currency",
			"financial_status", "fulfillment_status", "is_test",
			"external_created_at", "external_updated_at", "processed_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("external_id").Eq(externalID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &Order{}
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(
		&ret.ID, &ret.TenantID, &ret.ExternalID, &ret.CustomerExternalID,
		&ret.OrderNumber, &ret.Email, &ret.TotalPrice, &ret.SubtotalPrice,
		&ret.TotalTax, &ret.Currency, &ret.FinancialStatus, &ret.FulfillmentStatus,
		&ret.IsTest, &ret.ExternalCreatedAt, &ret.ExternalUpdatedAt, &ret.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	ret.Items, err = s.listOrderItems(ctx, ret.ID)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) listOrderItems(ctx context.Context, orderID int64) ([]*OrderItem, error) {
	q := s.db.From(orderItems.Name()).
		Select("id", "order_id", "external_id", "product_external_id", "variant_external_id",
			"title", "variant_title", "sku", "vendor", "quantity", "price", "total_price").
		Where(goqu.C("order_id").Eq(orderID)).
		Order(goqu.C("id").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*OrderItem
	for rows.Next() {
		item := &OrderItem{}
		err := rows.Scan(
			&item.ID, &item.OrderID, &item.ExternalID, &item.ProductExternalID,
			&item.VariantExternalID, &item.Title, &item.VariantTitle, &item.SKU,
			&item.Vendor, &item.Quantity, &item.Price, &item.TotalPrice,
		)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}
