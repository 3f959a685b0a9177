package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const productsTableVersion = "1"
const productsTableName = "products"
const productsTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id integer not null,
    external_id text not null,
    title text not null default '',
    vendor text not null default '',
    product_type text not null default '',
    status text not null default '',
    is_active integer not null default 1,
    external_created_at datetime,
    external_updated_at datetime,
    synced_at datetime not null,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, external_id);`

var products = (*productsTable)(nil)

type productsTable struct{}

func (t *productsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), productsTableName)
}

func (t *productsTable) Version() string {
	return productsTableVersion
}

func (t *productsTable) Schema() (string, []interface{}) {
	return productsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_products_tenant_external_v%s", t.Version()),
		t.Name(),
	}
}

const productVariantsTableVersion = "1"
const productVariantsTableName = "product_variants"
const productVariantsTableSchema = `
create table if not exists %s (
    id integer primary key,
    product_id integer not null references %s (id) on delete cascade,
    external_id text not null,
    title text not null default '',
    sku text not null default '',
    price real not null default 0,
    compare_at_price real not null default 0,
    inventory_quantity integer not null default 0,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (product_id, external_id);`

var productVariants = (*productVariantsTable)(nil)

type productVariantsTable struct{}

func (t *productVariantsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), productVariantsTableName)
}

func (t *productVariantsTable) Version() string {
	return productVariantsTableVersion
}

func (t *productVariantsTable) Schema() (string, []interface{}) {
	return productVariantsTableSchema, []interface{}{
		t.Name(),
		products.Name(),
		fmt.Sprintf("idx_product_variants_product_external_v%s", t.Version()),
		t.Name(),
	}
}

// Product is the local mirror of one remote product, including variants.
type Product struct {
	ID                int64
	TenantID          int64
	ExternalID        string
	Title             string
	Vendor            string
	ProductType       string
	Status            string
	IsActive          bool
	ExternalCreatedAt *time.Time
	ExternalUpdatedAt *time.Time
	Variants          []*ProductVariant
}

// ProductVariant is one variant nested under a product.
type ProductVariant struct {
	ID                int64
	ProductID         int64
	ExternalID        string
	Title             string
	SKU               string
	Price             float64
	CompareAtPrice    float64
	InventoryQuantity int
}

// UpsertProducts merges one batch of converted products with their variants.
// Matched products are updated in place and reactivated; matched variants
// keep their local ids with fields refreshed, unmatched variants are
// appended. The whole batch is one transaction.
func (s *Store) UpsertProducts(ctx context.Context, tenantID int64, batch []*Product) error {
	ctx, span := tracer.Start(ctx, "Store.UpsertProducts")
	defer span.End()

	if len(batch) == 0 {
		return nil
	}

	existing, err := s.existingIDsByExternal(ctx, products.Name(), tenantID, externalIDs(batch, func(p *Product) string { return p.ExternalID }))
	if err != nil {
		return err
	}

	existingVariants, err := s.existingChildIDs(ctx, productVariants.Name(), "product_id", valuesOf(existing))
	if err != nil {
		return err
	}

	now := formatTime(time.Now())
	err = s.db.WithTx(func(tx *goqu.TxDatabase) error {
		for _, p := range batch {
			localID, matched := existing[p.ExternalID]
			if matched {
				q := tx.Update(products.Name()).
					Set(goqu.Record{
						"title":               p.Title,
						"vendor":              p.Vendor,
						"product_type":        p.ProductType,
						"status":              p.Status,
						"is_active":           true,
						"external_updated_at": formatTimePtr(p.ExternalUpdatedAt),
						"synced_at":           now,
						"updated_at":          now,
					}).
					Where(goqu.C("id").Eq(localID))
				if err := execTx(ctx, tx, q); err != nil {
					return err
				}
			} else {
				q := tx.Insert(products.Name()).Rows(goqu.Record{
					"tenant_id":           tenantID,
					"external_id":         p.ExternalID,
					"title":               p.Title,
					"vendor":              p.Vendor,
					"product_type":        p.ProductType,
					"status":              p.Status,
					"is_active":           true,
					"external_created_at": formatTimePtr(p.ExternalCreatedAt),
					"external_updated_at": formatTimePtr(p.ExternalUpdatedAt),
					"synced_at":           now,
					"created_at":          now,
					"updated_at":          now,
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

			if err := s.mergeProductVariants(ctx, tx, localID, p.Variants, existingVariants[localID], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting %d products for tenant %d: %w", len(batch), tenantID, err)
	}

	ctxzap.Extract(ctx).Debug("product batch upserted",
		zap.Int64("tenant_id", tenantID),
		zap.Int("batch_size", len(batch)),
		zap.Int("updated", len(existing)))
	return nil
}

func (s *Store) mergeProductVariants(
	ctx context.Context,
	tx *goqu.TxDatabase,
	productID int64,
	variants []*ProductVariant,
	existing map[string]int64,
	now string,
) error {
	l := ctxzap.Extract(ctx)

	for _, v := range variants {
		if v.ExternalID == "" {
			l.Warn("product variant has no external id, skipping", zap.Int64("product_id", productID))
			continue
		}

		if variantID, ok := existing[v.ExternalID]; ok {
			q := tx.Update(productVariants.Name()).
				Set(goqu.Record{
					"title":              v.Title,
					"sku":                v.SKU,
					"price":              v.Price,
					"compare_at_price":   v.CompareAtPrice,
					"inventory_quantity": v.InventoryQuantity,
					"updated_at":         now,
				}).
				Where(goqu.C("id").Eq(variantID))
			if err := execTx(ctx, tx, q); err != nil {
				return err
			}
			continue
		}

		q := tx.Insert(productVariants.Name()).Rows(goqu.Record{
			"product_id":         productID,
			"external_id":        v.ExternalID,
			"title":              v.Title,
			"sku":                v.SKU,
			"price":              v.Price,
			"compare_at_price":   v.CompareAtPrice,
			"inventory_quantity": v.InventoryQuantity,
			"created_at":         now,
			"updated_at":         now,
		})
		if err := execTx(ctx, tx, q); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateMissingProducts marks products absent from a full sync as
// inactive. Rows are kept so order history still resolves; nothing is
// deleted. Returns the number of products deactivated.
func (s *Store) DeactivateMissingProducts(ctx context.Context, tenantID int64, seenExternalIDs []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.DeactivateMissingProducts")
	defer span.End()

	now := formatTime(time.Now())
	q := s.db.Update(products.Name()).
		Set(goqu.Record{
			"is_active":  false,
			"updated_at": now,
		}).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("is_active").IsTrue())
	if len(seenExternalIDs) > 0 {
		q = q.Where(goqu.C("external_id").NotIn(seenExternalIDs))
	}

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivating missing products for tenant %d: %w", tenantID, err)
	}
	deactivated, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if deactivated > 0 {
		ctxzap.Extract(ctx).Info("deactivated products missing from full sync",
			zap.Int64("tenant_id", tenantID),
			zap.Int64("deactivated", deactivated))
	}
	return deactivated, nil
}

// CountProducts returns the number of mirrored products for a tenant.
func (s *Store) CountProducts(ctx context.Context, tenantID int64) (int64, error) {
	return s.countRows(ctx, products.Name(), tenantID)
}

// GetProductByExternalID loads one product with its variants.
func (s *Store) GetProductByExternalID(ctx context.Context, tenantID int64, externalID string) (*Product, error) {
	ctx, span := tracer.Start(ctx, "Store.GetProductByExternalID")
	defer span.End()

	q := s.db.From(products.Name()).
		Select("id", "tenant_id", "external_id", "title", "vendor", "product_type",
			"status", "is_active", "external_created_at", "external_updated_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("external_id").Eq(externalID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &Product{}
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(
		&ret.ID, &ret.TenantID, &ret.ExternalID, &ret.Title, &ret.Vendor,
		&ret.ProductType, &ret.Status, &ret.IsActive,
		&ret.ExternalCreatedAt, &ret.ExternalUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ret.Variants, err = s.listProductVariants(ctx, ret.ID)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) listProductVariants(ctx context.Context, productID int64) ([]*ProductVariant, error) {
	q := s.db.From(productVariants.Name()).
		Select("id", "product_id", "external_id", "title", "sku",
			"price", "compare_at_price", "inventory_quantity").
		Where(goqu.C("product_id").Eq(productID)).
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

	var ret []*ProductVariant
	for rows.Next() {
		v := &ProductVariant{}
		err := rows.Scan(
			&v.ID, &v.ProductID, &v.ExternalID, &v.Title, &v.SKU,
			&v.Price, &v.CompareAtPrice, &v.InventoryQuantity,
		)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, rows.Err()
}
