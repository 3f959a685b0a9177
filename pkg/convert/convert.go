// Package convert decodes raw remote records into store rows. Remote ids
// are numeric on the wire and kept as strings locally, money fields arrive
// as decimal strings.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/store"
)

// ErrMissingExternalID is returned when a record carries no usable remote
// identifier. Records like this cannot be merged and must be skipped.
var ErrMissingExternalID = errors.New("record has no external id")

type wireCustomer struct {
	ID          json.Number `json:"id"`
	Email       string      `json:"email"`
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	Phone       string      `json:"phone"`
	State       string      `json:"state"`
	TotalSpent  string      `json:"total_spent"`
	OrdersCount int         `json:"orders_count"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

type wireLineItem struct {
	ID           json.Number `json:"id"`
	ProductID    json.Number `json:"product_id"`
	VariantID    json.Number `json:"variant_id"`
	Title        string      `json:"title"`
	VariantTitle string      `json:"variant_title"`
	SKU          string      `json:"sku"`
	Vendor       string      `json:"vendor"`
	Quantity     int         `json:"quantity"`
	Price        string      `json:"price"`
}

type wireOrder struct {
	ID                json.Number    `json:"id"`
	Name              string         `json:"name"`
	OrderNumber       json.Number    `json:"order_number"`
	Email             string         `json:"email"`
	TotalPrice        string         `json:"total_price"`
	SubtotalPrice     string         `json:"subtotal_price"`
	TotalTax          string         `json:"total_tax"`
	Currency          string         `json:"currency"`
	FinancialStatus   string         `json:"financial_status"`
	FulfillmentStatus string         `json:"fulfillment_status"`
	Test              bool           `json:"test"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
	ProcessedAt       string         `json:"processed_at"`
	Customer          *wireCustomer  `json:"customer"`
	LineItems         []wireLineItem `json:"line_items"`
}

type wireVariant struct {
	ID                json.Number `json:"id"`
	Title             string      `json:"title"`
	SKU               string      `json:"sku"`
	Price             string      `json:"price"`
	CompareAtPrice    string      `json:"compare_at_price"`
	InventoryQuantity int         `json:"inventory_quantity"`
}

type wireProduct struct {
	ID          json.Number   `json:"id"`
	Title       string        `json:"title"`
	Vendor      string        `json:"vendor"`
	ProductType string        `json:"product_type"`
	Status      string        `json:"status"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
	Variants    []wireVariant `json:"variants"`
}

// Customer decodes one raw customer record.
func Customer(ctx context.Context, raw json.RawMessage) (*store.Customer, error) {
	var w wireCustomer
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding customer: %w", err)
	}
	if w.ID.String() == "" {
		return nil, ErrMissingExternalID
	}

	return &store.Customer{
		ExternalID:        w.ID.String(),
		Email:             w.Email,
		FirstName:         w.FirstName,
		LastName:          w.LastName,
		Phone:             w.Phone,
		Segment:           w.State,
		TotalSpent:        parseMoney(ctx, w.TotalSpent),
		OrdersCount:       w.OrdersCount,
		ExternalCreatedAt: parseTime(ctx, w.CreatedAt),
		ExternalUpdatedAt: parseTime(ctx, w.UpdatedAt),
	}, nil
}

// Order decodes one raw order record with its line items. Line items
// without an id are dropped with a warning rather than failing the record.
func Order(ctx context.Context, raw json.RawMessage) (*store.Order, error) {
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	if w.ID.String() == "" {
		return nil, ErrMissingExternalID
	}

	orderNumber := w.Name
	if orderNumber == "" {
		orderNumber = w.OrderNumber.String()
	}

	var customerExternalID string
	if w.Customer != nil {
		customerExternalID = w.Customer.ID.String()
	}

	ret := &store.Order{
		ExternalID:         w.ID.String(),
		CustomerExternalID: customerExternalID,
		OrderNumber:        orderNumber,
		Email:              w.Email,
		TotalPrice:         parseMoney(ctx, w.TotalPrice),
		SubtotalPrice:      parseMoney(ctx, w.SubtotalPrice),
		TotalTax:           parseMoney(ctx, w.TotalTax),
		Currency:           w.Currency,
		FinancialStatus:    w.FinancialStatus,
		FulfillmentStatus:  w.FulfillmentStatus,
		IsTest:             w.Test,
		ExternalCreatedAt:  parseTime(ctx, w.CreatedAt),
		ExternalUpdatedAt:  parseTime(ctx, w.UpdatedAt),
		ProcessedAt:        parseTime(ctx, w.ProcessedAt),
	}

	l := ctxzap.Extract(ctx)
	for _, li := range w.LineItems {
		if li.ID.String() == "" {
			l.Warn("order line item has no id, dropping",
				zap.String("order_external_id", ret.ExternalID))
			continue
		}
		price := parseMoney(ctx, li.Price)
		ret.Items = append(ret.Items, &store.OrderItem{
			ExternalID:        li.ID.String(),
			ProductExternalID: li.ProductID.String(),
			VariantExternalID: li.VariantID.String(),
			Title:             li.Title,
			VariantTitle:      li.VariantTitle,
			SKU:               li.SKU,
			Vendor:            li.Vendor,
			Quantity:          li.Quantity,
			Price:             price,
			TotalPrice:        price * float64(li.Quantity),
		})
	}
	return ret, nil
}

// Product decodes one raw product record with its variants. Variants
// without an id are dropped with a warning rather than failing the record.
func Product(ctx context.Context, raw json.RawMessage) (*store.Product, error) {
	var w wireProduct
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding product: %w", err)
	}
	if w.ID.String() == "" {
		return nil, ErrMissingExternalID
	}

	ret := &store.Product{
		ExternalID:        w.ID.String(),
		Title:             w.Title,
		Vendor:            w.Vendor,
		ProductType:       w.ProductType,
		Status:            w.Status,
		IsActive:          w.Status != "archived",
		ExternalCreatedAt: parseTime(ctx, w.CreatedAt),
		ExternalUpdatedAt: parseTime(ctx, w.UpdatedAt),
	}

	l := ctxzap.Extract(ctx)
	for _, v := range w.Variants {
		if v.ID.String() == "" {
			l.Warn("product variant has no id, dropping",
				zap.String("product_external_id", ret.ExternalID))
			continue
		}
		ret.Variants = append(ret.Variants, &store.ProductVariant{
			ExternalID:        v.ID.String(),
			Title:             v.Title,
			SKU:               v.SKU,
			Price:             parseMoney(ctx, v.Price),
			CompareAtPrice:    parseMoney(ctx, v.CompareAtPrice),
			InventoryQuantity: v.InventoryQuantity,
		})
	}
	return ret, nil
}

func parseMoney(ctx context.Context, s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		ctxzap.Extract(ctx).Warn("unparseable money value", zap.String("value", s))
		return 0
	}
	return f
}

func parseTime(ctx context.Context, s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		ctxzap.Extract(ctx).Warn("unparseable timestamp", zap.String("value", s))
		return nil
	}
	t = t.UTC()
	return &t
}
