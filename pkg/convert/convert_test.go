package convert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCustomer(t *testing.T) {
	ctx := context.Background()

	raw := json.RawMessage(`{
		"id": 7654321098,
		"email": "jamie@example.com",
		"first_name": "Jamie",
		"last_name": "Rivera",
		"phone": "+15551234567",
		"state": "enabled",
		"total_spent": "1234.56",
		"created_at": "2024-02-01T10:30:00-05:00",
		"updated_at": "2026-08-15T08:00:00Z"
	}`)

	got, err := Customer(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "7654321098", got.ExternalID)
	require.Equal(t, "jamie@example.com", got.Email)
	require.Equal(t, "Jamie", got.FirstName)
	require.Equal(t, "enabled", got.Segment)
	require.Equal(t, 1234.56, got.TotalSpent)
	require.NotNil(t, got.ExternalCreatedAt)
	require.Equal(t, time.Date(2024, 2, 1, 15, 30, 0, 0, time.UTC), *got.ExternalCreatedAt)
}

func TestCustomerMissingID(t *testing.T) {
	_, err := Customer(context.Background(), json.RawMessage(`{"email": "nobody@example.com"}`))
	require.ErrorIs(t, err, ErrMissingExternalID)
}

func TestOrder(t *testing.T) {
	ctx := context.Background()

	raw := json.RawMessage(`{
		"id": 5551212,
		"name": "#1042",
		"order_number": 1042,
		"email": "jamie@example.com",
		"total_price": "89.97",
		"subtotal_price": "79.99",
		"total_tax": "9.98",
		"currency": "USD",
		"financial_status": "paid",
		"fulfillment_status": "fulfilled",
		"test": false,
		"processed_at": "2026-08-20T14:00:00Z",
		"customer": {"id": 7654321098},
		"line_items": [
			{"id": 111, "product_id": 900, "variant_id": 9001, "title": "Trail Jacket", "sku": "TJ-S", "quantity": 2, "price": "39.99"},
			{"id": 112, "product_id": 901, "title": "Wool Socks", "quantity": 1, "price": "10.01"}
		]
	}`)

	got, err := Order(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "5551212", got.ExternalID)
	require.Equal(t, "#1042", got.OrderNumber)
	require.Equal(t, "7654321098", got.CustomerExternalID)
	require.Equal(t, 89.97, got.TotalPrice)
	require.False(t, got.IsTest)
	require.Len(t, got.Items, 2)
	require.Equal(t, "111", got.Items[0].ExternalID)
	require.Equal(t, "900", got.Items[0].ProductExternalID)
	require.Equal(t, "9001", got.Items[0].VariantExternalID)
	require.Equal(t, 2, got.Items[0].Quantity)
	require.InDelta(t, 79.98, got.Items[0].TotalPrice, 1e-9)
}

func TestOrderNumberFallsBackToNumericField(t *testing.T) {
	got, err := Order(context.Background(), json.RawMessage(`{"id": 1, "order_number": 1042}`))
	require.NoError(t, err)
	require.Equal(t, "1042", got.OrderNumber)
}

func TestOrderDropsLineItemsWithoutIDs(t *testing.T) {
	raw := json.RawMessage(`{
		"id": 5551212,
		"line_items": [
			{"title": "No ID Here", "quantity": 1, "price": "5.00"},
			{"id": 113, "title": "Has ID", "quantity": 1, "price": "5.00"}
		]
	}`)

	got, err := Order(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.Equal(t, "113", got.Items[0].ExternalID)
}

func TestOrderMissingID(t *testing.T) {
	_, err := Order(context.Background(), json.RawMessage(`{"name": "#1042"}`))
	require.ErrorIs(t, err, ErrMissingExternalID)
}

func TestProduct(t *testing.T) {
	ctx := context.Background()

	raw := json.RawMessage(`{
		"id": 900,
		"title": "Trail Jacket",
		"vendor": "Acme Outfitters",
		"product_type": "Outerwear",
		"status": "active",
		"created_at": "2023-05-01T00:00:00Z",
		"variants": [
			{"id": 9001, "title": "Small", "sku": "TJ-S", "price": "39.99", "compare_at_price": "49.99", "inventory_quantity": 12},
			{"id": 9002, "title": "Medium", "sku": "TJ-M", "price": "39.99", "inventory_quantity": 0}
		]
	}`)

	got, err := Product(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "900", got.ExternalID)
	require.Equal(t, "Trail Jacket", got.Title)
	require.True(t, got.IsActive)
	require.Len(t, got.Variants, 2)
	require.Equal(t, 39.99, got.Variants[0].Price)
	require.Equal(t, 49.99, got.Variants[0].CompareAtPrice)
	require.Equal(t, 12, got.Variants[0].InventoryQuantity)
}

func TestProductArchivedIsInactive(t *testing.T) {
	got, err := Product(context.Background(), json.RawMessage(`{"id": 900, "status": "archived"}`))
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestMalformedRecordFails(t *testing.T) {
	_, err := Customer(context.Background(), json.RawMessage(`{"id": [1, 2]}`))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMissingExternalID)
}

func TestUnparseableMoneyAndTimeDegradeToZero(t *testing.T) {
	got, err := Customer(context.Background(), json.RawMessage(`{
		"id": 1,
		"total_spent": "not money",
		"created_at": "not a time"
	}`))
	require.NoError(t, err)
	require.Equal(t, 0.0, got.TotalSpent)
	require.Nil(t, got.ExternalCreatedAt)
}
