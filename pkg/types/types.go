package types

import (
	"fmt"
	"time"
)

// ResourceType identifies one of the remote collections that storesync
// mirrors. Each resource type syncs independently with its own checkpoint,
// range, and batch size.
type ResourceType string

const (
	ResourceCustomers ResourceType = "customers"
	ResourceOrders    ResourceType = "orders"
	ResourceProducts  ResourceType = "products"
)

// AllResourceTypes is the fan-out order: products change fastest, orders
// carry the largest working set and go last.
var AllResourceTypes = []ResourceType{ResourceProducts, ResourceCustomers, ResourceOrders}

func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case ResourceCustomers, ResourceOrders, ResourceProducts:
		return ResourceType(s), nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

func (r ResourceType) String() string {
	return string(r)
}

// RangeKind classifies how a sync range was resolved.
type RangeKind string

const (
	RangeInitial     RangeKind = "initial"
	RangeIncremental RangeKind = "incremental"
)

// SyncRange is the time window a run is responsible for covering. Immutable
// once resolved; Start is the lower bound passed to the remote fetcher.
type SyncRange struct {
	Start time.Time
	End   time.Time
	Kind  RangeKind
}

func (r SyncRange) Validate() error {
	if r.Start.After(r.End) {
		return fmt.Errorf("sync range start %s is after end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// RangeOptions forces an explicit window for manual or initial syncs. A nil
// options value means incremental: resume from the end of the last
// successfully completed range.
type RangeOptions struct {
	Start time.Time
	End   time.Time
}

// Tenant is one merchant whose data is synchronized in isolation from all
// others.
type Tenant struct {
	ID            int64
	Name          string
	ShopDomain    string
	AccessToken   string
	IsActive      bool
	SetupComplete bool
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Syncable reports whether the fan-out scheduler should register recurring
// triggers for this tenant.
func (t *Tenant) Syncable() bool {
	return t.IsActive && t.SetupComplete && t.AccessToken != ""
}
