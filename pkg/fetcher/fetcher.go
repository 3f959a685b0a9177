package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/commercemirror/storesync/pkg/types"
)

// Page is one page of raw records from the remote API. NextCursor is an
// opaque pagination token; empty means the final page.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
}

// Fetcher returns one page of raw records for a tenant's resource. The
// since timestamp is the lower bound of the sync range; cursor is empty for
// the first page.
type Fetcher interface {
	FetchPage(ctx context.Context, tenant *types.Tenant, resource types.ResourceType, since time.Time, cursor string) (*Page, error)
}

// ErrInvalidCursor signals that the remote rejected a resume cursor. The
// orchestrator reacts by clearing the checkpoint and restarting the run
// from the beginning.
var ErrInvalidCursor = errors.New("remote rejected pagination cursor")

// AuthError reports that the tenant's credential was revoked or is
// otherwise unusable. It is terminal for the tenant's sync: retrying cannot
// succeed until the tenant re-authenticates.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote authentication failed (status %d): %s", e.StatusCode, e.Detail)
}

// IsAuthError reports whether err is (or wraps) an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
