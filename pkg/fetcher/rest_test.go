package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commercemirror/storesync/pkg/types"
)

func testTenant() *types.Tenant {
	return &types.Tenant{
		ID:          1,
		Name:        "Acme Outfitters",
		ShopDomain:  "acme-outfitters",
		AccessToken: "shpat_test_token",
	}
}

func TestFetchPageFollowsLinkHeader(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "shpat_test_token", r.Header.Get("X-Shopify-Access-Token"))
		require.Equal(t, "/admin/api/2024-04/orders.json", r.URL.Path)

		switch r.URL.Query().Get("page_info") {
		case "":
			require.NotEmpty(t, r.URL.Query().Get("updated_at_min"))
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/admin/api/2024-04/orders.json?limit=250&page_info=cursor-2>; rel="next"`, r.Host))
			fmt.Fprint(w, `{"orders": [{"id": 1}, {"id": 2}]}`)
		case "cursor-2":
			// Cursor requests must not repeat the time filter.
			require.Empty(t, r.URL.Query().Get("updated_at_min"))
			fmt.Fprint(w, `{"orders": [{"id": 3}]}`)
		default:
			t.Errorf("unexpected page_info %q", r.URL.Query().Get("page_info"))
		}
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	page, err := f.FetchPage(ctx, testTenant(), types.ResourceOrders, since, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "cursor-2", page.NextCursor)

	page, err = f.FetchPage(ctx, testTenant(), types.ResourceOrders, since, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Empty(t, page.NextCursor)
}

func TestFetchPageRetriesRateLimit(t *testing.T) {
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"customers": [{"id": 1}]}`)
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	page, err := f.FetchPage(ctx, testTenant(), types.ResourceCustomers, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, 2, calls)
}

func TestFetchPageRetriesServerErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"products": []}`)
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	page, err := f.FetchPage(ctx, testTenant(), types.ResourceProducts, time.Time{}, "")
	require.NoError(t, err)
	require.Empty(t, page.Records)
	require.Equal(t, 3, calls)
}

func TestFetchPageAuthErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errors": "invalid api key or access token"}`)
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	_, err := f.FetchPage(ctx, testTenant(), types.ResourceOrders, time.Time{}, "")
	require.Error(t, err)
	require.True(t, IsAuthError(err))
	require.Equal(t, 1, calls)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestFetchPageRejectedCursor(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	_, err := f.FetchPage(ctx, testTenant(), types.ResourceOrders, time.Time{}, "stale-cursor")
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestFetchPageBadRequestWithoutCursorIsPlainError(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewRESTFetcher(WithBaseURL(srv.URL))
	_, err := f.FetchPage(ctx, testTenant(), types.ResourceOrders, time.Time{}, "")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidCursor)
}

func TestNextPageInfo(t *testing.T) {
	require.Empty(t, nextPageInfo(""))
	require.Empty(t, nextPageInfo(`<https://x.example/admin?page_info=abc>; rel="previous"`))
	require.Equal(t, "abc", nextPageInfo(`<https://x.example/admin?limit=250&page_info=abc>; rel="next"`))
	require.Equal(t, "def",
		nextPageInfo(`<https://x.example/admin?page_info=abc>; rel="previous", <https://x.example/admin?page_info=def>; rel="next"`))
}
