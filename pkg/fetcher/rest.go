package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/commercemirror/storesync/pkg/types"
)

const (
	defaultAPIVersion = "2024-04"
	defaultPageSize   = 250
	maxFetchAttempts  = 4
)

// resource type -> (endpoint path, JSON envelope key)
var restEndpoints = map[types.ResourceType]struct {
	path string
	key  string
}{
	types.ResourceCustomers: {"customers.json", "customers"},
	types.ResourceOrders:    {"orders.json", "orders"},
	types.ResourceProducts:  {"products.json", "products"},
}

// RESTFetcher fetches pages from a Shopify-style admin REST API. Pagination
// cursors are page_info tokens carried in the Link response header. 429 and
// 5xx responses are retried with exponential backoff, honoring Retry-After;
// 401/403 surface as AuthError and a 400 on a resumed cursor surfaces as
// ErrInvalidCursor.
type RESTFetcher struct {
	client     *http.Client
	apiVersion string
	pageSize   int

	// baseURL overrides the per-tenant shop domain; used by tests.
	baseURL string
}

var _ Fetcher = (*RESTFetcher)(nil)

type RESTOption func(*RESTFetcher)

func WithHTTPClient(client *http.Client) RESTOption {
	return func(f *RESTFetcher) {
		f.client = client
	}
}

func WithAPIVersion(version string) RESTOption {
	return func(f *RESTFetcher) {
		f.apiVersion = version
	}
}

func WithPageSize(size int) RESTOption {
	return func(f *RESTFetcher) {
		f.pageSize = size
	}
}

func WithBaseURL(baseURL string) RESTOption {
	return func(f *RESTFetcher) {
		f.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func NewRESTFetcher(opts ...RESTOption) *RESTFetcher {
	f := &RESTFetcher{
		client:     &http.Client{Timeout: 60 * time.Second},
		apiVersion: defaultAPIVersion,
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *RESTFetcher) FetchPage(
	ctx context.Context,
	tenant *types.Tenant,
	resource types.ResourceType,
	since time.Time,
	cursor string,
) (*Page, error) {
	ep, ok := restEndpoints[resource]
	if !ok {
		return nil, fmt.Errorf("no REST endpoint for resource type %q", resource)
	}

	reqURL, err := f.pageURL(tenant, ep.path, since, cursor)
	if err != nil {
		return nil, err
	}

	operation := func() (*Page, error) {
		return f.fetchOnce(ctx, tenant, reqURL, ep.key, cursor)
	}

	page, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxFetchAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching %s page for tenant %d: %w", resource, tenant.ID, err)
	}
	return page, nil
}

func (f *RESTFetcher) pageURL(tenant *types.Tenant, path string, since time.Time, cursor string) (string, error) {
	base := f.baseURL
	if base == "" {
		domain := tenant.ShopDomain
		if !strings.Contains(domain, ".") {
			domain += ".myshopify.com"
		}
		base = "https://" + domain
	}

	u, err := url.Parse(fmt.Sprintf("%s/admin/api/%s/%s", base, f.apiVersion, path))
	if err != nil {
		return "", fmt.Errorf("building request url: %w", err)
	}

	q := u.Query()
	q.Set("limit", strconv.Itoa(f.pageSize))
	if cursor != "" {
		// The remote rejects filter params alongside a page_info cursor.
		q.Set("page_info", cursor)
	} else if !since.IsZero() {
		q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *RESTFetcher) fetchOnce(ctx context.Context, tenant *types.Tenant, reqURL, envelopeKey, cursor string) (*Page, error) {
	l := ctxzap.Extract(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("X-Shopify-Access-Token", tenant.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		// Network errors are transient.
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode below

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(&AuthError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))})

	case resp.StatusCode == http.StatusBadRequest && cursor != "":
		// A stale or malformed page_info token from a resumed checkpoint.
		return nil, backoff.Permanent(ErrInvalidCursor)

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp)
		l.Warn("remote rate limit hit",
			zap.Int64("tenant_id", tenant.ID),
			zap.Duration("retry_after", wait))
		return nil, &backoff.RetryAfterError{Duration: wait}

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)

	default:
		return nil, backoff.Permanent(fmt.Errorf("remote returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	envelope := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding response envelope: %w", err))
	}

	var records []json.RawMessage
	if raw, ok := envelope[envelopeKey]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decoding %q records: %w", envelopeKey, err))
		}
	}

	return &Page{
		Records:    records,
		NextCursor: nextPageInfo(resp.Header.Get("Link")),
	}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	wait := 15 * time.Second
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	return wait
}

var linkNextRE = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPageInfo extracts the page_info cursor for rel="next" from a Link
// header. Empty when the final page has been reached.
func nextPageInfo(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	m := linkNextRE.FindStringSubmatch(linkHeader)
	if m == nil {
		return ""
	}
	u, err := url.Parse(m[1])
	if err != nil {
		return ""
	}
	return u.Query().Get("page_info")
}
