package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Adapter = (*Remote)(nil)

const remoteTimeout = 5 * time.Second

// Remote queries a tenant's external knowledge base over HTTPS with a Bearer
// token. The endpoint contract is GET {base}/search?q=...&limit=N returning
// {"articles": [...]}.
type Remote struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// RemoteOption is a functional option for [NewRemote].
type RemoteOption func(*Remote)

// WithRemoteHTTPClient overrides the HTTP client. The adapter applies its own
// timeout when the client has none.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = c }
}

// NewRemote creates a Remote adapter for the given endpoint.
func NewRemote(baseURL, token string, opts ...RemoteOption) (*Remote, error) {
	if baseURL == "" {
		return nil, errors.New("kb remote: baseURL must not be empty")
	}
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: remoteTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Name implements Adapter.
func (r *Remote) Name() string { return "remote" }

// Search implements Adapter.
func (r *Remote) Search(ctx context.Context, query string, opts SearchOptions) ([]types.KBArticle, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	if opts.TenantID != "" {
		q.Set("tenant_id", opts.TenantID)
	}
	if opts.Context != "" {
		q.Set("context", opts.Context)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kb remote: build request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kb remote: search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kb remote: search %q: endpoint returned %s", query, resp.Status)
	}

	var body struct {
		Articles []types.KBArticle `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("kb remote: decode response: %w", err)
	}

	articles := body.Articles
	if len(articles) > limit {
		articles = articles[:limit]
	}
	for i := range articles {
		articles[i].Source = r.Name()
	}
	return articles, nil
}
