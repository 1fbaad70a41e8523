// Package pluginhub is a typed Go client for the PluginHub REST API.
package pluginhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the PluginHub API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient instantiates a client for the API at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Search queries the catalog.
func (c *Client) Search(ctx context.Context, opts SearchOptions) ([]CatalogEntry, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("q", opts.Query)
	set("category", opts.Category)
	set("tag", opts.Tag)
	set("author", opts.Author)
	set("compatibility", opts.Compatibility)
	set("sort", opts.Sort)
	if opts.Ascending {
		q.Set("order", "asc")
	}
	if opts.MinRating != nil {
		q.Set("min_rating", strconv.FormatFloat(*opts.MinRating, 'f', -1, 64))
	}
	if opts.MaxPrice != nil {
		q.Set("max_price", strconv.FormatFloat(*opts.MaxPrice, 'f', -1, 64))
	}
	var out []CatalogEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/catalog", q, nil, &out)
	return out, err
}

// Details returns a single catalog entry.
func (c *Client) Details(ctx context.Context, id string) (CatalogEntry, error) {
	var out CatalogEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/catalog/"+id, nil, nil, &out)
	return out, err
}

// List returns the installed plugins in installation order.
func (c *Client) List(ctx context.Context) ([]InstalledPlugin, error) {
	var out []InstalledPlugin
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, nil, &out)
	return out, err
}

// Get returns one installed plugin.
func (c *Client) Get(ctx context.Context, id string) (InstalledPlugin, error) {
	var out InstalledPlugin
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins/"+id, nil, nil, &out)
	return out, err
}

// Install installs id. An empty version selects the catalog's current version.
func (c *Client) Install(ctx context.Context, id, version string, strategy Strategy) (InstalledPlugin, error) {
	body := map[string]string{}
	if version != "" {
		body["version"] = version
	}
	if strategy != "" {
		body["strategy"] = string(strategy)
	}
	var out InstalledPlugin
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/install", nil, body, &out)
	return out, err
}

// Update moves id to version, or to the pending update when version is empty.
func (c *Client) Update(ctx context.Context, id, version string) (InstalledPlugin, error) {
	body := map[string]string{}
	if version != "" {
		body["version"] = version
	}
	var out InstalledPlugin
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/update", nil, body, &out)
	return out, err
}

// Uninstall removes id, and its dependents when cascade is set.
func (c *Client) Uninstall(ctx context.Context, id string, cascade bool) error {
	var q url.Values
	if cascade {
		q = url.Values{"cascade": {"true"}}
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/plugins/"+id, q, nil, nil)
}

// Enable marks id active.
func (c *Client) Enable(ctx context.Context, id string) (InstalledPlugin, error) {
	var out InstalledPlugin
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/enable", nil, nil, &out)
	return out, err
}

// Disable marks id inactive.
func (c *Client) Disable(ctx context.Context, id string) (InstalledPlugin, error) {
	var out InstalledPlugin
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/disable", nil, nil, &out)
	return out, err
}

// Updates returns the pending updates from the last check.
func (c *Client) Updates(ctx context.Context) ([]UpdateInfo, error) {
	var out []UpdateInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/updates", nil, nil, &out)
	return out, err
}

// CheckUpdates asks the server to compare installed versions with the catalog.
func (c *Client) CheckUpdates(ctx context.Context) ([]UpdateInfo, error) {
	var out []UpdateInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/updates/check", nil, nil, &out)
	return out, err
}

// Stats returns the installed set summary.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &out)
	return out, err
}

// ExecuteHook runs the named hook with data and returns the threaded result.
func (c *Client) ExecuteHook(ctx context.Context, name string, data any) (any, error) {
	var out struct {
		Data any `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/hooks/"+name, nil, data, &out)
	return out.Data, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
