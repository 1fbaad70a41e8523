package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	pathpkg "path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	xerrors "PluginHub/internal/errors"
)

// Element is a handle to a node owned by the UI layer.
type Element interface {
	SetAttribute(name, value string)
}

// Component is a renderable unit created by a plugin.
type Component struct {
	ID       string         `json:"id"`
	PluginID string         `json:"pluginId"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
}

// UIHost is the external UI collaborator: DOM queries, element creation
// and component rendering.
type UIHost interface {
	QuerySelector(scope, selector string) (Element, error)
	CreateElement(tag string) (Element, error)
	RenderComponent(ctx context.Context, c Component, container Element) (Element, error)
}

// StateStore is the key/value store backing persisted manager state and
// per plugin storage.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// StorageKey returns the per plugin storage key.
func StorageKey(pluginID string) string {
	return "plugin_" + pluginID + "_storage"
}

type headlessHost struct{}

var errNoUIHost = xerrors.New(xerrors.CodeInitializationFailure, "no UI host configured")

func (headlessHost) QuerySelector(string, string) (Element, error) { return nil, errNoUIHost }
func (headlessHost) CreateElement(string) (Element, error)         { return nil, errNoUIHost }
func (headlessHost) RenderComponent(context.Context, Component, Element) (Element, error) {
	return nil, errNoUIHost
}

// Capabilities is the permission gated surface handed to one plugin.
type Capabilities struct {
	pluginID string
	executor *Executor
	client   *http.Client
	limiter  *rate.Limiter
	ui       UIHost
	store    StateStore
	bus      *Bus

	storeMu sync.Mutex
}

func newCapabilities(pluginID string, m *Manager) *Capabilities {
	cfg := m.config()
	return &Capabilities{
		pluginID: pluginID,
		executor: m.executor,
		client:   m.httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.NetworkRate), max(1, cfg.NetworkBurst)),
		ui:       m.ui,
		store:    m.store,
		bus:      m.bus,
	}
}

func (c *Capabilities) require(p Permission) error {
	if !c.executor.HasPermission(c.pluginID, p) {
		return permissionDenied(c.pluginID, "missing permission "+string(p))
	}
	return nil
}

// Fetch performs an HTTP request after checking network_access and the
// sandbox's domain, path and method allow-lists.
func (c *Capabilities) Fetch(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	if err := c.require(PermissionNetwork); err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalid(c.pluginID, "invalid url %q: %v", rawURL, err)
	}
	target.Path = cleanPath(target.Path)
	target.RawPath = ""
	restrictions, err := c.executor.Restrictions(c.pluginID)
	if err != nil {
		return nil, err
	}
	if err := checkRestrictions(c.pluginID, restrictions, method, target); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Plugin-ID", c.pluginID)
	return c.client.Do(req)
}

func checkRestrictions(pluginID string, r Restrictions, method string, target *url.URL) error {
	host := strings.ToLower(target.Hostname())
	if !slices.ContainsFunc(r.AllowedDomains, func(d string) bool {
		d = strings.ToLower(d)
		return host == d || strings.HasSuffix(host, "."+d)
	}) {
		return permissionDenied(pluginID, fmt.Sprintf("domain %s not allowed", host))
	}
	path := cleanPath(target.Path)
	if !slices.ContainsFunc(r.AllowedPaths, func(p string) bool { return strings.HasPrefix(path, p) }) {
		return permissionDenied(pluginID, fmt.Sprintf("path %s not allowed", path))
	}
	if !slices.ContainsFunc(r.AllowedMethods, func(m string) bool { return strings.EqualFold(m, method) }) {
		return permissionDenied(pluginID, fmt.Sprintf("method %s not allowed", method))
	}
	return nil
}

// cleanPath resolves dot segments the way the request target will be
// interpreted, keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := pathpkg.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// QuerySelector finds an element within the plugin's own container.
func (c *Capabilities) QuerySelector(selector string) (Element, error) {
	if err := c.require(PermissionDOM); err != nil {
		return nil, err
	}
	return c.ui.QuerySelector(fmt.Sprintf(`[data-plugin="%s"]`, c.pluginID), selector)
}

// CreateElement creates an element tagged with the plugin id.
func (c *Capabilities) CreateElement(tag string, attrs map[string]string) (Element, error) {
	if err := c.require(PermissionDOM); err != nil {
		return nil, err
	}
	el, err := c.ui.CreateElement(tag)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		el.SetAttribute(k, attrs[k])
	}
	el.SetAttribute("data-plugin", c.pluginID)
	return el, nil
}

// CreateComponent builds a component owned by the plugin.
func (c *Capabilities) CreateComponent(componentType string, props map[string]any) Component {
	comp := Component{
		ID:       newID(),
		PluginID: c.pluginID,
		Type:     componentType,
		Props:    props,
	}
	c.bus.Publish(EventComponentCreated, c.pluginID, map[string]any{"componentId": comp.ID, "type": componentType})
	return comp
}

// RenderComponent hands comp to the UI host for rendering into container.
func (c *Capabilities) RenderComponent(ctx context.Context, comp Component, container Element) (Element, error) {
	if err := c.require(PermissionDOM); err != nil {
		return nil, err
	}
	el, err := c.ui.RenderComponent(ctx, comp, container)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(EventComponentRendered, c.pluginID, map[string]any{"componentId": comp.ID, "type": comp.Type})
	return el, nil
}

// StorageGet reads key from the plugin's storage blob.
func (c *Capabilities) StorageGet(ctx context.Context, key string) (any, bool, error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	data, err := c.loadStorage(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// StorageSet writes key into the plugin's storage blob.
func (c *Capabilities) StorageSet(ctx context.Context, key string, value any) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	data, err := c.loadStorage(ctx)
	if err != nil {
		return err
	}
	data[key] = value
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, StorageKey(c.pluginID), raw)
}

func (c *Capabilities) loadStorage(ctx context.Context) (map[string]any, error) {
	data := map[string]any{}
	if c.store == nil {
		return data, xerrors.New(xerrors.CodeInitializationFailure, "no state store configured")
	}
	raw, ok, err := c.store.Get(ctx, StorageKey(c.pluginID))
	if err != nil || !ok {
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]any{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode plugin storage")
	}
	return data, nil
}
