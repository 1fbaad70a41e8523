package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"

	xerrors "PluginHub/internal/errors"
)

// Loader resolves a descriptor's main locator into a Module.
type Loader interface {
	Load(ctx context.Context, desc Descriptor) (Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, desc Descriptor) (Module, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, desc Descriptor) (Module, error) { return f(ctx, desc) }

func loadFailed(desc Descriptor, err error) error {
	return xerrors.Wrap(CodeLoadFailed, err, "load plugin "+desc.ID+" from "+desc.Main, xerrors.WithMetadata("plugin_id", desc.ID))
}

// Factory creates a fresh module instance.
type Factory func() Module

// StaticLoader resolves "builtin:<name>" locators to registered factories.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStaticLoader returns an empty static loader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

// Register binds name to factory.
func (l *StaticLoader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Load implements Loader.
func (l *StaticLoader) Load(_ context.Context, desc Descriptor) (Module, error) {
	name := strings.TrimPrefix(desc.Main, "builtin:")
	l.mu.RLock()
	factory, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, loadFailed(desc, fmt.Errorf("no builtin module %q", name))
	}
	mod := factory()
	if mod == nil {
		return nil, loadFailed(desc, errors.New("factory returned nil module"))
	}
	return mod, nil
}

// GoPluginLoader opens Go shared objects exporting a `Plugin` symbol.
type GoPluginLoader struct {
	// Dir resolves relative locators.
	Dir string
}

// Load opens the shared object and looks up a `Plugin` symbol implementing Module.
func (l GoPluginLoader) Load(_ context.Context, desc Descriptor) (Module, error) {
	path := desc.Main
	if path == "" {
		return nil, loadFailed(desc, errors.New("plugin path cannot be empty"))
	}
	if !filepath.IsAbs(path) && l.Dir != "" {
		path = filepath.Join(l.Dir, path)
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, loadFailed(desc, err)
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, loadFailed(desc, err)
	}
	switch p := symbol.(type) {
	case Module:
		return p, nil
	case *Module:
		if p == nil || *p == nil {
			return nil, loadFailed(desc, errors.New("plugin symbol is nil"))
		}
		return *p, nil
	case func() Module:
		return p(), nil
	default:
		return nil, loadFailed(desc, fmt.Errorf("plugin symbol %T does not implement plugin.Module", symbol))
	}
}

// MuxLoader dispatches on the locator: "builtin:" to Static, ".lua" or
// "lua:" to Lua, ".so" to Native.
type MuxLoader struct {
	Static *StaticLoader
	Lua    Loader
	Native Loader
}

// Load implements Loader.
func (m MuxLoader) Load(ctx context.Context, desc Descriptor) (Module, error) {
	var target Loader
	switch main := strings.ToLower(desc.Main); {
	case strings.HasPrefix(main, "builtin:") && m.Static != nil:
		target = m.Static
	case (strings.HasPrefix(main, "lua:") || strings.HasSuffix(main, ".lua")) && m.Lua != nil:
		target = m.Lua
	case strings.HasSuffix(main, ".so") && m.Native != nil:
		target = m.Native
	}
	if target == nil {
		return nil, loadFailed(desc, fmt.Errorf("no loader for locator %q", desc.Main))
	}
	return target.Load(ctx, desc)
}

// SourceFetcher retrieves plugin source text from a locator.
type SourceFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// LocatorFetcher reads http(s) URLs over HTTP and everything else from Dir.
type LocatorFetcher struct {
	Dir    string
	Client *http.Client
}

// Fetch implements SourceFetcher.
func (f LocatorFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimPrefix(locator, "lua:")
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		client := f.Client
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", locator, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	}
	path := locator
	if !filepath.IsAbs(path) && f.Dir != "" {
		path = filepath.Join(f.Dir, path)
	}
	return os.ReadFile(path)
}
