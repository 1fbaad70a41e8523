package plugin

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type sourceMap map[string]string

func (s sourceMap) Fetch(_ context.Context, locator string) ([]byte, error) {
	src, ok := s[locator]
	if !ok {
		return nil, fmt.Errorf("no source for %s", locator)
	}
	return []byte(src), nil
}

const bannerScript = `
local count = 0

function init(plugin)
  plugin.hook("before_page_load", function(data)
    count = count + 1
    data.banner = "hello from " .. plugin.id
    data.views = count
    return data
  end, 5)
  plugin.middleware("request", function(req)
    req.headers = { "x-banner" }
    return req
  end)
  plugin.storage_set("greeting", "hi")
  plugin.emit("banner_ready", { version = plugin.version })
end

function destroy()
  count = 0
end
`

func luaHarness(t *testing.T, sources sourceMap, entries ...CatalogEntry) *testHarness {
	t.Helper()
	h := &testHarness{
		catalog: &StaticCatalog{Entries: entries},
		loader:  NewStaticLoader(),
		store:   newMemStore(),
	}
	lua := LuaLoader{Fetcher: sources, LoadTimeout: 200 * time.Millisecond}
	h.m = h.build(t, nil, WithLoader(MuxLoader{Lua: lua}))
	return h
}

func luaEntry(id string) CatalogEntry {
	e := entry(id, "1.0.0")
	e.Main = "lua:" + id + ".lua"
	return e
}

func TestLuaPluginHooksAndStorage(t *testing.T) {
	h := luaHarness(t, sourceMap{"lua:banner.lua": bannerScript}, luaEntry("banner"))
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "banner", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	got := h.m.ExecuteHook(ctx, HookBeforePageLoad, map[string]any{"page": "home"})
	want := map[string]any{"page": "home", "banner": "hello from banner", "views": int64(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("hook result mismatch (-want +got):\n%s", diff)
	}

	out, err := h.m.ExecuteMiddleware(ctx, MiddlewareRequest, map[string]any{"path": "/"}, nil)
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
	wantReq := map[string]any{"path": "/", "headers": []any{"x-banner"}}
	if diff := cmp.Diff(wantReq, out); diff != "" {
		t.Fatalf("middleware result mismatch (-want +got):\n%s", diff)
	}

	raw, ok, _ := h.store.Get(ctx, StorageKey("banner"))
	if !ok || string(raw) != `{"greeting":"hi"}` {
		t.Fatalf("unexpected plugin storage %s", raw)
	}
	if diff := cmp.Diff([]string{"banner"}, h.named("banner_ready")); diff != "" {
		t.Fatalf("custom event mismatch (-want +got):\n%s", diff)
	}
	if err := h.m.Uninstall(ctx, "banner", false); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
}

func TestLuaSandboxRejectsUnsafeGlobals(t *testing.T) {
	sources := sourceMap{
		"lua:escape.lua": `local io = require("io")`,
		"lua:spin.lua":   `while true do end`,
		"lua:bad.lua":    `function init(plugin) error("refusing") end`,
	}
	h := luaHarness(t, sources, luaEntry("escape"), luaEntry("spin"), luaEntry("bad"))
	ctx := context.Background()
	for _, id := range []string{"escape", "spin", "bad"} {
		_, err := h.m.Install(ctx, id, InstallOptions{})
		if !errors.Is(err, ErrLoadFailed) {
			t.Errorf("%s: expected load failure, got %v", id, err)
		}
		if h.m.IsInstalled(id) {
			t.Errorf("%s should not be installed", id)
		}
	}
	if _, err := h.m.Install(ctx, "missing", InstallOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLuaValueConversion(t *testing.T) {
	L := newLuaState()
	defer L.Close()
	in := map[string]any{
		"name":  "x",
		"ratio": 0.5,
		"tags":  []string{"a", "b"},
		"nest":  map[string]any{"ok": true},
	}
	got := fromLua(toLua(L, in))
	want := map[string]any{
		"name":  "x",
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"nest":  map[string]any{"ok": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("conversion mismatch (-want +got):\n%s", diff)
	}
}
