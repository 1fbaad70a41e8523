package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaLoader loads plugins written in Lua into a restricted interpreter.
// A script defines the globals init(plugin) and destroy(); both are optional.
type LuaLoader struct {
	Fetcher SourceFetcher
	// LoadTimeout bounds evaluation of the script body.
	LoadTimeout time.Duration
}

// Load implements Loader. The source is fetched eagerly; evaluation happens at Init.
func (l LuaLoader) Load(ctx context.Context, desc Descriptor) (Module, error) {
	fetcher := l.Fetcher
	if fetcher == nil {
		fetcher = LocatorFetcher{}
	}
	src, err := fetcher.Fetch(ctx, desc.Main)
	if err != nil {
		return nil, loadFailed(desc, err)
	}
	timeout := l.LoadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &luaModule{name: desc.ID, source: string(src), loadTimeout: timeout}, nil
}

type luaModule struct {
	mu          sync.Mutex
	name        string
	source      string
	loadTimeout time.Duration
	L           *lua.LState
}

func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring", "require", "module",
		"rawequal", "rawget", "rawset", "getmetatable", "setmetatable", "collectgarbage",
	} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (m *luaModule) Init(ctx context.Context, api *API) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.L = newLuaState()
	defer func() {
		if err != nil {
			m.L.Close()
			m.L = nil
		}
	}()
	table := m.pluginTable(api)

	loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()
	m.L.SetContext(loadCtx)
	if err := m.L.DoString(m.source); err != nil {
		if errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("lua plugin %s: load timed out after %s", m.name, m.loadTimeout)
		}
		return fmt.Errorf("lua plugin %s: %w", m.name, err)
	}
	return m.callGlobal(loadCtx, "init", table)
}

func (m *luaModule) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return nil
	}
	err := m.callGlobal(ctx, "destroy")
	m.L.Close()
	m.L = nil
	return err
}

// callGlobal calls a global function if it is defined. Caller holds m.mu.
func (m *luaModule) callGlobal(ctx context.Context, name string, args ...lua.LValue) error {
	fn, ok := m.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	m.L.SetContext(ctx)
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		return fmt.Errorf("lua plugin %s: %s: %w", m.name, name, err)
	}
	return nil
}

// call invokes fn with data and returns its single result converted to Go.
// A nil result leaves data unchanged.
func (m *luaModule) call(ctx context.Context, fn *lua.LFunction, data any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return nil, fmt.Errorf("lua plugin %s is not initialised", m.name)
	}
	m.L.SetContext(ctx)
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, toLua(m.L, data)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lua plugin %s: %w", m.name, err)
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	if ret == lua.LNil {
		return data, nil
	}
	return fromLua(ret), nil
}

func (m *luaModule) pluginTable(api *API) *lua.LTable {
	L := m.L
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(api.ID()))
	L.SetField(t, "version", lua.LString(api.Descriptor().Version))

	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		api.Logger().Info(L.CheckString(1), "source", "lua")
		return 0
	}))
	L.SetField(t, "emit", L.NewFunction(func(L *lua.LState) int {
		payload, _ := fromLua(L.OptTable(2, L.NewTable())).(map[string]any)
		api.Emit(L.CheckString(1), payload)
		return 0
	}))
	L.SetField(t, "hook", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		priority := L.OptInt(3, 10)
		id, err := api.RegisterHook(name, priority, func(ctx context.Context, data any, _ Next) (any, error) {
			return m.call(ctx, fn, data)
		})
		return pushResult(L, lua.LString(id), err)
	}))
	L.SetField(t, "middleware", L.NewFunction(func(L *lua.LState) int {
		kind := MiddlewareType(L.CheckString(1))
		fn := L.CheckFunction(2)
		priority := L.OptInt(3, 10)
		id, err := api.RegisterMiddleware(kind, priority, func(ctx context.Context, data any, next Next) (any, error) {
			out, err := m.call(ctx, fn, data)
			if err != nil {
				return nil, err
			}
			return next(ctx, out)
		})
		return pushResult(L, lua.LString(id), err)
	}))
	L.SetField(t, "storage_get", L.NewFunction(func(L *lua.LState) int {
		v, _, err := api.Capabilities().StorageGet(L.Context(), L.CheckString(1))
		return pushResult(L, toLua(L, v), err)
	}))
	L.SetField(t, "storage_set", L.NewFunction(func(L *lua.LState) int {
		err := api.Capabilities().StorageSet(L.Context(), L.CheckString(1), fromLua(L.Get(2)))
		return pushResult(L, lua.LTrue, err)
	}))
	return t
}

// pushResult follows the Lua convention of returning value or nil, message.
func pushResult(L *lua.LState, v lua.LValue, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(v)
	return 1
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, s := range val {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func fromLua(lv lua.LValue) any {
	return fromLuaVisited(lv, map[*lua.LTable]bool{})
}

func fromLuaVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, fromLuaVisited(t.RawGetInt(i), visited))
		}
		return arr
	}
	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLuaVisited(v, visited)
	})
	return out
}
