// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package sandbox

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/hooks"
	"github.com/storykit/storykit/internal/store"
)

// VarStore is the story variable state the host exposes to extensions.
type VarStore interface {
	Get(name string) any
	Set(name string, value any)
}

// RegistryView is the read-only registry surface extensions see.
type RegistryView interface {
	List() []extension.Info
	Call(name, fn string, args ...any) (any, error)
}

// HookService is the hook surface extensions register against and emit
// through.
type HookService interface {
	Register(event string, fn hooks.Handler, priority int, owner string) string
	Unregister(id string) bool
	Emit(event string, value any, args ...any) (any, []hooks.Result)
}

// HostContext carries the identity and the granted services one
// extension's environment is built around. Nil services make the
// matching host functions report unavailability; a nil Grants enforcer
// disables capability checks entirely (tests only — production hosts
// always pass one).
type HostContext struct {
	Name    string
	Version string
	Logger  *slog.Logger

	Vars     VarStore
	Storage  store.Store
	Registry RegistryView
	Hooks    HookService
	Grants   *capability.Enforcer
}

func (hc *HostContext) logger() *slog.Logger {
	if hc.Logger != nil {
		return hc.Logger
	}
	return slog.Default()
}

// installOutput routes print and warn to the host logger so extension
// output lands in structured logs rather than stdout.
func installOutput(L *lua.LState, hc *HostContext) {
	logger := hc.logger().With("extension", hc.Name)

	emit := func(level slog.Level) lua.LGFunction {
		return func(L *lua.LState) int {
			top := L.GetTop()
			parts := make([]string, 0, top)
			for i := 1; i <= top; i++ {
				parts = append(parts, L.Get(i).String())
			}
			msg := ""
			for i, p := range parts {
				if i > 0 {
					msg += "\t"
				}
				msg += p
			}
			logger.Log(context.Background(), level, msg)
			return 0
		}
	}

	L.SetGlobal("print", L.NewFunction(emit(slog.LevelInfo)))
	L.SetGlobal("warn", L.NewFunction(emit(slog.LevelWarn)))
}

// registerHost installs the host table: the single surface through
// which an extension reaches the engine. Sensitive functions are
// capability-gated; a denied call raises in Lua and is catchable with
// pcall.
func registerHost(L *lua.LState, env *Environment, hc *HostContext) {
	mod := L.NewTable()

	L.SetField(mod, "name", lua.LString(hc.Name))
	L.SetField(mod, "version", lua.LString(hc.Version))

	// No capability required.
	L.SetField(mod, "new_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}))

	L.SetField(mod, "log", L.NewFunction(gate(hc, capability.Log, logFn(hc))))

	L.SetField(mod, "state_get", L.NewFunction(gate(hc, capability.StateRead, stateGetFn(hc))))
	L.SetField(mod, "state_set", L.NewFunction(gate(hc, capability.StateWrite, stateSetFn(hc))))

	L.SetField(mod, "storage_get", L.NewFunction(gate(hc, capability.StorageRead, storageGetFn(hc))))
	L.SetField(mod, "storage_set", L.NewFunction(gate(hc, capability.StorageWrite, storageSetFn(hc))))
	L.SetField(mod, "storage_delete", L.NewFunction(gate(hc, capability.StorageWrite, storageDeleteFn(hc))))
	L.SetField(mod, "storage_keys", L.NewFunction(gate(hc, capability.StorageRead, storageKeysFn(hc))))

	L.SetField(mod, "extensions", L.NewFunction(gate(hc, capability.RegistryRead, extensionsFn(hc))))
	L.SetField(mod, "call", L.NewFunction(gate(hc, capability.RegistryRead, callFn(hc))))

	L.SetField(mod, "hooks_register", L.NewFunction(gate(hc, capability.HooksRegister, hooksRegisterFn(env, hc))))
	L.SetField(mod, "hooks_unregister", L.NewFunction(gate(hc, capability.HooksRegister, hooksUnregisterFn(hc))))
	L.SetField(mod, "emit", L.NewFunction(gate(hc, capability.HooksEmit, emitFn(hc))))

	L.SetGlobal("host", mod)
}

// gate wraps a host function with a capability check.
func gate(hc *HostContext, tag string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if hc.Grants != nil && !hc.Grants.Check(hc.Name, tag) {
			L.RaiseError("capability denied: %s requires %s", hc.Name, tag)
			return 0
		}
		return fn(L)
	}
}

func luaCtx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func logFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := hc.logger().With("extension", hc.Name)
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

func stateGetFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if hc.Vars == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, hc.Vars.Get(name)))
		return 1
	}
}

func stateSetFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		value := L.Get(2)
		if hc.Vars == nil {
			L.RaiseError("state is not available")
			return 0
		}
		hc.Vars.Set(name, luaToGo(value))
		return 0
	}
}

func storageGetFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if hc.Storage == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("storage not available"))
			return 2
		}

		value, err := hc.Storage.Get(luaCtx(L), hc.Name, key)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if value == nil {
			L.Push(lua.LNil)
			L.Push(lua.LNil) // no error, just not found
			return 2
		}
		L.Push(lua.LString(value))
		L.Push(lua.LNil)
		return 2
	}
}

func storageSetFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)
		if hc.Storage == nil {
			L.Push(lua.LString("storage not available"))
			return 1
		}
		if err := hc.Storage.Set(luaCtx(L), hc.Name, key, []byte(value)); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func storageDeleteFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if hc.Storage == nil {
			L.Push(lua.LString("storage not available"))
			return 1
		}
		if err := hc.Storage.Delete(luaCtx(L), hc.Name, key); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func storageKeysFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		if hc.Storage == nil {
			L.Push(L.NewTable())
			return 1
		}
		keys, err := hc.Storage.Keys(luaCtx(L), hc.Name)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		t := L.NewTable()
		for _, k := range keys {
			t.Append(lua.LString(k))
		}
		L.Push(t)
		return 1
	}
}

func extensionsFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.NewTable()
		if hc.Registry == nil {
			L.Push(t)
			return 1
		}
		for _, info := range hc.Registry.List() {
			row := L.NewTable()
			L.SetField(row, "name", lua.LString(info.Name))
			L.SetField(row, "version", lua.LString(info.Version))
			L.SetField(row, "state", lua.LString(info.State.String()))
			t.Append(row)
		}
		L.Push(t)
		return 1
	}
}

func callFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckString(2)
		if hc.Registry == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("registry not available"))
			return 2
		}

		args := make([]any, 0, L.GetTop()-2)
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, luaToGo(L.Get(i)))
		}

		result, err := hc.Registry.Call(name, fn, args...)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(goToLua(L, result))
		L.Push(lua.LNil)
		return 2
	}
}

func hooksRegisterFn(env *Environment, hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		event := L.CheckString(1)
		fn := L.CheckFunction(2)
		priority := hooks.DefaultPriority
		if L.GetTop() >= 3 {
			priority = int(L.CheckNumber(3))
		}
		if hc.Hooks == nil {
			L.RaiseError("hooks not available")
			return 0
		}

		id := hc.Hooks.Register(event, env.Handler(fn), priority, hc.Name)
		L.Push(lua.LString(id))
		return 1
	}
}

func hooksUnregisterFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		if hc.Hooks == nil {
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(hc.Hooks.Unregister(id)))
		return 1
	}
}

func emitFn(hc *HostContext) lua.LGFunction {
	return func(L *lua.LState) int {
		event := L.CheckString(1)
		if hc.Hooks == nil {
			L.RaiseError("hooks not available")
			return 0
		}

		var value any
		if L.GetTop() >= 2 {
			value = luaToGo(L.Get(2))
		}
		args := make([]any, 0)
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, luaToGo(L.Get(i)))
		}

		final, _ := hc.Hooks.Emit(event, value, args...)
		L.Push(goToLua(L, final))
		return 1
	}
}

// Handler wraps a Lua function into a hook handler. Invocations that
// arrive while this environment is already executing reuse the running
// state; everything else goes through the usual serialized,
// deadline-bounded path. A poisoned environment fails fast before
// either path: busy stays set after a worker is abandoned, so the
// nested path alone cannot tell a re-entrant dispatch from a state a
// stuck goroutine still owns.
func (e *Environment) Handler(fn *lua.LFunction) hooks.Handler {
	return func(args ...any) (any, error) {
		if e.poisoned.Load() {
			return nil, e.poisonedErr()
		}
		if e.busy.Load() {
			luaArgs := make([]lua.LValue, len(args))
			for i, a := range args {
				luaArgs[i] = goToLua(e.L, a)
			}
			ret, err := e.callNested(fn, luaArgs...)
			if err != nil {
				return nil, err
			}
			return luaToGo(ret), nil
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.usableLocked(); err != nil {
			return nil, err
		}
		luaArgs := make([]lua.LValue, len(args))
		for i, a := range args {
			luaArgs[i] = goToLua(e.L, a)
		}
		ret, err := e.callLocked(context.Background(), fn, luaArgs...)
		if err != nil {
			return nil, err
		}
		return luaToGo(ret), nil
	}
}
