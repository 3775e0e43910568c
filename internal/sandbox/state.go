// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package sandbox provides a sandboxed Lua runtime for extension
// execution: restricted states, strict globals, capability-gated host
// functions, and deadline-enforced calls.
package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in a
// sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked.
// They reach the filesystem or evaluate arbitrary code, which breaks
// sandboxing.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// globalWhitelist is the set of globals an extension may read. Anything
// else raises an undefined-capability error through the strict-globals
// metatable. print, warn, and host are installed by the environment
// before the metatable goes on.
var globalWhitelist = map[string]bool{
	"_G":       true,
	"_VERSION": true,
	"assert":   true,
	"error":    true,
	"ipairs":   true,
	"next":     true,
	"pairs":    true,
	"pcall":    true,
	"select":   true,
	"tonumber": true,
	"tostring": true,
	"type":     true,
	"unpack":   true,
	"xpcall":   true,
	"string":   true,
	"table":    true,
	"math":     true,
	"print":    true,
	"warn":     true,
	"host":     true,
	"require":  true,
}

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded
// and the unsafe base functions removed. The globals table is not yet
// strict; the environment seals it after installing host functions.
func (f *StateFactory) NewState(_ context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}

// pruneGlobals removes every global outside the whitelist so the
// strict metatable can catch later reads of the removed names.
func pruneGlobals(L *lua.LState) {
	globals := L.Get(lua.GlobalsIndex).(*lua.LTable)

	var drop []string
	globals.ForEach(func(k, _ lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		if !globalWhitelist[string(name)] {
			drop = append(drop, string(name))
		}
	})
	for _, name := range drop {
		globals.RawSetString(name, lua.LNil)
	}
}

// sealGlobals installs the strict-globals metatable: reading an unknown
// global raises an undefined-capability error, writing a new global is
// rejected outright. Extensions communicate through locals and the
// returned descriptor table.
func sealGlobals(L *lua.LState) {
	globals := L.Get(lua.GlobalsIndex).(*lua.LTable)

	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		name := L.Get(2).String()
		L.RaiseError("undefined capability '%s'", name)
		return 0
	}))
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		name := L.Get(2).String()
		L.RaiseError("attempt to create global '%s'", name)
		return 0
	}))
	L.SetMetatable(globals, mt)
}
