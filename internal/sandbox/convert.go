// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value into the closest Lua value. Maps and
// slices become tables; unsupported types fall back to their string
// form.
func goToLua(L *lua.LState, v any) lua.LValue {
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
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into a plain Go value. Tables with a
// contiguous array part become []any; everything else becomes
// map[string]any.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(t *lua.LTable) any {
	arrayLen := t.Len()
	isArray := arrayLen > 0
	size := 0
	t.ForEach(func(k, _ lua.LValue) {
		size++
		if _, ok := k.(lua.LNumber); !ok {
			isArray = false
		}
	})

	if isArray && size == arrayLen {
		out := make([]any, 0, arrayLen)
		for i := 1; i <= arrayLen; i++ {
			out = append(out, luaToGo(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any, size)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}
