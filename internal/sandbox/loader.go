// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package sandbox

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/hooks"
)

// LoadExtension evaluates an extension's entry chunk inside a fresh
// environment and assembles its descriptor. The chunk must return a
// table; recognized fields:
//
//	on_load, on_init, on_enable, on_disable, on_destroy  lifecycle callbacks
//	hooks  array of {event=, priority=, fn=}             hook bindings
//	api    table of name -> function                     exported functions
//
// on_load runs immediately, still under the load deadline. The
// environment lives as long as the extension; the descriptor's Teardown
// closes it.
func LoadExtension(ctx context.Context, source []byte, m *extension.Manifest, hc *HostContext, opts ...EnvOption) (*extension.Descriptor, error) {
	errb := oops.In("sandbox").With("extension", m.Name)

	scoped := *hc
	scoped.Name = m.Name
	scoped.Version = m.Version

	env, err := NewEnvironment(ctx, &scoped, opts...)
	if err != nil {
		return nil, err
	}

	ret, err := env.Run(ctx, string(source), m.Name)
	if err != nil {
		env.Close()
		return nil, err
	}

	table, ok := ret.(*lua.LTable)
	if !ok {
		env.Close()
		return nil, errb.Code("DESCRIPTOR_INVALID").
			Errorf("entry chunk must return a descriptor table, got %s", ret.Type())
	}

	d := &extension.Descriptor{
		Name:         m.Name,
		Version:      m.Version,
		Dependencies: m.Dependencies,
		Capabilities: m.Capabilities,
		Teardown:     env.Close,
	}

	d.Callbacks = extension.Callbacks{
		OnLoad:    callback(env, table, "on_load"),
		OnInit:    callback(env, table, "on_init"),
		OnEnable:  callback(env, table, "on_enable"),
		OnDisable: callback(env, table, "on_disable"),
		OnDestroy: callback(env, table, "on_destroy"),
	}

	if d.Hooks, err = hookBindings(env, table); err != nil {
		env.Close()
		return nil, errb.Code("DESCRIPTOR_INVALID").Wrap(err)
	}
	if d.API, err = apiFuncs(env, table); err != nil {
		env.Close()
		return nil, errb.Code("DESCRIPTOR_INVALID").Wrap(err)
	}

	if err := extension.ValidateDescriptor(d); err != nil {
		env.Close()
		return nil, errb.Code("DESCRIPTOR_INVALID").Wrap(err)
	}

	if d.Callbacks.OnLoad != nil {
		if err := d.Callbacks.OnLoad(ctx); err != nil {
			env.Close()
			return nil, err
		}
	}

	return d, nil
}

// callback wraps a lifecycle function from the descriptor table, or
// returns nil when absent.
func callback(env *Environment, table *lua.LTable, field string) extension.Callback {
	fn, ok := table.RawGetString(field).(*lua.LFunction)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		_, err := env.Call(ctx, fn)
		return err
	}
}

// hookBindings reads the hooks array from the descriptor table.
func hookBindings(env *Environment, table *lua.LTable) ([]extension.HookBinding, error) {
	raw := table.RawGetString("hooks")
	if raw == lua.LNil {
		return nil, nil
	}
	list, ok := raw.(*lua.LTable)
	if !ok {
		return nil, oops.Errorf("hooks must be an array, got %s", raw.Type())
	}

	var bindings []extension.HookBinding
	var parseErr error
	index := 0
	list.ForEach(func(_, v lua.LValue) {
		index++
		if parseErr != nil {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			parseErr = oops.Errorf("hooks[%d]: expected table, got %s", index, v.Type())
			return
		}

		event := entry.RawGetString("event")
		if event.Type() != lua.LTString {
			parseErr = oops.Errorf("hooks[%d]: missing event name", index)
			return
		}
		fn, ok := entry.RawGetString("fn").(*lua.LFunction)
		if !ok {
			parseErr = oops.Errorf("hooks[%d] (%s): fn is not a function", index, event.String())
			return
		}

		priority := hooks.DefaultPriority
		if p, ok := entry.RawGetString("priority").(lua.LNumber); ok {
			priority = int(p)
		}

		bindings = append(bindings, extension.HookBinding{
			Event:    event.String(),
			Priority: priority,
			Fn:       env.Handler(fn),
		})
	})
	return bindings, parseErr
}

// apiFuncs reads the api table from the descriptor table.
func apiFuncs(env *Environment, table *lua.LTable) (map[string]extension.APIFunc, error) {
	raw := table.RawGetString("api")
	if raw == lua.LNil {
		return nil, nil
	}
	apiTable, ok := raw.(*lua.LTable)
	if !ok {
		return nil, oops.Errorf("api must be a table, got %s", raw.Type())
	}

	api := make(map[string]extension.APIFunc)
	var parseErr error
	apiTable.ForEach(func(k, v lua.LValue) {
		if parseErr != nil {
			return
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			parseErr = oops.Errorf("api.%s is not a function", k.String())
			return
		}
		handler := env.Handler(fn)
		api[k.String()] = func(args ...any) (any, error) {
			return handler(args...)
		}
	})
	return api, parseErr
}
