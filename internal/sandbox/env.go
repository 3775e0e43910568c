// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/storykit/storykit/internal/observability"
)

// DefaultTimeout bounds a single extension call when the host does not
// configure one.
const DefaultTimeout = 100 * time.Millisecond

// ErrTimeout marks an execution that exceeded its deadline.
var ErrTimeout = errors.New("sandbox execution timed out")

// Compile checks syntax and produces a function prototype without
// executing anything.
func Compile(source, label string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), label)
	if err != nil {
		return nil, oops.In("sandbox").Code("SANDBOX_COMPILE").With("label", label).Wrap(err)
	}
	proto, err := lua.Compile(chunk, label)
	if err != nil {
		return nil, oops.In("sandbox").Code("SANDBOX_COMPILE").With("label", label).Wrap(err)
	}
	return proto, nil
}

// Environment is one extension's Lua state plus execution discipline:
// calls are serialized, deadline-bounded, and classified failures come
// back as errors rather than panics.
//
// Timeout enforcement is two-layered. The state's context deadline
// preempts the VM at instruction boundaries; the worker goroutine lets
// the host return at the deadline even when the VM is stuck inside a
// non-interruptible builtin. In that second case the state is poisoned:
// the stuck goroutine is abandoned and every later call fails fast.
type Environment struct {
	mu      sync.Mutex
	L       *lua.LState
	name    string
	timeout time.Duration
	closed  bool

	// poisoned is atomic because the dispatch fast path must read it
	// without taking mu: after an abandoned worker the busy flag stays
	// set, and nothing may touch the state again.
	poisoned atomic.Bool

	// busy is true while a VM call is in flight. Hook handlers invoked
	// from inside that call reuse the running state directly instead of
	// re-acquiring the lock; dispatch is single-threaded by contract.
	busy atomic.Bool
}

// EnvOption configures an Environment.
type EnvOption func(*envConfig)

type envConfig struct {
	timeout time.Duration
	modules map[string]string
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) EnvOption {
	return func(c *envConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithModules whitelists named Lua modules for require. With no
// modules configured, require does not exist in the environment.
func WithModules(modules map[string]string) EnvOption {
	return func(c *envConfig) {
		c.modules = modules
	}
}

// NewEnvironment builds a sealed execution environment for one
// extension: safe libraries only, globals pruned to the whitelist,
// print and warn routed to the host logger, the host table installed,
// and the strict-globals metatable applied last.
func NewEnvironment(ctx context.Context, hc *HostContext, opts ...EnvOption) (*Environment, error) {
	cfg := envConfig{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	L, err := NewStateFactory().NewState(ctx)
	if err != nil {
		return nil, oops.In("sandbox").With("extension", hc.Name).Wrap(err)
	}

	env := &Environment{
		L:       L,
		name:    hc.Name,
		timeout: cfg.timeout,
	}

	pruneGlobals(L)
	installOutput(L, hc)
	registerHost(L, env, hc)
	if len(cfg.modules) > 0 {
		installRequire(L, cfg.modules)
	}
	sealGlobals(L)

	return env, nil
}

// Close releases the state. A poisoned environment leaves its state to
// the abandoned worker; closing it underneath that goroutine would
// crash the host.
func (e *Environment) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if !e.poisoned.Load() {
		e.L.Close()
	}
}

// Run compiles and executes source under the environment's deadline,
// returning the chunk's return value.
func (e *Environment) Run(ctx context.Context, source, label string) (lua.LValue, error) {
	proto, err := Compile(source, label)
	if err != nil {
		return lua.LNil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return lua.LNil, err
	}
	return e.callLocked(ctx, e.L.NewFunctionFromProto(proto))
}

// Call invokes a Lua function under the environment's deadline.
func (e *Environment) Call(ctx context.Context, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return lua.LNil, err
	}
	return e.callLocked(ctx, fn, args...)
}

func (e *Environment) usableLocked() error {
	if e.closed {
		return oops.In("sandbox").With("extension", e.name).
			Code("SANDBOX_CLOSED").New("environment is closed")
	}
	if e.poisoned.Load() {
		return e.poisonedErr()
	}
	return nil
}

// poisonedErr is the fail-fast error every call sees once the state has
// been abandoned to a stuck worker.
func (e *Environment) poisonedErr() error {
	return oops.In("sandbox").With("extension", e.name).
		Code("SANDBOX_TIMEOUT").
		Hint("a previous call exceeded its deadline inside a non-interruptible operation").
		Wrap(ErrTimeout)
}

type outcome struct {
	value lua.LValue
	err   error
}

// callLocked runs fn on a worker goroutine with a context deadline on
// the state. Caller holds e.mu.
func (e *Environment) callLocked(ctx context.Context, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	e.L.SetContext(callCtx)

	done := make(chan outcome, 1)
	e.busy.Store(true)
	go func() {
		defer e.busy.Store(false)
		err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		ret := e.L.Get(-1)
		e.L.Pop(1)
		done <- outcome{value: ret}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return lua.LNil, e.classify(out.err)
		}
		return out.value, nil
	case <-callCtx.Done():
		// The VM did not observe the cancelled context in time; give it
		// one last beat, then abandon the worker.
		select {
		case out := <-done:
			if out.err != nil {
				return lua.LNil, e.classify(out.err)
			}
			return out.value, nil
		case <-time.After(5 * time.Millisecond):
			e.poisoned.Store(true)
			observability.RecordSandboxTimeout(e.name)
			return lua.LNil, oops.In("sandbox").
				Code("SANDBOX_TIMEOUT").
				With("extension", e.name).
				With("timeout", e.timeout.String()).
				Wrap(ErrTimeout)
		}
	}
}

// classify maps a raw Lua error onto the sandbox failure taxonomy.
func (e *Environment) classify(err error) error {
	errb := oops.In("sandbox").With("extension", e.name)
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded"):
		observability.RecordSandboxTimeout(e.name)
		return errb.Code("SANDBOX_TIMEOUT").With("timeout", e.timeout.String()).
			Wrap(errors.Join(ErrTimeout, err))
	case strings.Contains(msg, "undefined capability"):
		return errb.Code("SANDBOX_CAPABILITY").Wrap(err)
	case strings.Contains(msg, "attempt to create global"):
		return errb.Code("SANDBOX_GLOBAL").Wrap(err)
	default:
		return errb.Code("SANDBOX_RUNTIME").Wrap(err)
	}
}

// callNested invokes fn on the already-running state. Only valid while
// busy: the outer call owns the lock and the deadline.
func (e *Environment) callNested(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	if err != nil {
		return lua.LNil, e.classify(err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return ret, nil
}

// installRequire adds a require function restricted to whitelisted
// modules, with the usual load-once caching.
func installRequire(L *lua.LState, modules map[string]string) {
	loaded := L.NewTable()
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if cached := loaded.RawGetString(name); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		source, ok := modules[name]
		if !ok {
			L.RaiseError("module '%s' is not whitelisted", name)
			return 0
		}
		proto, err := Compile(source, name)
		if err != nil {
			L.RaiseError("module '%s': %s", name, err.Error())
			return 0
		}

		L.Push(L.NewFunctionFromProto(proto))
		if err := L.PCall(0, 1, nil); err != nil {
			L.RaiseError("module '%s': %s", name, err.Error())
			return 0
		}
		ret := L.Get(-1)
		L.Pop(1)
		if ret == lua.LNil {
			ret = lua.LTrue
		}
		loaded.RawSetString(name, ret)
		L.Push(ret)
		return 1
	}))
}
