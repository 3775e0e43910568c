// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package extension

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/extension/resolver"
	"github.com/storykit/storykit/internal/hooks"
)

// validTransitions maps each state to the states reachable from it.
// Destruction is reachable from every non-terminal state except enabled,
// which must pass through disabled first so its hooks are detached by
// the normal path.
var validTransitions = map[State][]State{
	StateLoaded:      {StateInitialized, StateDestroyed},
	StateInitialized: {StateEnabled, StateDestroyed},
	StateEnabled:     {StateDisabled},
	StateDisabled:    {StateEnabled, StateDestroyed},
	StateError:       {StateDestroyed},
}

// Info is a point-in-time view of a registered extension, safe to hold
// after the registry lock is released.
type Info struct {
	Name         string
	Version      string
	State        State
	Capabilities []string
	Err          error
}

// BatchResult reports the outcome of one extension in a batch
// transition.
type BatchResult struct {
	Name string
	Err  error
}

// TransitionRecorder receives lifecycle statistics. Implemented by the
// observability metrics; a nil recorder disables recording.
type TransitionRecorder interface {
	RecordTransition(name string, from, to State, err error)
}

// Registry tracks every loaded extension and drives its lifecycle.
// Lifecycle callbacks run outside the registry lock, so a slow or
// re-entrant callback never blocks reads. Transitions themselves are
// serialized.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // registration order, drives resolution tie-breaks

	// transMu serializes lifecycle transitions so two concurrent
	// Transition calls cannot interleave callback and commit.
	transMu sync.Mutex

	hooks    *hooks.Manager
	enforcer *capability.Enforcer
	logger   *slog.Logger
	recorder TransitionRecorder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEnforcer wires a capability enforcer so grants follow
// registration and destruction.
func WithEnforcer(e *capability.Enforcer) RegistryOption {
	return func(r *Registry) {
		r.enforcer = e
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithTransitionRecorder wires lifecycle metrics into the registry.
func WithTransitionRecorder(rec TransitionRecorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// NewRegistry creates a registry dispatching through the given hook
// manager.
func NewRegistry(hookMgr *hooks.Manager, opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		hooks:   hookMgr,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates a descriptor and adds it in state loaded. Grants
// are installed immediately so capability checks during on_load already
// see them.
func (r *Registry) Register(d *Descriptor) error {
	errb := oops.In("registry")

	if err := ValidateDescriptor(d); err != nil {
		return errb.Code("DESCRIPTOR_INVALID").Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[d.Name]; exists {
		return errb.Code("DUPLICATE_EXTENSION").
			With("name", d.Name).
			Errorf("extension %q is already registered", d.Name)
	}

	if r.enforcer != nil {
		if err := r.enforcer.SetGrants(d.Name, d.Capabilities); err != nil {
			return errb.Code("GRANTS_INVALID").With("name", d.Name).Wrap(err)
		}
	}

	r.records[d.Name] = &Record{Descriptor: d, State: StateLoaded}
	r.order = append(r.order, d.Name)

	r.logger.Info("extension registered",
		"name", d.Name,
		"version", d.Version,
		"capabilities", len(d.Capabilities))
	return nil
}

// Unregister forcibly removes an extension regardless of state,
// detaching its hooks, dropping its grants, and running its teardown.
// Prefer a destroy transition; this is the escape hatch for records
// whose callbacks can no longer run.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return oops.In("registry").Code("EXTENSION_NOT_FOUND").
			With("name", name).
			Errorf("extension %q is not registered", name)
	}
	r.hooks.ClearOwner(name)
	if r.enforcer != nil {
		r.enforcer.RemoveGrants(name)
	}
	teardown := rec.Descriptor.Teardown
	delete(r.records, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	r.logger.Info("extension unregistered", "name", name)
	return nil
}

// Get returns a snapshot of one extension.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return Info{}, false
	}
	return infoOf(rec), true
}

// List returns snapshots of every extension in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		if rec, ok := r.records[name]; ok {
			out = append(out, infoOf(rec))
		}
	}
	return out
}

// ListByState returns snapshots of extensions currently in the given
// state, in registration order.
func (r *Registry) ListByState(s State) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, name := range r.order {
		if rec, ok := r.records[name]; ok && rec.State == s {
			out = append(out, infoOf(rec))
		}
	}
	return out
}

// GetFailed returns snapshots of extensions in the error state.
func (r *Registry) GetFailed() []Info {
	return r.ListByState(StateError)
}

// Call invokes a function an enabled extension exposes through its API
// map.
func (r *Registry) Call(name, fn string, args ...any) (any, error) {
	errb := oops.In("registry").With("name", name).With("fn", fn)

	r.mu.RLock()
	rec, ok := r.records[name]
	var apiFn APIFunc
	if ok {
		if rec.State != StateEnabled {
			state := rec.State
			r.mu.RUnlock()
			return nil, errb.Code("EXTENSION_NOT_ENABLED").
				Errorf("extension %q is %s, not enabled", name, state)
		}
		apiFn = rec.Descriptor.API[fn]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, errb.Code("EXTENSION_NOT_FOUND").
			Errorf("extension %q is not registered", name)
	}
	if apiFn == nil {
		return nil, errb.Code("API_NOT_FOUND").
			Errorf("extension %q exposes no function %q", name, fn)
	}
	return apiFn(args...)
}

// ActivationOrder resolves the registered extensions into a dependency
// order: every extension appears after everything it depends on.
func (r *Registry) ActivationOrder() ([]string, error) {
	r.mu.RLock()
	specs := make([]resolver.Spec, 0, len(r.order))
	for _, name := range r.order {
		rec := r.records[name]
		specs = append(specs, resolver.Spec{
			Name:         rec.Descriptor.Name,
			Version:      rec.Descriptor.Version,
			Dependencies: rec.Descriptor.Dependencies,
		})
	}
	r.mu.RUnlock()

	return resolver.Resolve(specs)
}

// Transition moves one extension to the target state, running the
// matching lifecycle callback. On callback failure the record moves to
// the error state, an extension.error event fires, and the failure is
// retained on the record.
func (r *Registry) Transition(ctx context.Context, name string, target State) error {
	r.transMu.Lock()
	defer r.transMu.Unlock()
	return r.transitionLocked(ctx, name, target)
}

// transitionLocked performs one transition while transMu is held.
func (r *Registry) transitionLocked(ctx context.Context, name string, target State) error {
	errb := oops.In("registry").With("name", name).With("target", target.String())

	r.mu.RLock()
	rec, ok := r.records[name]
	var from State
	var d *Descriptor
	if ok {
		from = rec.State
		d = rec.Descriptor
	}
	r.mu.RUnlock()

	if !ok {
		return errb.Code("EXTENSION_NOT_FOUND").
			Errorf("extension %q is not registered", name)
	}
	if !transitionAllowed(from, target) {
		return errb.Code("INVALID_TRANSITION").
			With("from", from.String()).
			Errorf("cannot transition %q from %s to %s", name, from, target)
	}

	// Callback runs outside the registry lock. Re-entrant calls into the
	// registry (an on_enable handler listing extensions, say) must not
	// deadlock.
	if cb := callbackFor(d, target); cb != nil {
		if err := cb(ctx); err != nil {
			r.fail(name, from, target, err)
			return errb.Code("CALLBACK_FAILED").
				With("from", from.String()).
				Wrap(err)
		}
	}

	r.commit(name, from, target)
	if r.recorder != nil {
		r.recorder.RecordTransition(name, from, target, nil)
	}
	return nil
}

// callbackFor picks the lifecycle callback for a target state.
func callbackFor(d *Descriptor, target State) Callback {
	switch target {
	case StateInitialized:
		return d.Callbacks.OnInit
	case StateEnabled:
		return d.Callbacks.OnEnable
	case StateDisabled:
		return d.Callbacks.OnDisable
	case StateDestroyed:
		return d.Callbacks.OnDestroy
	default:
		return nil
	}
}

// transitionAllowed checks the lifecycle table.
func transitionAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// fail moves a record into the error state after a callback failure and
// announces it on the extension.error event.
func (r *Registry) fail(name string, from, target State, cause error) {
	r.mu.Lock()
	if rec, ok := r.records[name]; ok {
		rec.State = StateError
		rec.Err = cause
		// A failed enable may have partially registered hooks via the
		// callback; detach anything tagged with this owner.
		r.hooks.ClearOwner(name)
		rec.hookIDs = nil
	}
	r.mu.Unlock()

	r.logger.Error("lifecycle transition failed",
		"name", name,
		"from", from.String(),
		"to", target.String(),
		"error", cause)
	if r.recorder != nil {
		r.recorder.RecordTransition(name, from, target, cause)
	}
	r.hooks.Trigger(hooks.EventExtensionError, name, target.String(), cause.Error())
}

// commit applies the side effects of a successful transition and
// records the new state.
func (r *Registry) commit(name string, from, target State) {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	var teardown func()
	switch target {
	case StateEnabled:
		for _, hb := range rec.Descriptor.Hooks {
			id := r.hooks.Register(hb.Event, hb.Fn, hb.Priority, name)
			rec.hookIDs = append(rec.hookIDs, id)
		}
	case StateDisabled:
		r.hooks.ClearOwner(name)
		rec.hookIDs = nil
	case StateDestroyed:
		r.hooks.ClearOwner(name)
		rec.hookIDs = nil
		if r.enforcer != nil {
			r.enforcer.RemoveGrants(name)
		}
		teardown = rec.Descriptor.Teardown
		delete(r.records, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	if target != StateDestroyed {
		rec.State = target
		rec.Err = nil
	}
	r.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	r.logger.Info("extension transitioned",
		"name", name,
		"from", from.String(),
		"to", target.String())
}

// InitializeAll runs on_init for every loaded extension in dependency
// order. One failing extension is recorded and skipped; the rest
// proceed.
func (r *Registry) InitializeAll(ctx context.Context) ([]BatchResult, error) {
	return r.batch(ctx, StateLoaded, StateInitialized, false)
}

// EnableAll enables every initialized extension in dependency order.
func (r *Registry) EnableAll(ctx context.Context) ([]BatchResult, error) {
	return r.batch(ctx, StateInitialized, StateEnabled, false)
}

// DisableAll disables every enabled extension in reverse dependency
// order, so dependents shut down before their dependencies.
func (r *Registry) DisableAll(ctx context.Context) ([]BatchResult, error) {
	return r.batch(ctx, StateEnabled, StateDisabled, true)
}

// DestroyAll tears down every remaining extension in reverse dependency
// order, disabling enabled ones first.
func (r *Registry) DestroyAll(ctx context.Context) ([]BatchResult, error) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	order, err := r.ActivationOrder()
	if err != nil {
		return nil, err
	}

	var results []BatchResult
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		info, ok := r.Get(name)
		if !ok {
			continue
		}
		if info.State == StateEnabled {
			if err := r.transitionLocked(ctx, name, StateDisabled); err != nil {
				results = append(results, BatchResult{Name: name, Err: err})
				// Error state still permits destruction.
			}
		}
		results = append(results, BatchResult{
			Name: name,
			Err:  r.transitionLocked(ctx, name, StateDestroyed),
		})
	}
	return results, nil
}

// batch transitions every extension currently in from to target,
// walking the dependency order (reversed when reverse is set) and
// collecting per-extension outcomes without aborting.
func (r *Registry) batch(ctx context.Context, from, target State, reverse bool) ([]BatchResult, error) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	order, err := r.ActivationOrder()
	if err != nil {
		return nil, err
	}
	if reverse {
		reversed := make([]string, len(order))
		for i, name := range order {
			reversed[len(order)-1-i] = name
		}
		order = reversed
	}

	var results []BatchResult
	for _, name := range order {
		info, ok := r.Get(name)
		if !ok || info.State != from {
			continue
		}
		results = append(results, BatchResult{
			Name: name,
			Err:  r.transitionLocked(ctx, name, target),
		})
	}
	return results, nil
}

func infoOf(rec *Record) Info {
	caps := make([]string, len(rec.Descriptor.Capabilities))
	copy(caps, rec.Descriptor.Capabilities)
	return Info{
		Name:         rec.Descriptor.Name,
		Version:      rec.Descriptor.Version,
		State:        rec.State,
		Capabilities: caps,
		Err:          rec.Err,
	}
}
