// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package hooks provides priority-ordered event dispatch for the extension
// runtime. Handlers are registered per event name and invoked either in
// observer mode (side effects only) or transform mode (value threading).
package hooks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Priority bounds for hook registration. Values outside the range are
// clamped, never rejected.
const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// Handler is a hook callback. In observer mode the return value is
// discarded. In transform mode the first argument is the value being
// threaded and a nil return leaves it unchanged.
type Handler func(args ...any) (any, error)

// Result records the outcome of one handler invocation.
type Result struct {
	Owner string
	OK    bool
	Value any
	Err   error
}

// Recorder receives dispatch statistics. Implemented by the observability
// metrics; a nil recorder disables recording.
type Recorder interface {
	RecordDispatch(event, mode string, handlers, failures int)
}

// entry is one registered hook. Entries are ordered by priority, ties
// broken by registration sequence.
type entry struct {
	id       string
	event    string
	fn       Handler
	priority int
	owner    string
	seq      uint64
}

// Manager is the hook registry and dispatcher. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	events    map[string][]*entry
	byID      map[string]*entry
	paused    map[string]bool
	pausedAll bool
	seq       uint64
	recorder  Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder wires dispatch metrics into the manager.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager creates a hook manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		events: make(map[string][]*entry),
		byID:   make(map[string]*entry),
		paused: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// clampPriority forces p into [MinPriority, MaxPriority].
func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Register adds a handler for an event and returns its ID. Insertion is
// stable: ascending priority, equal priorities keep registration order.
// The owner tags the entry for bulk teardown via ClearOwner.
func (m *Manager) Register(event string, fn Handler, priority int, owner string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	e := &entry{
		id:       ulid.Make().String(),
		event:    event,
		fn:       fn,
		priority: clampPriority(priority),
		owner:    owner,
		seq:      m.seq,
	}

	list := m.events[event]
	// First index whose priority is strictly greater; equal priorities
	// stay ahead of the new entry.
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].priority > e.priority
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = e
	m.events[event] = list
	m.byID[e.id] = e

	return e.id
}

// Unregister removes a hook by ID. Returns false for unknown IDs.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) bool {
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)

	list := m.events[e.event]
	for i, cand := range list {
		if cand.id == id {
			m.events[e.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.events[e.event]) == 0 {
		delete(m.events, e.event)
	}
	return true
}

// ClearEvent removes every handler for an event and returns the count.
func (m *Manager) ClearEvent(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[event]
	for _, e := range list {
		delete(m.byID, e.id)
	}
	delete(m.events, event)
	return len(list)
}

// ClearOwner removes every handler registered by owner, across all
// events, and returns the count. Used when an extension is disabled or
// destroyed.
func (m *Manager) ClearOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, e := range m.byID {
		if e.owner == owner {
			ids = append(ids, e.id)
		}
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	return len(ids)
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[event])
}

// PauseEvent suppresses dispatch for one event without discarding
// registrations.
func (m *Manager) PauseEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[event] = true
}

// ResumeEvent re-enables dispatch for one event.
func (m *Manager) ResumeEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, event)
}

// PauseAll suppresses dispatch for every event.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedAll = true
}

// ResumeAll undoes PauseAll. Per-event pauses remain in effect.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedAll = false
}

// snapshot returns a copy of the handler list so that registrations made
// by a handler during dispatch do not affect the current iteration.
// Returns nil when the event is paused.
func (m *Manager) snapshot(event string) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pausedAll || m.paused[event] {
		return nil
	}
	list := m.events[event]
	if len(list) == 0 {
		return nil
	}
	out := make([]*entry, len(list))
	copy(out, list)
	return out
}

// safeCall invokes a handler, converting panics into errors so one
// misbehaving handler cannot take down dispatch.
func safeCall(fn Handler, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(args...)
}

// Trigger dispatches an event in observer mode: every handler runs in
// priority order with identical arguments. A failing handler is recorded
// in its own result slot and never suppresses siblings.
func (m *Manager) Trigger(event string, args ...any) []Result {
	entries := m.snapshot(event)
	if entries == nil {
		return nil
	}

	results := make([]Result, 0, len(entries))
	failures := 0
	for _, e := range entries {
		value, err := safeCall(e.fn, args)
		if err != nil {
			failures++
			slog.Debug("hook handler failed",
				"event", event,
				"owner", e.owner,
				"error", err)
			results = append(results, Result{Owner: e.owner, OK: false, Err: err})
			continue
		}
		results = append(results, Result{Owner: e.owner, OK: true, Value: value})
	}
	m.record(event, "observer", len(entries), failures)
	return results
}

// Transform dispatches an event in transform mode: each handler receives
// the previous handler's output (or the initial value) plus the fixed
// context arguments. A handler error or a nil return leaves the value
// unchanged and dispatch continues.
func (m *Manager) Transform(event string, initial any, ctxArgs ...any) (any, []Result) {
	entries := m.snapshot(event)
	if entries == nil {
		return initial, nil
	}

	value := initial
	results := make([]Result, 0, len(entries))
	failures := 0
	for _, e := range entries {
		args := make([]any, 0, len(ctxArgs)+1)
		args = append(args, value)
		args = append(args, ctxArgs...)

		out, err := safeCall(e.fn, args)
		if err != nil {
			failures++
			slog.Debug("transform handler failed",
				"event", event,
				"owner", e.owner,
				"error", err)
			results = append(results, Result{Owner: e.owner, OK: false, Err: err})
			continue
		}
		if out != nil {
			value = out
		}
		results = append(results, Result{Owner: e.owner, OK: true, Value: out})
	}
	m.record(event, "transform", len(entries), failures)
	return value, results
}

// Emit dispatches using the event's declared mode: transform semantics
// for transform-mode events, observer semantics otherwise. For observer
// events the value is passed through unchanged as the first argument.
func (m *Manager) Emit(event string, value any, args ...any) (any, []Result) {
	if ModeOf(event) == ModeTransform {
		return m.Transform(event, value, args...)
	}
	all := make([]any, 0, len(args)+1)
	all = append(all, value)
	all = append(all, args...)
	return value, m.Trigger(event, all...)
}

func (m *Manager) record(event, mode string, handlers, failures int) {
	if m.recorder != nil {
		m.recorder.RecordDispatch(event, mode, handlers, failures)
	}
}
