// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package story holds the engine-side story state extensions observe
// and transform through the hook surface.
package story

import (
	"sync"

	"github.com/storykit/storykit/internal/hooks"
)

// State is the story's variable table. Reads and writes are mediated by
// the variable.get and variable.set transform events, so extensions can
// rewrite values in flight. Safe for concurrent use.
type State struct {
	mu    sync.RWMutex
	vars  map[string]any
	hooks *hooks.Manager
}

// NewState creates an empty story state dispatching through the given
// hook manager.
func NewState(h *hooks.Manager) *State {
	return &State{
		vars:  make(map[string]any),
		hooks: h,
	}
}

// Get returns a variable's value after the variable.get transform
// chain. Missing variables read as nil, which transforms may replace
// with a default.
func (s *State) Get(name string) any {
	s.mu.RLock()
	value := s.vars[name]
	s.mu.RUnlock()

	final, _ := s.hooks.Transform(hooks.EventVariableGet, value, name)
	return final
}

// Set stores a variable's value after the variable.set transform
// chain.
func (s *State) Set(name string, value any) {
	final, _ := s.hooks.Transform(hooks.EventVariableSet, value, name)

	s.mu.Lock()
	s.vars[name] = final
	s.mu.Unlock()
}

// All returns a copy of the variable table.
func (s *State) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Save produces a snapshot of the variable table. The snapshot passes
// through the save.before transform chain, then save.after observers
// run with the final snapshot.
func (s *State) Save() map[string]any {
	snapshot := s.All()

	transformed, _ := s.hooks.Transform(hooks.EventSaveBefore, snapshot)
	final, ok := transformed.(map[string]any)
	if !ok {
		// A transform produced a non-map value; keep the untouched
		// snapshot rather than corrupting the save.
		final = snapshot
	}

	s.hooks.Trigger(hooks.EventSaveAfter, final)
	return final
}

// Load replaces the variable table from a snapshot. The snapshot passes
// through the load.before transform chain, then load.after observers
// run once the state is swapped in.
func (s *State) Load(snapshot map[string]any) {
	transformed, _ := s.hooks.Transform(hooks.EventLoadBefore, snapshot)
	final, ok := transformed.(map[string]any)
	if !ok {
		final = snapshot
	}

	replaced := make(map[string]any, len(final))
	for k, v := range final {
		replaced[k] = v
	}

	s.mu.Lock()
	s.vars = replaced
	s.mu.Unlock()

	s.hooks.Trigger(hooks.EventLoadAfter)
}
