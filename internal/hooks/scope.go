// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package hooks

import "sync"

// Scope is a disposable registration handle. Every hook registered
// through it is tracked so a single Clear call removes them all, which
// guarantees an extension cannot leave dangling handlers after teardown.
type Scope struct {
	m      *Manager
	mu     sync.Mutex
	ids    []string
	closed bool
}

// NewScope creates a registration scope bound to this manager.
func (m *Manager) NewScope() *Scope {
	return &Scope{m: m}
}

// Register registers a hook through the scope. Returns the empty string
// if the scope has already been cleared.
func (s *Scope) Register(event string, fn Handler, priority int, owner string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}
	id := s.m.Register(event, fn, priority, owner)
	s.ids = append(s.ids, id)
	return id
}

// Clear unregisters every hook registered through the scope and closes
// it. Returns the number of hooks removed. Idempotent.
func (s *Scope) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	s.closed = true

	count := 0
	for _, id := range s.ids {
		if s.m.Unregister(id) {
			count++
		}
	}
	s.ids = nil
	return count
}
