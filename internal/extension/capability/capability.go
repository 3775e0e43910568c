// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package capability defines the capability vocabulary extensions may
// declare and enforces grants at host-function call time.
//
// Declared capabilities are glob patterns over '.'-separated segments:
//   - '*' matches a single segment ("state.*" matches "state.read")
//   - '**' matches zero or more segments
//
// A pattern is only valid if it matches at least one tag in the known
// vocabulary, so typos are rejected at manifest validation rather than
// silently granting nothing.
package capability

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Capability tags the host understands. Anything outside this vocabulary
// is rejected during manifest validation.
const (
	Log           = "log"
	StateRead     = "state.read"
	StateWrite    = "state.write"
	StorageRead   = "storage.read"
	StorageWrite  = "storage.write"
	RegistryRead  = "registry.read"
	HooksRegister = "hooks.register"
	HooksEmit     = "hooks.emit"
)

// Vocabulary returns the full set of known capability tags.
func Vocabulary() []string {
	return []string{
		Log,
		StateRead,
		StateWrite,
		StorageRead,
		StorageWrite,
		RegistryRead,
		HooksRegister,
		HooksEmit,
	}
}

// ValidateTag checks that a declared capability pattern is well formed
// and covers at least one vocabulary tag.
func ValidateTag(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty capability pattern")
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return fmt.Errorf("capability %q: %w", pattern, err)
	}
	for _, tag := range Vocabulary() {
		if g.Match(tag) {
			return nil
		}
	}
	return fmt.Errorf("capability %q matches nothing in the known vocabulary", pattern)
}

// grant is one compiled capability pattern.
type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds per-extension capability grants and answers runtime
// checks. Deny by default: unknown extensions and unmatched tags both
// fail. Safe for concurrent use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// SetGrants replaces the grants for an extension. All patterns are
// validated and compiled before any state changes, so a bad pattern
// leaves previous grants intact.
func (e *Enforcer) SetGrants(extension string, patterns []string) error {
	if extension == "" {
		return fmt.Errorf("extension name cannot be empty")
	}

	compiled := make([]grant, len(patterns))
	for i, pattern := range patterns {
		if err := ValidateTag(pattern); err != nil {
			return err
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %q: %w", pattern, err)
		}
		compiled[i] = grant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants[extension] = compiled
	return nil
}

// RemoveGrants drops every grant for an extension. Safe for unknown
// names.
func (e *Enforcer) RemoveGrants(extension string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, extension)
}

// Grants returns a copy of the patterns granted to an extension, or nil
// if it has none.
func (e *Enforcer) Grants(extension string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[extension]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether the extension holds the requested capability.
func (e *Enforcer) Check(extension, tag string) bool {
	if tag == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, g := range e.grants[extension] {
		if g.glob.Match(tag) {
			return true
		}
	}
	return false
}
