// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package extension provides extension management and lifecycle control.
package extension

import (
	"context"
	"fmt"
	"regexp"

	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/extension/resolver"
	"github.com/storykit/storykit/internal/hooks"
)

// Callback is a lifecycle callback. Callbacks produced by the sandbox
// loader are bound to the extension's execution environment and carry
// their own timeout enforcement.
type Callback func(ctx context.Context) error

// Callbacks holds the optional lifecycle callbacks as a fixed set, one
// field per transition, so dispatch is static rather than string-keyed.
type Callbacks struct {
	OnLoad    Callback
	OnInit    Callback
	OnEnable  Callback
	OnDisable Callback
	OnDestroy Callback
}

// HookBinding declares one event handler the registry activates when
// the extension is enabled.
type HookBinding struct {
	Event    string
	Priority int
	Fn       hooks.Handler
}

// APIFunc is a function an extension exposes to other extensions and
// the host through the registry accessor.
type APIFunc func(args ...any) (any, error)

// Descriptor is the immutable description of one extension: identity,
// dependency constraints, declared capabilities, lifecycle callbacks,
// and hook bindings. Validate it once; never mutate it afterwards.
type Descriptor struct {
	Name         string
	Version      string
	Dependencies map[string]string // extension name -> constraint string
	Capabilities []string
	Callbacks    Callbacks
	Hooks        []HookBinding
	API          map[string]APIFunc

	// Teardown releases resources owned by the descriptor's execution
	// environment. Called when the record is destroyed or unregistered.
	Teardown func()
}

// maxNameLength is the maximum allowed length for extension names.
const maxNameLength = 64

// namePattern validates extension names: lowercase start, then
// lowercase letters, digits, or hyphens, not ending with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateDescriptor checks descriptor constraints before any lifecycle
// transition may run. It rejects malformed names, non-semver versions,
// unparseable dependency constraints, capability tags outside the known
// vocabulary, and hook bindings without a callable handler.
func ValidateDescriptor(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("descriptor is nil")
	}
	if d.Name == "" || !namePattern.MatchString(d.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", d.Name)
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(d.Name))
	}

	if d.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := resolver.ParseVersion(d.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version triple: %w", d.Version, err)
	}

	for dep, constraint := range d.Dependencies {
		if _, err := resolver.ParseConstraint(constraint); err != nil {
			return fmt.Errorf("dependency %q: %w", dep, err)
		}
	}

	for _, tag := range d.Capabilities {
		if err := capability.ValidateTag(tag); err != nil {
			return err
		}
	}

	for _, hb := range d.Hooks {
		if hb.Event == "" {
			return fmt.Errorf("hook binding with empty event name")
		}
		if hb.Fn == nil {
			return fmt.Errorf("hook binding for %q is not callable", hb.Event)
		}
	}

	for name, fn := range d.API {
		if fn == nil {
			return fmt.Errorf("api function %q is not callable", name)
		}
	}

	return nil
}
