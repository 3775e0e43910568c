// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package extension

// State is the lifecycle state of a registered extension.
type State int

const (
	// StateLoaded means the extension's code has been evaluated and its
	// descriptor accepted, but on_init has not run.
	StateLoaded State = iota
	// StateInitialized means on_init completed successfully.
	StateInitialized
	// StateEnabled means the extension is active: its hook bindings are
	// registered and its API is reachable.
	StateEnabled
	// StateDisabled means the extension is dormant but retains its
	// environment and may be re-enabled.
	StateDisabled
	// StateDestroyed is terminal; the record is removed from the
	// registry once reached.
	StateDestroyed
	// StateError means a lifecycle transition failed. The record stays
	// registered so the failure is inspectable, but no further
	// transitions except destroy are accepted.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateDestroyed:
		return "destroyed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Record is the registry's view of one extension: its descriptor plus
// mutable lifecycle bookkeeping. Access is guarded by the registry
// lock.
type Record struct {
	Descriptor *Descriptor
	State      State

	// Err holds the failure that moved the record into StateError.
	Err error

	// hookIDs are the manager registration IDs created when the
	// extension was enabled, removed again on disable or destroy.
	hookIDs []string
}

// Name returns the extension name from the descriptor.
func (r *Record) Name() string {
	return r.Descriptor.Name
}
