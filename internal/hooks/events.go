// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package hooks

// Mode declares how an event's handlers are dispatched.
type Mode int

// Dispatch modes.
const (
	// ModeObserver invokes handlers for side effects; return values are
	// discarded.
	ModeObserver Mode = iota
	// ModeTransform threads a value through handlers in priority order.
	ModeTransform
)

// String returns a string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeObserver:
		return "observer"
	case ModeTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// Story engine event names. These names, their priority semantics, and
// their mode assignments are part of the external interface: hosts and
// extensions on both sides of the hook surface depend on them.
const (
	EventStoryStart     = "story.start"
	EventStoryEnd       = "story.end"
	EventPassageEnter   = "passage.enter"
	EventPassageExit    = "passage.exit"
	EventChoicePresent  = "choice.present"
	EventChoiceSelect   = "choice.select"
	EventVariableGet    = "variable.get"
	EventVariableSet    = "variable.set"
	EventSaveBefore     = "save.before"
	EventSaveAfter      = "save.after"
	EventLoadBefore     = "load.before"
	EventLoadAfter      = "load.after"
	EventExtensionError = "extension.error"
)

// eventModes declares each known event exactly once as observer or
// transform. Events absent from the table dispatch as observers so hosts
// can introduce new notification events without touching the runtime.
var eventModes = map[string]Mode{
	EventStoryStart:     ModeObserver,
	EventStoryEnd:       ModeObserver,
	EventPassageEnter:   ModeObserver,
	EventPassageExit:    ModeObserver,
	EventChoicePresent:  ModeTransform,
	EventChoiceSelect:   ModeObserver,
	EventVariableGet:    ModeTransform,
	EventVariableSet:    ModeTransform,
	EventSaveBefore:     ModeTransform,
	EventSaveAfter:      ModeObserver,
	EventLoadBefore:     ModeTransform,
	EventLoadAfter:      ModeObserver,
	EventExtensionError: ModeObserver,
}

// ModeOf returns the declared dispatch mode for an event name.
func ModeOf(event string) Mode {
	if mode, ok := eventModes[event]; ok {
		return mode
	}
	return ModeObserver
}
