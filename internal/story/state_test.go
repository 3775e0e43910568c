// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package story_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storykit/storykit/internal/hooks"
	"github.com/storykit/storykit/internal/story"
)

func TestState_GetSet(t *testing.T) {
	s := story.NewState(hooks.NewManager())

	assert.Nil(t, s.Get("score"))

	s.Set("score", 10)
	assert.Equal(t, 10, s.Get("score"))

	all := s.All()
	assert.Equal(t, map[string]any{"score": 10}, all)

	// The copy is detached.
	all["score"] = 99
	assert.Equal(t, 10, s.Get("score"))
}

func TestState_VariableTransforms(t *testing.T) {
	mgr := hooks.NewManager()
	s := story.NewState(mgr)

	// variable.set clamps negative values; variable.get supplies a
	// default for nil.
	mgr.Register(hooks.EventVariableSet, func(args ...any) (any, error) {
		if v, ok := args[0].(int); ok && v < 0 {
			return 0, nil
		}
		return nil, nil
	}, 10, "clamp")
	mgr.Register(hooks.EventVariableGet, func(args ...any) (any, error) {
		if args[0] == nil {
			return "unset", nil
		}
		return nil, nil
	}, 10, "default")

	s.Set("health", -5)
	assert.Equal(t, 0, s.Get("health"))

	assert.Equal(t, "unset", s.Get("missing"))
}

func TestState_TransformSeesVariableName(t *testing.T) {
	mgr := hooks.NewManager()
	s := story.NewState(mgr)

	var seen string
	mgr.Register(hooks.EventVariableSet, func(args ...any) (any, error) {
		seen, _ = args[1].(string)
		return nil, nil
	}, 50, "spy")

	s.Set("gold", 7)
	assert.Equal(t, "gold", seen)
}

func TestState_SaveLoad(t *testing.T) {
	mgr := hooks.NewManager()
	s := story.NewState(mgr)
	s.Set("chapter", 3)

	// save.before can redact; load.before can migrate.
	mgr.Register(hooks.EventSaveBefore, func(args ...any) (any, error) {
		snap, _ := args[0].(map[string]any)
		snap["saved"] = true
		return snap, nil
	}, 50, "stamp")

	var afterSave, afterLoad int
	mgr.Register(hooks.EventSaveAfter, func(args ...any) (any, error) {
		afterSave++
		return nil, nil
	}, 50, "obs")
	mgr.Register(hooks.EventLoadAfter, func(args ...any) (any, error) {
		afterLoad++
		return nil, nil
	}, 50, "obs")

	snap := s.Save()
	assert.Equal(t, 3, snap["chapter"])
	assert.Equal(t, true, snap["saved"])
	assert.Equal(t, 1, afterSave)

	fresh := story.NewState(mgr)
	fresh.Load(snap)
	assert.Equal(t, 3, fresh.Get("chapter"))
	assert.Equal(t, 1, afterLoad)
}

func TestState_SaveIgnoresBadTransform(t *testing.T) {
	mgr := hooks.NewManager()
	s := story.NewState(mgr)
	s.Set("chapter", 1)

	mgr.Register(hooks.EventSaveBefore, func(args ...any) (any, error) {
		return "not a map", nil
	}, 50, "broken")

	snap := s.Save()
	require.Equal(t, 1, snap["chapter"])
}
