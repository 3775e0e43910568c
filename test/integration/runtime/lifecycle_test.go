// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

//go:build integration

package runtime_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/hooks"
	"github.com/storykit/storykit/internal/sandbox"
)

var _ = Describe("Extension Runtime", func() {
	var ctx context.Context
	var env *hostEnv

	BeforeEach(func() {
		ctx = context.Background()
		env = newHostEnv()
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("bring-up", func() {
		BeforeEach(func() {
			env.writeExt("core", `
name: core
version: 2.0.0
entry: main.lua
capabilities:
  - state.read
  - state.write
`, `
return {
	on_enable = function()
		local order = host.state_get("enable_order") or ""
		host.state_set("enable_order", order .. "core;")
	end,
}
`)
			env.writeExt("ui", `
name: ui
version: 1.0.0
entry: main.lua
dependencies:
  core: "^2.0.0"
capabilities:
  - state.read
  - state.write
`, `
return {
	on_enable = function()
		local order = host.state_get("enable_order") or ""
		host.state_set("enable_order", order .. "ui;")
	end,
}
`)
		})

		It("enables extensions in dependency order", func() {
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)

			Expect(env.vars.Get("enable_order")).To(Equal("core;ui;"))
			Expect(env.stateOf("core")).To(Equal(extension.StateEnabled))
			Expect(env.stateOf("ui")).To(Equal(extension.StateEnabled))
		})

		It("tears down in reverse dependency order", func() {
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)

			results, err := env.registry.DisableAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Name).To(Equal("ui"))
			Expect(results[1].Name).To(Equal("core"))

			_, err = env.registry.DestroyAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.registry.List()).To(BeEmpty())
		})
	})

	Describe("story event dispatch", func() {
		BeforeEach(func() {
			env.writeExt("narrator", `
name: narrator
version: 1.0.0
entry: main.lua
capabilities:
  - state.read
  - state.write
  - hooks.register
`, `
return {
	hooks = {
		{ event = "passage.enter", fn = function(passage)
			host.state_set("last_passage", passage)
		end },
		{ event = "choice.present", priority = 10, fn = function(choices)
			table.insert(choices, "examine the room")
			return choices
		end },
	},
}
`)
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)
		})

		It("notifies observers of passage changes", func() {
			results := env.mgr.Trigger(hooks.EventPassageEnter, "cellar")
			Expect(results).To(HaveLen(1))
			Expect(results[0].OK).To(BeTrue())
			Expect(env.vars.Get("last_passage")).To(Equal("cellar"))
		})

		It("threads choices through transform handlers", func() {
			final, results := env.mgr.Emit(hooks.EventChoicePresent,
				[]any{"go north", "go south"})
			Expect(results).To(HaveLen(1))
			Expect(final).To(Equal([]any{"go north", "go south", "examine the room"}))
		})

		It("stops dispatching after disable", func() {
			Expect(env.registry.Transition(ctx, "narrator", extension.StateDisabled)).To(Succeed())
			Expect(env.mgr.Trigger(hooks.EventPassageEnter, "attic")).To(BeEmpty())
			Expect(env.vars.Get("last_passage")).To(BeNil())
		})
	})

	Describe("variable transforms", func() {
		It("clamps values written through story state", func() {
			env.writeExt("balancer", `
name: balancer
version: 1.0.0
entry: main.lua
capabilities:
  - hooks.register
`, `
return {
	hooks = {
		{ event = "variable.set", fn = function(value, name)
			if name == "health" and value > 100 then
				return 100
			end
			return value
		end },
	},
}
`)
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)

			env.vars.Set("health", 250)
			Expect(env.vars.Get("health")).To(Equal(float64(100)))

			env.vars.Set("health", 40)
			Expect(env.vars.Get("health")).To(Equal(float64(40)))
		})
	})

	Describe("cross-extension calls", func() {
		BeforeEach(func() {
			env.writeExt("dice", `
name: dice
version: 1.0.0
entry: main.lua
`, `
return {
	api = {
		roll = function(sides)
			return (sides % 6) + 1
		end,
	},
}
`)
			env.writeExt("combat", `
name: combat
version: 1.0.0
entry: main.lua
dependencies:
  dice: "*"
capabilities:
  - registry.read
`, `
return {
	api = {
		attack = function()
			local result, err = host.call("dice", "roll", 20)
			if err then return nil end
			return result
		end,
	},
}
`)
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)
		})

		It("routes api calls between enabled extensions", func() {
			result, err := env.registry.Call("combat", "attack")
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(float64(3)))
		})

		It("rejects calls to disabled extensions", func() {
			Expect(env.registry.Transition(ctx, "dice", extension.StateDisabled)).To(Succeed())
			result, err := env.registry.Call("combat", "attack")
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
		})
	})

	Describe("capability enforcement", func() {
		It("denies host functions outside the granted set", func() {
			env.writeExt("greedy", `
name: greedy
version: 1.0.0
entry: main.lua
capabilities:
  - log
`, `
return {
	api = {
		sneak = function()
			local ok, err = pcall(function()
				host.storage_set("stolen", "data")
			end)
			if ok then return "allowed" end
			return err
		end,
	},
}
`)
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)

			result, err := env.registry.Call("greedy", "sneak")
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(ContainSubstring("capability denied"))
			Expect(result).To(ContainSubstring("storage.write"))
		})
	})

	Describe("failure isolation", func() {
		It("quarantines an extension whose on_init fails", func() {
			env.writeExt("flaky", `
name: flaky
version: 1.0.0
entry: main.lua
`, `
return {
	on_init = function() error("init exploded") end,
}
`)
			env.writeExt("steady", `
name: steady
version: 1.0.0
entry: main.lua
`, `return {}`)

			Expect(env.loadAll(ctx)).To(BeEmpty())
			_, err := env.registry.InitializeAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = env.registry.EnableAll(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(env.stateOf("flaky")).To(Equal(extension.StateError))
			Expect(env.stateOf("steady")).To(Equal(extension.StateEnabled))

			failed := env.registry.GetFailed()
			Expect(failed).To(HaveLen(1))
			Expect(failed[0].Err).To(MatchError(ContainSubstring("init exploded")))
		})

		It("interrupts a runaway handler without harming the host", func() {
			env.writeExt("spinner", `
name: spinner
version: 1.0.0
entry: main.lua
capabilities:
  - hooks.register
`, `
return {
	hooks = {
		{ event = "passage.enter", fn = function()
			while true do end
		end },
	},
}
`)
			Expect(env.loadAll(ctx, sandbox.WithTimeout(50*time.Millisecond))).To(BeEmpty())
			env.bringUp(ctx)

			start := time.Now()
			results := env.mgr.Trigger(hooks.EventPassageEnter, "void")
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(results).To(HaveLen(1))
			Expect(results[0].OK).To(BeFalse())
			Expect(results[0].Err).To(MatchError(sandbox.ErrTimeout))
		})
	})

	Describe("extension storage", func() {
		It("persists namespaced values across lifecycle phases", func() {
			env.writeExt("journal", `
name: journal
version: 1.0.0
entry: main.lua
capabilities:
  - storage.read
  - storage.write
`, `
return {
	on_init = function()
		host.storage_set("entry:1", "we arrived at dusk")
	end,
	api = {
		read = function(key)
			local value = host.storage_get(key)
			return value
		end,
	},
}
`)
			Expect(env.loadAll(ctx)).To(BeEmpty())
			env.bringUp(ctx)

			result, err := env.registry.Call("journal", "read", "entry:1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("we arrived at dusk"))

			value, err := env.storage.Get(ctx, "journal", "entry:1")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(value)).To(Equal("we arrived at dusk"))
		})
	})
})
