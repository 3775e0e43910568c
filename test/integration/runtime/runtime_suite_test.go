// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

//go:build integration

package runtime_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/hooks"
	"github.com/storykit/storykit/internal/sandbox"
	"github.com/storykit/storykit/internal/store"
	"github.com/storykit/storykit/internal/story"
)

func TestRuntime(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Extension Runtime Integration Suite")
}

// hostEnv holds the full runtime wiring for one spec: a hook manager,
// capability enforcer, registry, story state, and in-memory storage,
// plus the extensions directory the spec populates.
type hostEnv struct {
	dir      string
	mgr      *hooks.Manager
	enforcer *capability.Enforcer
	registry *extension.Registry
	vars     *story.State
	storage  *store.MemoryStore
}

func newHostEnv() *hostEnv {
	dir, err := os.MkdirTemp("", "storykit-runtime-*")
	Expect(err).NotTo(HaveOccurred())

	mgr := hooks.NewManager()
	enforcer := capability.NewEnforcer()
	registry := extension.NewRegistry(mgr,
		extension.WithEnforcer(enforcer),
		extension.WithLogger(slog.New(slog.DiscardHandler)))

	return &hostEnv{
		dir:      dir,
		mgr:      mgr,
		enforcer: enforcer,
		registry: registry,
		vars:     story.NewState(mgr),
		storage:  store.NewMemoryStore(),
	}
}

func (e *hostEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.registry.DestroyAll(ctx)
	Expect(os.RemoveAll(e.dir)).To(Succeed())
}

// writeExt lays one extension directory out under the env's root.
func (e *hostEnv) writeExt(name, manifest, source string) {
	dir := filepath.Join(e.dir, name)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "extension.yaml"), []byte(manifest), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0o600)).To(Succeed())
}

// loadAll discovers and registers everything under the env's root the
// way the run command does: grants first, then sandbox load, then
// registration. Load failures are returned, not fatal, so specs can
// assert on them.
func (e *hostEnv) loadAll(ctx context.Context, opts ...sandbox.EnvOption) []error {
	discovered, err := extension.Discover(e.dir)
	Expect(err).NotTo(HaveOccurred())

	var failures []error
	for _, disc := range discovered {
		m := disc.Manifest
		source, err := os.ReadFile(disc.EntryPath())
		Expect(err).NotTo(HaveOccurred())

		Expect(e.enforcer.SetGrants(m.Name, m.Capabilities)).To(Succeed())

		hc := &sandbox.HostContext{
			Logger:   slog.New(slog.DiscardHandler),
			Vars:     e.vars,
			Storage:  e.storage,
			Registry: e.registry,
			Hooks:    e.mgr,
			Grants:   e.enforcer,
		}
		d, err := sandbox.LoadExtension(ctx, source, m, hc, opts...)
		if err != nil {
			e.enforcer.RemoveGrants(m.Name)
			failures = append(failures, err)
			continue
		}
		Expect(e.registry.Register(d)).To(Succeed())
	}
	return failures
}

// bringUp initializes and enables everything in dependency order.
func (e *hostEnv) bringUp(ctx context.Context) {
	_, err := e.registry.InitializeAll(ctx)
	Expect(err).NotTo(HaveOccurred())
	_, err = e.registry.EnableAll(ctx)
	Expect(err).NotTo(HaveOccurred())
}

func (e *hostEnv) stateOf(name string) extension.State {
	info, ok := e.registry.Get(name)
	Expect(ok).To(BeTrue(), "extension %s not registered", name)
	return info.State
}
