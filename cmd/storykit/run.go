// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/storykit/storykit/internal/config"
	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/hooks"
	"github.com/storykit/storykit/internal/logging"
	"github.com/storykit/storykit/internal/observability"
	"github.com/storykit/storykit/internal/sandbox"
	"github.com/storykit/storykit/internal/store"
	"github.com/storykit/storykit/internal/story"
	"github.com/storykit/storykit/pkg/errutil"
)

// shutdownTimeout bounds graceful teardown of extensions and servers.
const shutdownTimeout = 10 * time.Second

// addConfigFlags registers flag overrides for the dotted config keys.
func addConfigFlags(cmd *cobra.Command) {
	defaults := config.Default()
	cmd.Flags().String("extensions.dir", defaults.Extensions.Dir, "extensions directory")
	cmd.Flags().Duration("sandbox.timeout", defaults.Sandbox.Timeout, "per-call extension deadline")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log.level", defaults.Log.Level, "log level")
	cmd.Flags().Bool("observability.enabled", defaults.Observability.Enabled, "serve metrics and health probes")
	cmd.Flags().String("observability.addr", defaults.Observability.Addr, "observability listen address")
	cmd.Flags().String("storage.dsn", defaults.Storage.DSN, "Postgres DSN for extension storage (empty = in-memory)")
}

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extension host",
		Long: `Run the extension host: discover extensions, resolve their
dependencies, bring them up in order, and dispatch story events until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// runHost wires the whole runtime together and blocks until ctx is
// cancelled.
func runHost(ctx context.Context, cfg config.Config) error {
	logging.SetDefault("storykit", version, cfg.Log.Format, cfg.Log.Level)
	logger := slog.Default()

	var ready atomic.Bool
	var metrics *observability.Metrics
	var obs *observability.Server
	var obsErr <-chan error
	if cfg.Observability.Enabled {
		obs = observability.NewServer(cfg.Observability.Addr, ready.Load)
		ch, err := obs.Start()
		if err != nil {
			return err
		}
		obsErr = ch
		metrics = obs.Metrics()
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hookOpts := []hooks.Option{}
	if metrics != nil {
		hookOpts = append(hookOpts, hooks.WithRecorder(metrics))
	}
	mgr := hooks.NewManager(hookOpts...)

	enforcer := capability.NewEnforcer()
	regOpts := []extension.RegistryOption{
		extension.WithEnforcer(enforcer),
		extension.WithLogger(logger),
	}
	if metrics != nil {
		regOpts = append(regOpts, extension.WithTransitionRecorder(metrics))
	}
	registry := extension.NewRegistry(mgr, regOpts...)
	vars := story.NewState(mgr)

	modules, err := loadModuleSources(cfg.Sandbox.Modules)
	if err != nil {
		return err
	}

	if err := loadExtensions(ctx, cfg, modules, &hostServices{
		logger:   logger,
		vars:     vars,
		storage:  st,
		registry: registry,
		hooks:    mgr,
		enforcer: enforcer,
	}); err != nil {
		return err
	}

	if err := bringUp(ctx, registry, logger); err != nil {
		return err
	}

	mgr.Trigger(hooks.EventStoryStart)
	ready.Store(true)
	logger.Info("storykit host ready",
		"extensions", len(registry.ListByState(extension.StateEnabled)),
		"failed", len(registry.GetFailed()))

	select {
	case <-ctx.Done():
	case err := <-obsErr:
		if err != nil {
			errutil.LogError(logger, "observability server failed", err)
		}
	}

	ready.Store(false)
	mgr.Trigger(hooks.EventStoryEnd)

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if _, err := registry.DisableAll(shutCtx); err != nil {
		errutil.LogError(logger, "disable pass failed", err)
	}
	if _, err := registry.DestroyAll(shutCtx); err != nil {
		errutil.LogError(logger, "destroy pass failed", err)
	}
	if obs != nil {
		if err := obs.Stop(shutCtx); err != nil {
			errutil.LogError(logger, "observability shutdown failed", err)
		}
	}

	logger.Info("storykit host stopped")
	return nil
}

// openStore picks the storage backend: Postgres (with migrations) when
// a DSN is configured, in-memory otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Storage.DSN == "" {
		logger.Info("using in-memory extension storage")
		return store.NewMemoryStore(), func() {}, nil
	}

	migrator, err := store.NewMigrator(cfg.Storage.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, nil, err
	}
	if err := migrator.Close(); err != nil {
		return nil, nil, err
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres extension storage")
	return pg, pg.Close, nil
}

// loadModuleSources reads the whitelisted require modules from disk.
func loadModuleSources(paths map[string]string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	modules := make(map[string]string, len(paths))
	for name, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, oops.In("run").With("module", name).With("path", path).
				Hint("failed to read whitelisted module").Wrap(err)
		}
		modules[name] = string(data)
	}
	return modules, nil
}

// hostServices bundles what every extension environment is wired to.
type hostServices struct {
	logger   *slog.Logger
	vars     *story.State
	storage  store.Store
	registry *extension.Registry
	hooks    *hooks.Manager
	enforcer *capability.Enforcer
}

// loadExtensions discovers, sandboxes, and registers every extension.
// A broken extension is logged and skipped; it never stops the host.
func loadExtensions(ctx context.Context, cfg config.Config, modules map[string]string, svc *hostServices) error {
	discovered, err := extension.Discover(cfg.Extensions.Dir)
	if err != nil {
		return err
	}

	for _, disc := range discovered {
		m := disc.Manifest
		source, err := os.ReadFile(disc.EntryPath()) //nolint:gosec // path from discovery
		if err != nil {
			svc.logger.Warn("skipping extension with unreadable entry",
				"extension", m.Name,
				"path", disc.EntryPath(),
				"error", err)
			continue
		}

		// Grants go in before load so on_load already runs enforced.
		if err := svc.enforcer.SetGrants(m.Name, m.Capabilities); err != nil {
			errutil.LogError(svc.logger, "invalid capability grants", err)
			continue
		}

		hc := &sandbox.HostContext{
			Logger:   svc.logger,
			Vars:     svc.vars,
			Storage:  svc.storage,
			Registry: svc.registry,
			Hooks:    svc.hooks,
			Grants:   svc.enforcer,
		}
		d, err := sandbox.LoadExtension(ctx, source, m, hc,
			sandbox.WithTimeout(cfg.Sandbox.Timeout),
			sandbox.WithModules(modules))
		if err != nil {
			svc.enforcer.RemoveGrants(m.Name)
			errutil.LogError(svc.logger, "failed to load extension", err)
			continue
		}

		if err := svc.registry.Register(d); err != nil {
			svc.enforcer.RemoveGrants(m.Name)
			if d.Teardown != nil {
				d.Teardown()
			}
			errutil.LogError(svc.logger, "failed to register extension", err)
		}
	}
	return nil
}

// bringUp initializes and enables everything in dependency order.
// Individual extension failures land in the error state and are logged;
// resolution failures (cycles, missing deps) abort startup.
func bringUp(ctx context.Context, registry *extension.Registry, logger *slog.Logger) error {
	initResults, err := registry.InitializeAll(ctx)
	if err != nil {
		return err
	}
	logBatch(logger, "initialize", initResults)

	enableResults, err := registry.EnableAll(ctx)
	if err != nil {
		return err
	}
	logBatch(logger, "enable", enableResults)
	return nil
}

func logBatch(logger *slog.Logger, phase string, results []extension.BatchResult) {
	for _, res := range results {
		if res.Err != nil {
			errutil.LogError(logger.With("extension", res.Name, "phase", phase),
				"lifecycle failure", res.Err)
		}
	}
}
