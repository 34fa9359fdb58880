package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/docker"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/locks"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/policy"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/transform"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/stores"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

// app holds the components a command works with. close releases them in
// reverse order of creation.
type app struct {
	cfg        *config.Config
	store      *stores.SQLiteStore
	dispatcher *engine.Dispatcher
	policy     *policy.Engine
	telemetry  *telemetry.Telemetry
	loader     *config.ManifestLoader

	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
}

// openStore opens the SQLite store named by cfg and applies migrations.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path, MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openApp loads configuration and wires the dispatcher with every backend
// the configuration enables. Backends that fail to initialize leave their
// runtimes registered but unusable, and a warning is logged.
func openApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, ctx, err
	}

	a := &app{cfg: cfg, loader: config.NewManifestLoader(nil)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})
	ctx = tel.WithContext(ctx)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, ctx, err
	}
	a.store = store
	a.onClose(store.Close)

	backends, err := a.backends(ctx)
	if err != nil {
		return nil, ctx, err
	}
	registry := engine.NewRegistry(nil)
	if err := runtimes.RegisterDefaults(registry, backends); err != nil {
		return nil, ctx, err
	}

	opts := []engine.DispatcherOption{engine.WithDispatcherConfig(cfg.EngineConfig())}
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(log.Logger)
		if err != nil {
			return nil, ctx, err
		}
		if cfg.Policy.Dir != "" {
			if err := pe.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
				return nil, ctx, err
			}
		}
		a.policy = pe
		opts = append(opts, engine.WithPolicy(pe))
	}
	if cfg.Redis.Enabled {
		client, err := locks.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, ctx, err
		}
		a.onClose(client.Close)
		lockOpts := []locks.Option{locks.WithLogger(log.Logger)}
		if cfg.Redis.LockTTL > 0 {
			lockOpts = append(lockOpts, locks.WithTTL(cfg.Redis.LockTTL))
		}
		opts = append(opts, engine.WithRunLocker(locks.NewRedisLocker(client, lockOpts...)))
	}

	a.dispatcher = engine.NewDispatcher(store, registry, opts...)
	ok = true
	return a, ctx, nil
}

func (a *app) backends(ctx context.Context) (runtimes.Backends, error) {
	cfg := a.cfg
	b := runtimes.Backends{Evaluator: config.NewStarlarkEvaluator(10 * time.Second)}

	if cfg.Docker.Enabled {
		if cli, err := docker.New(docker.Config{Host: cfg.Docker.Host, Network: cfg.Docker.Network}); err != nil {
			log.Warn().Err(err).Msg("Docker backend unavailable")
		} else {
			a.onClose(cli.Close)
			b.Docker = cli
		}
	}

	if cfg.Kubernetes.Enabled {
		if cli, err := kube.New(kube.Config{
			Kubeconfig:     cfg.Kubernetes.Kubeconfig,
			Namespace:      cfg.Kubernetes.Namespace,
			ServiceAccount: cfg.Kubernetes.ServiceAccount,
		}); err != nil {
			log.Warn().Err(err).Msg("Kubernetes backend unavailable")
		} else {
			b.Kube = cli
		}
	}

	if cfg.ObjectStore.Enabled {
		s, err := objectstore.NewMinioStore(objectstore.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return b, err
		}
		b.Store = s
	}

	if cfg.Postgres.DSN != "" {
		target, err := transform.ParseTarget(cfg.Postgres.DSN, cfg.Postgres.Schema)
		if err != nil {
			return b, err
		}
		b.Target = &target
		inspector, err := transform.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("Postgres unavailable, transform outputs cannot be collected")
		} else {
			a.onClose(inspector.Close)
			b.Inspector = inspector
		}
	}
	return b, nil
}

// project returns the flag value or the configured default project.
func (a *app) project(flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Project
}
