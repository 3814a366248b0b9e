package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk"
	"pkt.systems/statusdesk/internal/appconfig"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/purge"
	"pkt.systems/statusdesk/internal/remoteauth"
	"pkt.systems/statusdesk/internal/tabstate"
)

// env holds what every command builds from the config.
type env struct {
	cfg      appconfig.Config
	logger   pslog.Logger
	durable  kv.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

func loadEnv(ctx context.Context, cfgPath string) (*env, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := pslog.Ctx(ctx)
	e := &env{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	e.metrics = metrics.New(e.registry)

	switch cfg.Store.Backend {
	case appconfig.BackendRedis:
		store, err := kv.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Origin, logger)
		if err != nil {
			return nil, err
		}
		e.durable = store
		e.closers = append(e.closers, store.Close)
	default:
		store, err := kv.NewFileStoreWithLogger(filepath.Join(cfg.StateDir, "durable"), cfg.Origin, logger)
		if err != nil {
			return nil, err
		}
		e.durable = store
	}
	return e, nil
}

// authClient builds the auth client persisting into durable.
func (e *env) authClient(durable kv.Store) (*remoteauth.HTTPClient, error) {
	if e.cfg.Auth.URL == "" {
		return nil, errors.New("auth.url is not configured")
	}
	return remoteauth.NewHTTPClient(remoteauth.Config{
		URL:        e.cfg.Auth.URL,
		APIKey:     e.cfg.Auth.APIKey,
		StorageKey: e.cfg.SessionStorageKey(),
		Logger:     e.logger,
	}, durable)
}

// tabDeps assembles tab collaborators. A nil durable uses the configured store.
func (e *env) tabDeps(durable, volatile kv.Store, page tabstate.Page, sweepers ...purge.Sweeper) statusdesk.TabDeps {
	if durable == nil {
		durable = e.durable
	}
	deps := statusdesk.TabDeps{
		Durable:  durable,
		Volatile: volatile,
		Page:     page,
		Sweepers: append([]purge.Sweeper{purge.NewDirSweeper(e.cfg.StateDir)}, sweepers...),
		Metrics:  e.metrics,
		Logger:   e.logger,
	}
	if auth, err := e.authClient(durable); err != nil {
		e.logger.Warn("auth client unavailable", "err", err)
	} else {
		deps.Auth = auth
	}
	return deps
}

func (e *env) openTab(ctx context.Context, deps statusdesk.TabDeps, opts ...statusdesk.TabOption) (*statusdesk.Tab, error) {
	return statusdesk.Open(ctx, statusdesk.TabConfigFromApp(e.cfg), deps, opts...)
}

func (e *env) Close() {
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil {
			e.logger.Warn("close failed", "err", err)
		}
	}
}
