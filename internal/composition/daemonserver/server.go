package daemonserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"keyfold/go-vault/internal/config"
	"keyfold/go-vault/internal/cryptoprov"
	"keyfold/go-vault/internal/observability"
	"keyfold/go-vault/internal/platform/privacylog"
	"keyfold/go-vault/internal/rpc"
	"keyfold/go-vault/internal/store"
	"keyfold/go-vault/internal/vault"
)

// Daemon wires configuration, storage, the vault engine and the RPC
// transport into one runnable unit.
type Daemon struct {
	cfg    config.Config
	log    *slog.Logger
	engine *vault.Engine
	server *rpc.Server
	closer io.Closer
}

// New builds a daemon from the config file at configPath (empty means
// the default lookup chain) with dataDir overriding the configured
// storage directory when non-empty.
func New(configPath, dataDir string) (*Daemon, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, closer, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewVaultMetrics(registry)

	engine := vault.New(cryptoprov.NewSoftware(), st,
		vault.WithLogger(log),
		vault.WithMetrics(metrics),
	)
	server := rpc.NewServer(cfg.RPC, engine, log, registry)

	return &Daemon{
		cfg:    cfg,
		log:    log,
		engine: engine,
		server: server,
		closer: closer,
	}, nil
}

// Run initializes the engine and serves RPC until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.engine.Init(ctx); err != nil {
		return err
	}
	d.log.Info("daemon ready",
		"addr", d.server.Addr(),
		"backend", d.cfg.Storage.Backend,
		"state", d.engine.State().String(),
	)

	err := d.server.Run(ctx)

	d.engine.Dispose()
	if d.closer != nil {
		if cerr := d.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (d *Daemon) Logger() *slog.Logger { return d.log }

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("daemon: parse log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(privacylog.WrapHandler(handler)), nil
}

func buildStore(cfg config.StorageConfig) (store.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil, nil
	case config.BackendFile:
		st, err := store.NewFile(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("daemon: create data dir: %w", err)
		}
		st, err := store.OpenBolt(filepath.Join(cfg.DataDir, "keyfold.db"))
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	return nil, nil, fmt.Errorf("daemon: unknown storage backend %q", cfg.Backend)
}
