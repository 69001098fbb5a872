package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/strand-agents/strand/pkg/a2a/client"
	"github.com/strand-agents/strand/pkg/config"
	"github.com/strand-agents/strand/pkg/observability"
	"github.com/strand-agents/strand/pkg/retry"
	"github.com/strand-agents/strand/pkg/runtime"
	"github.com/strand-agents/strand/pkg/session"
)

// loadConfig loads the config file given on the command line, or defaults
// when none was given.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

// openStore builds the transcript store selected by the config.
func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	default:
		driverName := cfg.Storage.Driver
		if driverName == "sqlite" {
			driverName = "sqlite3"
		}
		db, err := sql.Open(driverName, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if driverName == "sqlite3" {
			// SQLite serializes writers; more connections just produce
			// "database is locked" errors.
			db.SetMaxOpenConns(1)
		}
		store, err := session.NewSQLStore(db, cfg.Storage.Driver)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}

// newDispatcher wires the protocol pieces from config. Metrics are
// registered here so every instrument the dispatcher records lands on the
// process's Prometheus registry.
func newDispatcher(ctx context.Context, cfg *config.Config, store session.Store) (*runtime.Dispatcher, error) {
	metrics, err := observability.InitMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	c := client.New(cfg.Endpoint.BaseURL,
		client.WithToken(cfg.Endpoint.Token),
		client.WithIdleTimeout(cfg.Stream.IdleTimeout),
	)
	retryer := retry.New(cfg.Retry.Policy())
	return runtime.New(store, c, retryer,
		runtime.WithRouting(cfg.Routing),
		runtime.WithMetrics(metrics),
	), nil
}
