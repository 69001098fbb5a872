package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/strand-agents/strand/pkg/config"
	"github.com/strand-agents/strand/pkg/server"
)

// ServeCmd starts the development agent server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	srv := server.New(cfg.Server)

	fmt.Printf("strand server ready\n")
	fmt.Printf("   RPC:     http://%s/rpc\n", cfg.Server.Address())
	fmt.Printf("   Stream:  http://%s/rpc/stream\n", cfg.Server.Address())
	fmt.Printf("   Health:  http://%s/health\n", cfg.Server.Address())
	fmt.Printf("   Metrics: http://%s/metrics\n", cfg.Server.Address())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if c.Watch && cli.Config != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cli.Config, func(next *config.Config) {
				// Address changes need a restart; everything else the
				// responder reads per request.
				slog.Info("Config change applied", "path", cli.Config)
			})
			if err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
