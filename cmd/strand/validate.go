package main

import (
	"fmt"

	"github.com/strand-agents/strand/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given (pass a path or --config)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", path)
	fmt.Printf("   endpoint: %s\n", cfg.Endpoint.BaseURL)
	fmt.Printf("   storage:  %s\n", cfg.Storage.Driver)
	fmt.Printf("   retries:  %d (base delay %s)\n", cfg.Retry.MaxRetries, cfg.Retry.BaseDelay)
	return nil
}
