// Package main is the entry point for the flashnode controller
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/ontree-co/flashnode/internal/cli"
	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/logging"
	"github.com/ontree-co/flashnode/internal/node"
	"github.com/ontree-co/flashnode/internal/telemetry"
	"github.com/ontree-co/flashnode/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil && logging.IsDevelopment() {
		logging.Debugf("No .env file found or error loading it: %v", err)
	}

	ctx := context.Background()
	shutdown, err := telemetry.InitializeFromEnv(ctx, version.Version)
	if err != nil {
		logging.Warnf("Failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			if err := shutdown(ctx); err != nil {
				logging.Warnf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	return cli.Execute(os.Args[1:], newManager, os.Stdout, os.Stderr)
}

func newManager(configPath string) (cli.Manager, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	logging.Debugf("Configuration: %s", cfg)

	manager, err := node.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	return cli.NewManagerAdapter(manager), nil
}
