package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/am43/internal/config"
	"github.com/srg/am43/internal/device"
	"github.com/srg/am43/internal/device/goble"
	"github.com/srg/am43/internal/platform"
)

// newAdapter builds the radio adapter; tests replace it
var newAdapter = func(logger *logrus.Logger) device.Adapter {
	return goble.NewAdapter(logger)
}

// loadConfig reads --config and returns it with a logger configured from it and --log-level
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// closeAdapter releases the radio when the adapter supports it
func closeAdapter(adapter device.Adapter, logger *logrus.Logger) {
	if c, ok := adapter.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close BLE adapter")
		}
	}
}

// newPlatform wires config, state store and adapter into a Platform
func newPlatform(cfg *config.Config, logger *logrus.Logger, adapter device.Adapter, sink platform.Sink) (*platform.Platform, *config.StateStore, error) {
	state, err := config.LoadState(cfg.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load state: %w", err)
	}
	p := platform.New(adapter, sink, platform.AllowListFromConfig(cfg), state,
		platform.OptionsFromConfig(cfg, formatVersion(version)), logger)
	return p, state, nil
}
