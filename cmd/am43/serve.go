package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/am43/internal/platform"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the blind platform until interrupted",
	Long: `Run the long-lived platform: restore remembered blinds, scan for allowed
motors, keep position and battery telemetry current and log every accessory
update. On Ctrl+C the last known state is saved and every motor is disconnected.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	adapter := newAdapter(logger)
	defer closeAdapter(adapter, logger)

	p, state, err := newPlatform(cfg, logger, adapter, platform.LogSink{Logger: logger})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"allowed":  len(cfg.AllowedDevices),
		"allowAll": cfg.AllowAll,
		"restored": state.Len(),
	}).Info("Loaded configuration")
	if !cfg.AllowAll && len(cfg.AllowedDevices) == 0 {
		logger.Warn("allowed_devices is empty, no blinds will be bound")
	}

	p.Restore(state.All())
	p.Start()

	<-ctx.Done()
	return p.Shutdown()
}
