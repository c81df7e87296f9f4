package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/am43/internal/platform"
)

var statusCmd = &cobra.Command{
	Use:   "status [device-id...]",
	Short: "Show position, battery and light level of allowed blinds",
	Long: `Scan for allowed blinds, read their telemetry and print it.
Positions use the 100 = open convention. Without device ids every blind
found during the scan is shown.`,
	RunE: runStatus,
}

var setPositionCmd = &cobra.Command{
	Use:   "set-position <percent-open> [device-id...]",
	Short: "Move blinds to a position (100 = open)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSetPosition,
}

var openCmd = &cobra.Command{
	Use:   "open [device-id...]",
	Short: "Fully open blinds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMove(cmd, args, "open", (*platform.Platform).Open)
	},
}

var closeCmd = &cobra.Command{
	Use:   "close [device-id...]",
	Short: "Fully close blinds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMove(cmd, args, "close", (*platform.Platform).Close)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [device-id...]",
	Short: "Stop blinds where they are",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMove(cmd, args, "stop", (*platform.Platform).HoldPosition)
	},
}

var (
	controlWait    bool
	controlTimeout time.Duration
)

func init() {
	setPositionCmd.Flags().BoolVarP(&controlWait, "wait", "w", true, "Wait until the blind stops")
	setPositionCmd.Flags().DurationVar(&controlTimeout, "timeout", 90*time.Second, "Maximum time to wait for the blind to stop")
}

// session is one short-lived platform run
type session struct {
	platform *platform.Platform
	logger   *logrus.Logger
	ids      []string
}

// withBlinds scans until every requested blind is bound (or the scan window ends)
// and runs fn against the bound ids
func withBlinds(cmd *cobra.Command, ids []string, fn func(ctx context.Context, s *session) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	adapter := newAdapter(logger)
	defer closeAdapter(adapter, logger)

	p, _, err := newPlatform(cfg, logger, adapter, platform.LogSink{Logger: logger})
	if err != nil {
		return err
	}

	bound, err := discover(ctx, p, cfg.ScanTimeout, ids)
	runErr := err
	if runErr == nil {
		if len(bound) == 0 {
			runErr = ErrNoBlinds
		} else {
			runErr = fn(ctx, &session{platform: p, logger: logger, ids: bound})
		}
	}

	if err := p.Shutdown(); err != nil {
		logger.WithError(err).Warn("Failed to save state")
	}
	return runErr
}

// discover runs one scan window, ending it early once all wanted ids are bound
func discover(ctx context.Context, p *platform.Platform, timeout time.Duration, wanted []string) ([]string, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(wanted) > 0 {
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-scanCtx.Done():
					return
				case <-ticker.C:
					if allBound(p, wanted) {
						cancel()
						return
					}
				}
			}
		}()
	}

	err := p.Scan(scanCtx, timeout)
	if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() == nil) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(wanted) > 0 {
		var missing []string
		for _, id := range wanted {
			if acc, ok := p.Accessory(id); !ok || acc.Device() == nil {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoBlinds, missing)
		}
		return wanted, nil
	}

	var ids []string
	for _, acc := range p.Accessories() {
		if dev := acc.Device(); dev != nil {
			ids = append(ids, dev.ID())
		}
	}
	return ids, nil
}

func allBound(p *platform.Platform, ids []string) bool {
	for _, id := range ids {
		acc, ok := p.Accessory(id)
		if !ok || acc.Device() == nil {
			return false
		}
	}
	return true
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withBlinds(cmd, args, func(ctx context.Context, s *session) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tOPEN %\tBATTERY %\tLIGHT")

		var errs []error
		for _, id := range s.ids {
			acc, _ := s.platform.Accessory(id)
			if err := acc.Device().RequestAll(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
			info := acc.Info()

			position, err := s.platform.CurrentPosition(id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			battery, _ := s.platform.BatteryLevel(id)
			light := "-"
			if level, ok, _ := s.platform.LightLevel(id); ok {
				light = strconv.Itoa(level)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", id, info.Name, info.Address, position, battery, light)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return errors.Join(errs...)
	})
}

func runSetPosition(cmd *cobra.Command, args []string) error {
	position, err := strconv.Atoi(args[0])
	if err != nil || position < 0 || position > 100 {
		return fmt.Errorf("invalid position %q: must be 0..100", args[0])
	}

	return withBlinds(cmd, args[1:], func(ctx context.Context, s *session) error {
		var errs []error
		for _, id := range s.ids {
			if err := s.platform.SetTargetPosition(ctx, id, position); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			s.logger.WithFields(logrus.Fields{"device": id, "position": position}).Info("Target position set")
		}
		if !controlWait || len(errs) == len(s.ids) {
			return errors.Join(errs...)
		}
		if err := waitStopped(ctx, s, controlTimeout); err != nil {
			errs = append(errs, err)
		}
		for _, id := range s.ids {
			if current, err := s.platform.CurrentPosition(id); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d%% open\n", id, current)
			}
		}
		return errors.Join(errs...)
	})
}

// waitStopped waits until every blind reports PositionStopped
func waitStopped(ctx context.Context, s *session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		moving := 0
		for _, id := range s.ids {
			if state, err := s.platform.PositionState(id); err == nil && state != platform.PositionStopped {
				moving++
			}
		}
		if moving == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d blind(s) still moving: %w", moving, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runMove(cmd *cobra.Command, args []string, name string, fn func(*platform.Platform, context.Context, string) error) error {
	return withBlinds(cmd, args, func(ctx context.Context, s *session) error {
		var errs []error
		for _, id := range s.ids {
			if err := fn(s.platform, ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, name)
		}
		return errors.Join(errs...)
	})
}
