package blind

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/groutine"
)

// SetTargetPosition records target, sends SET_POSITION and, when track is set,
// polls position every TrackInterval until the target is reached or the motor stops.
func (d *Device) SetTargetPosition(ctx context.Context, target int, track bool) error {
	if target < 0 || target > 100 {
		return fmt.Errorf("target position %d out of range 0..100", target)
	}

	d.mu.Lock()
	t := target
	var direction Direction
	switch {
	case target == d.telemetry.Position:
		direction = Stopped
	case target < d.telemetry.Position:
		direction = Opening
	default:
		direction = Closing
	}
	evs := d.setMotion(&t, direction)
	d.mu.Unlock()
	d.publish(evs...)

	if err := d.SendCommand(ctx, am43.CommandSetPosition, []byte{byte(target)}); err != nil {
		return err
	}
	if track {
		d.startTracking()
	}
	return nil
}

// Open runs the motor to the fully open end
func (d *Device) Open(ctx context.Context) error {
	return d.move(ctx, am43.MoveOpen, 0, Opening)
}

// Close runs the motor to the fully closed end
func (d *Device) Close(ctx context.Context) error {
	return d.move(ctx, am43.MoveClose, 100, Closing)
}

// Stop halts the motor and clears any target
func (d *Device) Stop(ctx context.Context) error {
	if err := d.SendCommand(ctx, am43.CommandSetMove, []byte{am43.MoveStop}); err != nil {
		return err
	}

	d.mu.Lock()
	tracker := d.tracker
	d.tracker = nil
	evs := d.setMotion(nil, Stopped)
	d.mu.Unlock()

	tracker.Cancel()
	d.publish(evs...)
	return nil
}

func (d *Device) move(ctx context.Context, code byte, target int, direction Direction) error {
	if err := d.SendCommand(ctx, am43.CommandSetMove, []byte{code}); err != nil {
		return err
	}

	d.mu.Lock()
	evs := d.setMotion(&target, direction)
	d.mu.Unlock()
	d.publish(evs...)

	d.startTracking()
	return nil
}

// Tracking reports whether a position tracking poll is running
func (d *Device) Tracking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker != nil
}

func (d *Device) startTracking() {
	d.mu.Lock()
	if d.telemetry.TargetPosition == nil {
		d.mu.Unlock()
		return
	}
	previous := d.tracker
	d.trackSeq++
	seq := d.trackSeq
	d.tracker = groutine.Start(context.Background(), "am43-track-"+d.identity.ID, func(ctx context.Context) {
		d.track(ctx, seq)
	})
	d.mu.Unlock()

	previous.Cancel()
}

func (d *Device) track(ctx context.Context, seq uint64) {
	ticker := time.NewTicker(d.opts.TrackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		active := d.trackSeq == seq && d.tracker != nil && d.telemetry.TargetPosition != nil
		d.mu.Unlock()
		if !active {
			return
		}

		if err := d.RequestPosition(ctx); err != nil && ctx.Err() == nil {
			d.log().WithError(err).Warn("Position request failed while tracking")
		}
	}
}
