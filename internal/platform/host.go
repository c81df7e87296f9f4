package platform

import (
	"context"
	"time"

	"github.com/srg/am43/internal/blind"
	"github.com/srg/am43/internal/device"
	"github.com/srg/am43/internal/groutine"
)

// Host get/set handlers. Each call refreshes the accessory's interaction clock.
// Positions cross this boundary in host convention (100 = open).

// resolve returns the bound device for id, or DeviceNotFound after starting a rescue scan
func (p *Platform) resolve(id string) (*Accessory, *blind.Device, error) {
	acc, ok := p.Accessory(id)
	var dev *blind.Device
	if ok {
		dev = acc.Device()
	}
	if dev == nil {
		if p.StartScan(p.opts.RescueScanTimeout) {
			p.logger.WithField("device", id).Debug("Started scan for missing devices")
		}
		return nil, nil, &device.NotFoundError{Resource: "device", IDs: []string{id}}
	}
	acc.touch()
	return acc, dev, nil
}

// background runs a fire-and-forget device request
func (p *Platform) background(acc *Accessory, name string, fn func(ctx context.Context) error) {
	groutine.Go(p.ctx, name, func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			acc.logger.WithError(err).Warn("Background request failed")
		}
	})
}

// CurrentPosition reports the cached position, refreshing it in the background when stale
func (p *Platform) CurrentPosition(id string) (int, error) {
	acc, dev, err := p.resolve(id)
	if err != nil {
		return 0, err
	}
	t := dev.Telemetry()
	if t.PositionUpdatedAt.IsZero() || time.Since(t.PositionUpdatedAt) > p.opts.StalePositionAfter {
		acc.logger.Debug("Requesting position update")
		p.background(acc, "am43-position-"+dev.ID(), dev.RequestPosition)
	}
	return Invert(t.Position), nil
}

// TargetPosition reports the target, or the current position when none is set
func (p *Platform) TargetPosition(id string) (int, error) {
	_, dev, err := p.resolve(id)
	if err != nil {
		return 0, err
	}
	return Invert(targetOrCurrent(dev.Telemetry())), nil
}

// SetTargetPosition moves the blind to a host position and tracks it
func (p *Platform) SetTargetPosition(ctx context.Context, id string, position int) error {
	_, dev, err := p.resolve(id)
	if err != nil {
		return err
	}
	return dev.SetTargetPosition(ctx, Invert(position), true)
}

func (p *Platform) PositionState(id string) (PositionState, error) {
	_, dev, err := p.resolve(id)
	if err != nil {
		return PositionStopped, err
	}
	return positionStateOf(dev.Telemetry().Direction), nil
}

// HoldPosition stops the motor where it is
func (p *Platform) HoldPosition(ctx context.Context, id string) error {
	_, dev, err := p.resolve(id)
	if err != nil {
		return err
	}
	return dev.Stop(ctx)
}

func (p *Platform) Open(ctx context.Context, id string) error {
	_, dev, err := p.resolve(id)
	if err != nil {
		return err
	}
	return dev.Open(ctx)
}

func (p *Platform) Close(ctx context.Context, id string) error {
	_, dev, err := p.resolve(id)
	if err != nil {
		return err
	}
	return dev.Close(ctx)
}

// BatteryLevel reports the cached level and requests a fresh one in the background
func (p *Platform) BatteryLevel(id string) (int, error) {
	acc, dev, err := p.resolve(id)
	if err != nil {
		return 0, err
	}
	p.background(acc, "am43-battery-"+dev.ID(), dev.RequestBattery)
	return dev.Telemetry().Battery, nil
}

func (p *Platform) StatusLowBattery(id string) (bool, error) {
	_, dev, err := p.resolve(id)
	if err != nil {
		return false, err
	}
	return dev.Telemetry().Battery <= lowBatteryThreshold, nil
}

// LightLevel reports the last light reading; ok is false when the motor has no sensor
func (p *Platform) LightLevel(id string) (level int, ok bool, err error) {
	_, dev, err := p.resolve(id)
	if err != nil {
		return 0, false, err
	}
	t := dev.Telemetry()
	if !t.LightSensorPresent || t.LightLevel == nil {
		return 0, false, nil
	}
	return *t.LightLevel, true, nil
}

// SerialNumber is the device id
func (p *Platform) SerialNumber(id string) (string, error) {
	_, dev, err := p.resolve(id)
	if err != nil {
		return "", err
	}
	return dev.ID(), nil
}
