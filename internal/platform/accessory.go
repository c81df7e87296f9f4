package platform

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/blind"
	"github.com/srg/am43/internal/groutine"
)

const (
	manufacturer = "renssies"
	model        = "AM43"

	lowBatteryThreshold = 10
)

// Accessory is the host-facing side of one blind. It exists from the first
// discovery (or from the persisted state) for the life of the process.
type Accessory struct {
	key    string
	logger *logrus.Entry

	mu          sync.Mutex
	info        AccessoryInfo
	dev         *blind.Device
	idle        *IdlePolicy
	poll        *PollLoop
	unsubscribe func()
	reachable   bool
}

func newAccessory(key string, info AccessoryInfo, logger *logrus.Logger) *Accessory {
	return &Accessory{
		key:    key,
		info:   info,
		logger: logger.WithField("accessory", key),
	}
}

func (a *Accessory) Key() string { return a.key }

func (a *Accessory) Info() AccessoryInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Device returns the bound blind, or nil while none is bound
func (a *Accessory) Device() *blind.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev
}

func (a *Accessory) Reachable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable
}

// LastInteraction is the last host get/set that touched this accessory
func (a *Accessory) LastInteraction() time.Time {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()
	if idle == nil {
		return time.Time{}
	}
	return idle.LastInteraction()
}

func (a *Accessory) touch() {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()
	if idle != nil {
		idle.Touch()
	}
}

// forward pushes device events to the sink until the subscription closes
func (a *Accessory) forward(events <-chan blind.Event, sink Sink) {
	for ev := range events {
		t := ev.Telemetry
		switch ev.Kind {
		case blind.PositionChanged:
			sink.UpdateCurrentPosition(a.key, Invert(t.Position))
		case blind.TargetPositionChanged:
			sink.UpdateTargetPosition(a.key, Invert(targetOrCurrent(t)))
		case blind.DirectionChanged:
			sink.UpdatePositionState(a.key, positionStateOf(t.Direction))
			if t.Direction == blind.Stopped {
				sink.UpdateCurrentPosition(a.key, Invert(t.Position))
				sink.UpdateTargetPosition(a.key, Invert(targetOrCurrent(t)))
			}
		case blind.BatteryChanged:
			sink.UpdateBattery(a.key, t.Battery, t.Battery <= lowBatteryThreshold)
		case blind.LightChanged:
			if t.LightLevel != nil {
				sink.UpdateLightLevel(a.key, *t.LightLevel)
			}
		case blind.ConnectedEvent, blind.DisconnectedEvent:
			a.logger.WithField("event", ev.Kind.String()).Debug("Link state changed")
		}
	}
}

// targetOrCurrent falls back to the current position when no target is set
func targetOrCurrent(t blind.Telemetry) int {
	if t.TargetPosition != nil {
		return *t.TargetPosition
	}
	return t.Position
}

// prepare connects and asks for an initial position
func (a *Accessory) prepare(ctx context.Context) {
	dev := a.Device()
	if dev == nil {
		return
	}
	groutine.Go(ctx, "am43-prepare-"+dev.ID(), func(ctx context.Context) {
		if err := dev.Connect(ctx); err != nil {
			a.logger.WithError(err).Warn("Initial connect failed")
			return
		}
		if err := dev.RequestPosition(ctx); err != nil {
			a.logger.WithError(err).Warn("Initial position request failed")
		}
	})
}

// release stops the background work of the accessory and drops the link
func (a *Accessory) release() {
	a.mu.Lock()
	dev, idle, poll, unsubscribe := a.dev, a.idle, a.poll, a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	if poll != nil {
		poll.Stop()
	}
	if idle != nil {
		idle.Stop()
	}
	if dev != nil {
		dev.Disconnect()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
