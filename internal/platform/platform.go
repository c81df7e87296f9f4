// Package platform binds discovered AM43 blinds to a home-automation host.
//
// It owns the discovery registry and allow-list, the per-accessory idle
// disconnect policy and poll loop, and the host get/set boundary where
// positions are converted to the host's 100 = open convention.
package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/blind"
	"github.com/srg/am43/internal/config"
	"github.com/srg/am43/internal/device"
	"github.com/srg/am43/internal/groutine"
)

// StateStore persists last-known telemetry across restarts
type StateStore interface {
	Get(id string) (config.DeviceState, bool)
	Put(st config.DeviceState)
	Save() error
}

// Options configure the platform
type Options struct {
	ScanTimeout        time.Duration
	RescueScanTimeout  time.Duration
	PollInterval       time.Duration
	IdleTimeout        time.Duration
	IdleGrace          time.Duration
	StalePositionAfter time.Duration
	Firmware           string
	Device             blind.Options
}

// OptionsFromConfig maps configuration keys onto Options
func OptionsFromConfig(cfg *config.Config, firmware string) Options {
	return Options{
		ScanTimeout:        cfg.ScanTimeout,
		RescueScanTimeout:  cfg.RescueScanTimeout,
		PollInterval:       cfg.PollInterval,
		IdleTimeout:        cfg.IdleTimeout,
		IdleGrace:          cfg.IdleGrace,
		StalePositionAfter: cfg.StalePositionAfter,
		Firmware:           firmware,
		Device: blind.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			CommandSpacing: cfg.CommandSpacing,
			TrackInterval:  cfg.TrackInterval,
		},
	}
}

// AllowListFromConfig builds the allow-list described by the configuration
func AllowListFromConfig(cfg *config.Config) AllowList {
	if cfg.AllowAll {
		return AllowAll()
	}
	return NewAllowList(cfg.AllowedDevices)
}

// Platform is the long-running orchestrator
type Platform struct {
	adapter device.Adapter
	sink    Sink
	allow   AllowList
	state   StateStore
	opts    Options
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	accessories *hashmap.Map[string, *Accessory]
	scanning    atomic.Bool
}

func New(adapter device.Adapter, sink Sink, allow AllowList, state StateStore, opts Options, logger *logrus.Logger) *Platform {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		adapter:     adapter,
		sink:        sink,
		allow:       allow,
		state:       state,
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		accessories: hashmap.New[string, *Accessory](),
	}
}

// Restore registers accessories remembered in the state store as unreachable
// until they are discovered again
func (p *Platform) Restore(states []config.DeviceState) {
	for _, st := range states {
		key := ReconciliationKey(st.ID)
		name := st.Name
		if name == "" {
			name = blind.NewIdentity(st.ID, st.Address, "").DisplayName
		}
		acc, loaded := p.accessories.GetOrInsert(key, newAccessory(key, p.info(key, st.ID, st.Address, name), p.logger))
		if loaded {
			continue
		}
		p.sink.Register(acc.Info())
		p.sink.UpdateReachability(key, false)
	}
}

func (p *Platform) info(key, id, address, name string) AccessoryInfo {
	return AccessoryInfo{
		Key:          key,
		SerialNumber: id,
		Name:         name,
		Address:      address,
		Manufacturer: manufacturer,
		Model:        model,
		Firmware:     p.opts.Firmware,
	}
}

// Start kicks off the initial discovery window
func (p *Platform) Start() {
	p.logger.Info("Starting AM43 platform")
	p.StartScan(p.opts.ScanTimeout)
}

// Scanning reports whether a discovery window is open
func (p *Platform) Scanning() bool { return p.scanning.Load() }

// Scan runs one discovery window. Overlapping windows are refused with ErrScanInProgress.
func (p *Platform) Scan(ctx context.Context, timeout time.Duration) error {
	if !p.scanning.CompareAndSwap(false, true) {
		return device.ErrScanInProgress
	}
	defer p.scanning.Store(false)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.WithField("timeout", timeout).Info("Started scanning for AM43 blinds")
	err := p.adapter.Scan(scanCtx, am43.ServiceUUID, p.HandleDiscovery)
	if err != nil {
		p.logger.WithError(err).Error("Scan failed")
		return err
	}
	p.logger.WithField("bound", p.BoundCount()).Info("Stopped scanning for AM43 blinds")
	return nil
}

// StartScan runs a discovery window in the background. It returns false when one is already open.
func (p *Platform) StartScan(timeout time.Duration) bool {
	if p.scanning.Load() {
		return false
	}
	groutine.Go(p.ctx, "am43-scan", func(ctx context.Context) {
		if err := p.Scan(ctx, timeout); err != nil && !errors.Is(err, device.ErrScanInProgress) {
			p.logger.WithError(err).Warn("Background scan failed")
		}
	})
	return true
}

// HandleDiscovery applies the allow-list and binds or rebinds the peripheral
func (p *Platform) HandleDiscovery(adv device.Advertisement) {
	identity := IdentityFromAdvertisement(adv)
	logger := p.logger.WithFields(logrus.Fields{
		"device":  identity.ID,
		"address": identity.Address,
		"name":    identity.DisplayName,
	})

	if !p.allow.Allows(identity) {
		logger.Warnf("Ignoring AM43 blind not in allowed_devices; add %q to bind it", identity.ID)
		return
	}

	key := ReconciliationKey(identity.ID)
	acc, loaded := p.accessories.GetOrInsert(key, newAccessory(key, p.info(key, identity.ID, identity.Address, identity.DisplayName), p.logger))
	if !loaded {
		logger.Info("Found new AM43 motor")
		p.sink.Register(acc.Info())
	} else {
		logger.Debug("Found existing AM43 motor")
	}
	p.bind(acc, identity)
}

// bind attaches a Device to the accessory; repeated calls refresh the peripheral reference
func (p *Platform) bind(acc *Accessory, identity blind.Identity) {
	acc.mu.Lock()
	dev := acc.dev
	fresh := dev == nil
	if fresh {
		dev = blind.New(identity, p.adapter, p.opts.Device, p.logger)
		acc.dev = dev
		acc.idle = NewIdlePolicy(identity.ID, p.opts.IdleTimeout, p.opts.IdleGrace, dev, acc.logger)
		acc.poll = NewPollLoop(identity.ID, p.opts.PollInterval, dev, acc.logger, acc.idle.Arm)
		events, unsubscribe := dev.Subscribe()
		acc.unsubscribe = unsubscribe
		groutine.Go(p.ctx, "am43-forward-"+identity.ID, func(context.Context) {
			acc.forward(events, p.sink)
		})
	}
	if identity.Address != "" {
		acc.info.Address = identity.Address
	}
	acc.reachable = true
	poll := acc.poll
	acc.mu.Unlock()

	if !fresh {
		dev.Rebind(identity.DialAddress())
	} else if p.state != nil {
		if st, ok := p.state.Get(identity.ID); ok {
			dev.Seed(st.LastPosition, st.LastBattery)
		}
	}

	p.sink.UpdateReachability(acc.key, true)
	if fresh {
		acc.prepare(p.ctx)
	}
	poll.Start(p.ctx)
}

// Accessory looks an accessory up by device id or reconciliation key
func (p *Platform) Accessory(idOrKey string) (*Accessory, bool) {
	if acc, ok := p.accessories.Get(idOrKey); ok {
		return acc, true
	}
	return p.accessories.Get(ReconciliationKey(idOrKey))
}

// Accessories returns every known accessory
func (p *Platform) Accessories() []*Accessory {
	out := make([]*Accessory, 0, p.accessories.Len())
	p.accessories.Range(func(_ string, acc *Accessory) bool {
		out = append(out, acc)
		return true
	})
	return out
}

// BoundCount is the number of accessories with a discovered device
func (p *Platform) BoundCount() int {
	n := 0
	p.accessories.Range(func(_ string, acc *Accessory) bool {
		if acc.Device() != nil {
			n++
		}
		return true
	})
	return n
}

// Shutdown snapshots telemetry into the state store and disconnects every blind
func (p *Platform) Shutdown() error {
	p.logger.Info("Shutting down, disconnecting AM43 motors and saving state")
	p.cancel()

	p.accessories.Range(func(_ string, acc *Accessory) bool {
		dev := acc.Device()
		if dev != nil && p.state != nil {
			t := dev.Telemetry()
			info := acc.Info()
			p.state.Put(config.DeviceState{
				ID:           dev.ID(),
				Address:      info.Address,
				Name:         info.Name,
				LastPosition: t.Position,
				LastBattery:  t.Battery,
			})
		}
		acc.release()
		return true
	})

	if p.state == nil {
		return nil
	}
	return p.state.Save()
}
