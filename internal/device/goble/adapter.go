// Package goble implements device.Adapter on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Adapter owns the process-wide ble.Device
type Adapter struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewAdapter creates an adapter; the radio is opened lazily on first use
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{logger: logger}
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	a.dev = dev
	return dev, nil
}

// Scan implements device.Adapter
func (a *Adapter) Scan(ctx context.Context, serviceUUID string, handler func(device.Advertisement)) error {
	dev, err := a.device()
	if err != nil {
		return &device.AdapterError{Op: "scan", Err: err}
	}

	a.logger.WithField("service", serviceUUID).Debug("Starting BLE scan...")

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		wrapped := NewBLEAdvertisement(adv)
		if serviceUUID != "" && !device.HasService(wrapped, serviceUUID) {
			return
		}
		handler(wrapped)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return &device.AdapterError{Op: "scan", Err: NormalizeError(err)}
	}
	return nil
}

// Connect implements device.Adapter
func (a *Adapter) Connect(ctx context.Context, address string) (device.Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, &device.AdapterError{Op: "connect", Err: fmt.Errorf("device address is empty")}
	}

	dev, err := a.device()
	if err != nil {
		return nil, &device.AdapterError{Op: "connect", Address: address, Err: err}
	}

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, &device.AdapterError{Op: "connect", Address: address, Err: NormalizeError(err)}
	}

	return newClient(client, address, a.logger), nil
}

// Reset stops the radio; the next operation opens a fresh one
func (a *Adapter) Reset() error {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			a.logger.WithError(err).Warn("Failed to stop BLE device during reset")
		}
	}

	if _, err := a.device(); err != nil {
		return &device.AdapterError{Op: "reset", Err: err}
	}
	a.logger.Info("BLE adapter reset")
	return nil
}

// Close stops the radio
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil
	}
	err := a.dev.Stop()
	a.dev = nil
	return err
}
