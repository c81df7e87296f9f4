package commission

import (
	"errors"

	"github.com/srg/am43/internal/device"
)

// ErrNoConfig is returned by allow-list operations on a session without a config
var ErrNoConfig = errors.New("no configuration file to update")

// Allowed reports whether the motor at index is in allowed_devices
func (s *Session) Allowed(index int) (bool, error) {
	e, err := s.Device(index)
	if err != nil {
		return false, err
	}
	if s.cfg == nil {
		return false, ErrNoConfig
	}
	if s.cfg.AllowAll {
		return true, nil
	}
	for _, id := range s.cfg.AllowedDevices {
		n := device.NormalizeIdentity(id)
		if n == device.NormalizeIdentity(e.ID) || (e.Address != "" && n == device.NormalizeIdentity(e.Address)) {
			return true, nil
		}
	}
	return false, nil
}

// AllowDevice adds the motor at index to allowed_devices and saves the config
func (s *Session) AllowDevice(index int) error {
	return s.updateAllowList(index, true)
}

// DisallowDevice removes the motor at index from allowed_devices and saves the config
func (s *Session) DisallowDevice(index int) error {
	return s.updateAllowList(index, false)
}

func (s *Session) updateAllowList(index int, allow bool) error {
	e, err := s.Device(index)
	if err != nil {
		return err
	}
	if s.cfg == nil {
		return ErrNoConfig
	}

	changed := false
	if allow {
		changed = s.cfg.Allow(e.ID)
	} else {
		changed = s.cfg.Disallow(e.ID)
		if e.Address != "" && s.cfg.Disallow(e.Address) {
			changed = true
		}
	}
	if !changed {
		return nil
	}

	logger := s.logger.WithField("device", e.ID).WithField("allowed", allow)
	if err := s.cfg.Save(); err != nil {
		logger.WithError(err).Error("Failed to save allowed_devices")
		return err
	}
	logger.Info("Updated allowed_devices")
	return nil
}
