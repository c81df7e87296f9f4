package goble

import (
	"fmt"

	"github.com/srg/am43/internal/device"
)

// NormalizeError maps go-ble specific error strings on top of device.NormalizeError
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case msg == "can't init hci: no devices available":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	default:
		return device.NormalizeError(err)
	}
}
