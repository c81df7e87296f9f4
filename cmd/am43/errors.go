package main

import (
	"errors"
	"fmt"

	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/device"
)

// Command-level errors
var (
	// ErrNoBlinds indicates the scan window closed without binding any allowed motor.
	ErrNoBlinds = errors.New("no allowed AM43 blinds found")
)

// FormatUserError turns library errors into messages that suggest a next step
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	var ae *device.AdapterError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, ErrNoBlinds):
		return fmt.Sprintf("%s; check allowed_devices in the config or run 'am43 commission'", err)
	case errors.As(err, &nf) && nf.Resource == "device":
		return fmt.Sprintf("%s; the blind may be out of range or not in allowed_devices", err)
	case errors.As(err, &nf):
		return fmt.Sprintf("%s; is this an AM43 motor?", err)
	case errors.Is(err, am43.ErrFrameTooLarge):
		return fmt.Sprintf("internal error: %s", err)
	case errors.As(err, &ae):
		return fmt.Sprintf("bluetooth %s failed: %s", ae.Op, ae.Err)
	default:
		return err.Error()
	}
}
