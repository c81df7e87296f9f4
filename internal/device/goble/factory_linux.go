//go:build linux

package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

const hciTimeout = 20 * time.Second

func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice(ble.OptDialerTimeout(hciTimeout), ble.OptListenerTimeout(hciTimeout))
}
