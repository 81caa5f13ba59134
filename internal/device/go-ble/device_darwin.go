//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// deviceID is ignored; CoreBluetooth exposes a single adapter
func newPlatformDevice(_ int) (ble.Device, error) {
	return darwin.NewDevice()
}
