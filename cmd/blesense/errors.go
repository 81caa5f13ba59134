package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesense/internal/alpha"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/storage"
)

// Command-level errors
var (
	// ErrNotASensor means the device answered but is not an Alpha sensor
	ErrNotASensor = errors.New("device is not a supported sensor")
)

// FormatUserError turns internal errors into a one-line message for the terminal
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable. Enable the adapter and try again."
	case errors.Is(err, storage.ErrBusy):
		return fmt.Sprintf("database is busy, try again later (%v)", err)
	case errors.Is(err, alpha.ErrTimeout):
		return fmt.Sprintf("sensor did not answer in time (%v)", err)
	default:
		var nf *device.NotFoundError
		if errors.As(err, &nf) {
			return fmt.Sprintf("%v (is this an Alpha sensor?)", err)
		}
		return err.Error()
	}
}
