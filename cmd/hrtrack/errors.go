package main

import (
	"errors"
	"fmt"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/pkg/monitor"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while monitoring.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnsupportedDevice indicates the peripheral has no heart-rate measurement.
	ErrUnsupportedDevice = errors.New("device does not provide heart-rate measurements")
)

// FormatUserError turns internal errors into a message a user can act on.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrNotInitialized):
		return fmt.Sprintf("Bluetooth is not available, check that it is turned on and permitted (%v)", err)
	case errors.Is(err, device.ErrInvalidAddress):
		return "a device address is required"
	case errors.Is(err, monitor.ErrNoRememberedDevice):
		return "no device connected before; pass an address (see 'hrtrack scan')"
	case errors.Is(err, device.ErrTimeout):
		return "the device did not respond in time; make sure it is worn and nearby"
	case errors.Is(err, ErrUnsupportedDevice):
		return err.Error()
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	default:
		return err.Error()
	}
}
