// Package sensor provides the temperature, humidity and motion drivers.
package sensor

import (
	"fmt"
	"log/slog"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// New returns the driver named by driver: "sysfs" or "simulated".
func New(driver, iioDevice, motionGPIO string, seed uint64, logger *slog.Logger) (device.Sensor, error) {
	switch driver {
	case "sysfs":
		return NewSysfs(iioDevice, motionGPIO, logger), nil
	case "simulated":
		return NewSimulated(seed), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", driver)
	}
}
