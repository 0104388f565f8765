package sensor

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sysfs reads a DHT22 through the Linux IIO dht11 driver and a PIR
// motion detector on a sysfs GPIO value file. Failed reads return NaN
// (environmental) or false (motion); the DHT driver fails routinely
// when polled too often.
type Sysfs struct {
	iioDevice  string
	motionPath string
	logger     *slog.Logger
}

// NewSysfs creates a driver for the IIO device directory and the GPIO
// value file.
func NewSysfs(iioDevice, motionGPIO string, logger *slog.Logger) *Sysfs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sysfs{iioDevice: iioDevice, motionPath: motionGPIO, logger: logger}
}

// ReadTemperature returns degrees Celsius.
func (s *Sysfs) ReadTemperature() float64 {
	return s.readMilli("in_temp_input")
}

// ReadHumidity returns relative humidity in percent.
func (s *Sysfs) ReadHumidity() float64 {
	return s.readMilli("in_humidityrelative_input")
}

// ReadMotion returns true when the GPIO reads high.
func (s *Sysfs) ReadMotion() bool {
	b, err := os.ReadFile(s.motionPath)
	if err != nil {
		s.logger.Debug("motion read failed", "path", s.motionPath, "error", err)
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}

// readMilli reads an IIO channel reported in thousandths.
func (s *Sysfs) readMilli(channel string) float64 {
	path := filepath.Join(s.iioDevice, channel)
	v, err := readInt(path)
	if err != nil {
		s.logger.Debug("sensor read failed", "path", path, "error", err)
		return math.NaN()
	}
	return float64(v) / 1000
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
