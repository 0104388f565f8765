// Package config handles SmartMedGuard configuration loading.
//
// Configuration is a single YAML file. Values may reference environment
// variables (${MQTT_PASSWORD}); a .env file sitting next to the config
// file is loaded into the environment first so secrets can stay out of
// the YAML itself. The loaded [Config] is treated as immutable for the
// lifetime of the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/medguard/config.yaml, /etc/medguard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "medguard", "config.yaml"))
	}

	paths = append(paths, "/etc/medguard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all SmartMedGuard configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	WiFi      WiFiConfig      `yaml:"wifi"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Clock     ClockConfig     `yaml:"clock"`
	Display   DisplayConfig   `yaml:"display"`
	Loop      LoopConfig      `yaml:"loop"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
	Simulate  SimulateConfig  `yaml:"simulate"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// DeviceConfig identifies the room this unit monitors. The publish
// topic is derived from it once at startup.
type DeviceConfig struct {
	Agency string `yaml:"agency"`
	Floor  int    `yaml:"floor"`
	Room   string `yaml:"room"`
}

// WiFiConfig defines the WiFi link and its reconnection policy.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	// Interface is the network interface whose state represents the
	// WiFi link (e.g. wlan0).
	Interface string `yaml:"interface"`
	// JoinCommand is an optional argv used to start association. The
	// placeholders {ssid} and {password} are substituted. Empty means
	// association is managed by the OS.
	JoinCommand []string `yaml:"join_command"`
	// TimeoutSec is the number of one-second status polls on the
	// initial connect (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
	// ReconnectAttempts is the poll budget of a background reconnect
	// attempt while offline (default 5).
	ReconnectAttempts int `yaml:"reconnect_attempts"`
	// ReconnectIntervalSec is the minimum spacing of background
	// reconnect attempts while offline (default 60).
	ReconnectIntervalSec int `yaml:"reconnect_interval_sec"`
}

// MQTTConfig defines the broker connection and its retry policy.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"` // default derived from device identity
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// RetryAttempts is the number of connect attempts per connect
	// round (default 10).
	RetryAttempts int `yaml:"retry_attempts"`
	// ReconnectDelaySec is the blocking delay between failed connect
	// attempts (default 5).
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
	KeepAliveSec      int `yaml:"keep_alive_sec"`
	// Availability enables the retained <topic>/availability birth and
	// will messages.
	Availability bool `yaml:"availability"`
}

// SensorConfig selects the sensor driver and the sensing cadence.
type SensorConfig struct {
	Driver     string `yaml:"driver"`      // sysfs (default) or simulated
	IIODevice  string `yaml:"iio_device"`  // sysfs IIO directory of the DHT22
	MotionGPIO string `yaml:"motion_gpio"` // sysfs GPIO value file of the PIR
	Seed       uint64 `yaml:"seed"`        // simulated driver only
	IntervalMs int    `yaml:"interval_ms"`
	WarmupMs   int    `yaml:"warmup_ms"`
	// PresenceTimeoutSec is how long occupancy is held after the last
	// motion (default 300).
	PresenceTimeoutSec int `yaml:"presence_timeout_sec"`
}

// ClockConfig defines network time sync and display time zone.
type ClockConfig struct {
	NTPServers   []string `yaml:"ntp_servers"`
	SyncAttempts int      `yaml:"sync_attempts"`
	SyncDelayMs  int      `yaml:"sync_delay_ms"`
	// TimezoneOffsetHours is added to UTC for display only. Published
	// timestamps stay UTC.
	TimezoneOffsetHours int `yaml:"timezone_offset_hours"`
}

// DisplayConfig selects the local status display.
type DisplayConfig struct {
	// Mode is one of: none, log (default), panel.
	Mode  string `yaml:"mode"`
	Width int    `yaml:"width"`
}

// LoopConfig tunes the supervisor loop.
type LoopConfig struct {
	TickMs int `yaml:"tick_ms"`
}

// StatusAPIConfig defines the optional local HTTP status server.
type StatusAPIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port     int    `yaml:"port"`
	MaxConns int    `yaml:"max_conns"`
}

// SimulateConfig configures the fleet simulator (medguard simulate).
type SimulateConfig struct {
	IntervalSec int            `yaml:"interval_sec"`
	StaggerMs   int            `yaml:"stagger_ms"`
	Devices     []DeviceConfig `yaml:"devices"` // empty = built-in fleet
}

// Default returns the default configuration. Values mirror the
// constants the firmware shipped with.
func Default() *Config {
	return &Config{
		WiFi: WiFiConfig{
			Interface:            "wlan0",
			TimeoutSec:           30,
			ReconnectAttempts:    5,
			ReconnectIntervalSec: 60,
		},
		MQTT: MQTTConfig{
			Port:              1883,
			RetryAttempts:     10,
			ReconnectDelaySec: 5,
			KeepAliveSec:      15,
		},
		Sensor: SensorConfig{
			Driver:             "sysfs",
			IIODevice:          "/sys/bus/iio/devices/iio:device0",
			MotionGPIO:         "/sys/class/gpio/gpio18/value",
			IntervalMs:         3000,
			WarmupMs:           3000,
			PresenceTimeoutSec: 300,
		},
		Clock: ClockConfig{
			NTPServers:          []string{"pool.ntp.org", "time.nist.gov", "time.google.com"},
			SyncAttempts:        20,
			SyncDelayMs:         500,
			TimezoneOffsetHours: 8,
		},
		Display:   DisplayConfig{Mode: "log", Width: 32},
		Loop:      LoopConfig{TickMs: 500},
		StatusAPI: StatusAPIConfig{Port: 8090, MaxConns: 4},
		Simulate:  SimulateConfig{IntervalSec: 3, StaggerMs: 250},
		DataDir:   "./db",
	}
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the process environment before
// ${VAR} references are expanded. Variables already set in the
// environment win over .env values.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports configuration that would leave the device unable to
// run. All problems are joined into a single error.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Device.Agency) == "" {
		errs = append(errs, errors.New("device.agency is required"))
	}
	if strings.TrimSpace(c.Device.Room) == "" {
		errs = append(errs, errors.New("device.room is required"))
	}
	if c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"wifi.timeout_sec", c.WiFi.TimeoutSec},
		{"wifi.reconnect_attempts", c.WiFi.ReconnectAttempts},
		{"wifi.reconnect_interval_sec", c.WiFi.ReconnectIntervalSec},
		{"mqtt.retry_attempts", c.MQTT.RetryAttempts},
		{"sensor.interval_ms", c.Sensor.IntervalMs},
		{"sensor.presence_timeout_sec", c.Sensor.PresenceTimeoutSec},
		{"loop.tick_ms", c.Loop.TickMs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %d)", p.name, p.value))
		}
	}
	if c.MQTT.ReconnectDelaySec < 0 {
		errs = append(errs, fmt.Errorf("mqtt.reconnect_delay_sec must not be negative (got %d)", c.MQTT.ReconnectDelaySec))
	}

	switch c.Sensor.Driver {
	case "sysfs", "simulated":
	default:
		errs = append(errs, fmt.Errorf("sensor.driver %q unknown (valid: sysfs, simulated)", c.Sensor.Driver))
	}
	switch c.Display.Mode {
	case "none", "log", "panel":
	default:
		errs = append(errs, fmt.Errorf("display.mode %q unknown (valid: none, log, panel)", c.Display.Mode))
	}

	return errors.Join(errs...)
}

// ClientID returns the configured MQTT client ID, or one derived from
// the device identity (iot-device-klinik-itk-1-001).
func (c *Config) ClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return "iot-device-" + Slug(c.Device.Agency) + "-" + strconv.Itoa(c.Device.Floor) + "-" + Slug(c.Device.Room)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses every run of characters outside
// [a-z0-9] into a single dash.
func Slug(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Duration helpers. Config stores plain integers so the YAML stays
// readable for people flashing devices.

// SensorInterval is the sensor-cycle cadence.
func (c *Config) SensorInterval() time.Duration {
	return time.Duration(c.Sensor.IntervalMs) * time.Millisecond
}

// SensorWarmup is the settle time before the boot test reading.
func (c *Config) SensorWarmup() time.Duration {
	return time.Duration(c.Sensor.WarmupMs) * time.Millisecond
}

// PresenceTimeout is the occupancy hold window after the last motion.
func (c *Config) PresenceTimeout() time.Duration {
	return time.Duration(c.Sensor.PresenceTimeoutSec) * time.Second
}

// WiFiReconnectInterval is the minimum spacing of background reconnects.
func (c *Config) WiFiReconnectInterval() time.Duration {
	return time.Duration(c.WiFi.ReconnectIntervalSec) * time.Second
}

// MQTTReconnectDelay is the delay between failed broker connects.
func (c *Config) MQTTReconnectDelay() time.Duration {
	return time.Duration(c.MQTT.ReconnectDelaySec) * time.Second
}

// TickInterval is the supervisor loop sleep.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Loop.TickMs) * time.Millisecond
}

// ClockSyncDelay is the wait between NTP attempts.
func (c *Config) ClockSyncDelay() time.Duration {
	return time.Duration(c.Clock.SyncDelayMs) * time.Millisecond
}

// SimulateInterval is the per-device publish cadence of the simulator.
func (c *Config) SimulateInterval() time.Duration {
	return time.Duration(c.Simulate.IntervalSec) * time.Second
}

// SimulateStagger is the start offset between simulated devices.
func (c *Config) SimulateStagger() time.Duration {
	return time.Duration(c.Simulate.StaggerMs) * time.Millisecond
}
