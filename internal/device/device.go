// Package device defines the collaborators the connectivity supervisor
// drives: the sensor driver, the clock, the display, and the network
// transport (split into the WiFi link and the MQTT broker session). It
// also holds the value types that flow between them.
//
// Concrete implementations live in their own packages (sensor, rtc,
// display, netlink, mqtt) so the supervisor can be tested entirely
// against fakes.
package device

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Identity is the room a unit is installed in. It is fixed for the
// lifetime of the process.
type Identity struct {
	Agency string `json:"agency"`
	Floor  int    `json:"floor"`
	Room   string `json:"room"`
}

// Topic returns the MQTT publish topic iot-device/<agency>/<floor>/<room>.
// Values are concatenated as-is; they are assumed to be topic-safe.
func (id Identity) Topic() string {
	return "iot-device/" + id.Agency + "/" + strconv.Itoa(id.Floor) + "/" + id.Room
}

// String returns a short human-readable name for logs.
func (id Identity) String() string {
	return id.Agency + "-" + strconv.Itoa(id.Floor) + "-" + id.Room
}

// Reading is one sensor cycle's raw sample. Temperature and Humidity
// are NaN when the environmental sensor failed.
type Reading struct {
	Temperature float64
	Humidity    float64
	Motion      bool
	Timestamp   time.Time // UTC
}

// Valid reports whether both environmental values are numbers.
func (r Reading) Valid() bool {
	return !math.IsNaN(r.Temperature) && !math.IsNaN(r.Humidity)
}

// Sensor is the temperature/humidity/motion driver.
type Sensor interface {
	// ReadTemperature returns degrees Celsius, or NaN on failure.
	ReadTemperature() float64
	// ReadHumidity returns relative humidity in percent, or NaN on failure.
	ReadHumidity() float64
	// ReadMotion returns the raw motion detector level.
	ReadMotion() bool
}

// Clock is the real-time clock. Now always returns UTC.
type Clock interface {
	Now() time.Time
	// LostPower reports whether the clock has no trustworthy time
	// (never set, or its backing store was lost).
	LostPower() bool
	Adjust(t time.Time)
}

// Display is the local status output. It never influences control flow.
type Display interface {
	Show(text string)
	Log(text string)
}

// Link is the WiFi side of the network transport.
type Link interface {
	// WiFiBegin starts associating with the access point. It does not
	// wait for the link to come up.
	WiFiBegin(ctx context.Context, ssid, password string) error
	// WiFiStatus reports whether the link is currently up.
	WiFiStatus(ctx context.Context) bool
}

// Broker is the MQTT side of the network transport.
type Broker interface {
	// Setup records the broker address used by subsequent connects.
	Setup(host string, port int)
	// Connect makes one synchronous connection attempt.
	Connect(ctx context.Context, clientID string) error
	Connected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	// Loop services the client's incoming traffic. Called every tick
	// while online.
	Loop()
}
