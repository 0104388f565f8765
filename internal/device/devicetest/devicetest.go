// Package devicetest provides scriptable in-memory implementations of
// the device collaborators for tests. None of them are safe for
// concurrent use; the supervisor drives them from a single goroutine.
package devicetest

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrRefused is the error returned by scripted failures.
var ErrRefused = errors.New("connection refused")

// Uptime is a virtual monotonic clock. Sleep advances it instantly.
type Uptime struct {
	Now    time.Duration
	Sleeps []time.Duration
}

// Elapsed returns the virtual uptime.
func (u *Uptime) Elapsed() time.Duration { return u.Now }

// Sleep advances the clock by d and records the call.
func (u *Uptime) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	u.Sleeps = append(u.Sleeps, d)
	u.Now += d
	return true
}

// Advance moves the clock forward without recording a sleep.
func (u *Uptime) Advance(d time.Duration) { u.Now += d }

// SleepTotal sums every recorded sleep.
func (u *Uptime) SleepTotal() time.Duration {
	var total time.Duration
	for _, d := range u.Sleeps {
		total += d
	}
	return total
}

// Link is a WiFi link whose status is set by the test. When UpAfter is
// positive the link comes up on that status poll within a round.
type Link struct {
	Up       bool
	UpAfter  int
	BeginErr error

	Begins int
	Polls  int
}

// WiFiBegin records the association request.
func (l *Link) WiFiBegin(_ context.Context, _, _ string) error {
	l.Begins++
	return l.BeginErr
}

// WiFiStatus returns Up, flipping it on at poll UpAfter.
func (l *Link) WiFiStatus(context.Context) bool {
	l.Polls++
	if l.UpAfter > 0 && l.Polls >= l.UpAfter {
		l.Up = true
	}
	return l.Up
}

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker is an MQTT session. FailConnects attempts fail before one
// succeeds; a negative value fails every attempt.
type Broker struct {
	Up           bool
	FailConnects int
	PublishErr   error

	Host      string
	Port      int
	ClientIDs []string
	Published []Message
	Loops     int
}

// Setup records the broker address.
func (b *Broker) Setup(host string, port int) {
	b.Host = host
	b.Port = port
}

// Connect fails while the scripted failure budget lasts.
func (b *Broker) Connect(_ context.Context, clientID string) error {
	b.ClientIDs = append(b.ClientIDs, clientID)
	if b.FailConnects < 0 {
		return ErrRefused
	}
	if b.FailConnects > 0 {
		b.FailConnects--
		return ErrRefused
	}
	b.Up = true
	return nil
}

// Connected reports the scripted session state.
func (b *Broker) Connected() bool { return b.Up }

// Publish records the message unless PublishErr is set.
func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.Published = append(b.Published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Loop counts service calls.
func (b *Broker) Loop() { b.Loops++ }

// Sensor returns fixed values. Set Failed to make both environmental
// reads return NaN.
type Sensor struct {
	Temperature float64
	Humidity    float64
	Motion      bool
	Failed      bool

	Reads int
}

// ReadTemperature returns the scripted temperature.
func (s *Sensor) ReadTemperature() float64 {
	s.Reads++
	if s.Failed {
		return math.NaN()
	}
	return s.Temperature
}

// ReadHumidity returns the scripted humidity.
func (s *Sensor) ReadHumidity() float64 {
	if s.Failed {
		return math.NaN()
	}
	return s.Humidity
}

// ReadMotion returns the scripted motion level.
func (s *Sensor) ReadMotion() bool { return s.Motion }

// Clock is a settable RTC.
type Clock struct {
	T       time.Time
	Lost    bool
	Adjusts []time.Time
}

// Now returns the scripted time in UTC.
func (c *Clock) Now() time.Time { return c.T.UTC() }

// LostPower reports the scripted flag.
func (c *Clock) LostPower() bool { return c.Lost }

// Adjust sets the clock and clears LostPower.
func (c *Clock) Adjust(t time.Time) {
	c.T = t
	c.Lost = false
	c.Adjusts = append(c.Adjusts, t)
}

// Display records everything it is asked to show.
type Display struct {
	Screens []string
	Lines   []string
}

// Show records a screen.
func (d *Display) Show(text string) { d.Screens = append(d.Screens, text) }

// Log records a log line.
func (d *Display) Log(text string) { d.Lines = append(d.Lines, text) }

// Last returns the most recent screen, or "" if none was shown.
func (d *Display) Last() string {
	if len(d.Screens) == 0 {
		return ""
	}
	return d.Screens[len(d.Screens)-1]
}
