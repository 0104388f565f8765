// Package display renders the room status screen and the short boot
// messages the unit shows while connecting. Sinks never fail: a missing
// or broken display only degrades what the operator sees.
package display

import (
	"fmt"
	"strings"
	"time"
)

// Separator is the rule drawn under the screen header.
const Separator = "-------------------"

// TimeLayout is the display timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Screen is one frame of the status display.
type Screen struct {
	Room        string
	LocalTime   time.Time
	Offline     bool
	Valid       bool
	Temperature float64
	Humidity    float64
	Occupied    bool
	Status      string
}

// Render composes the frame as newline-separated lines.
func (s Screen) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SmartMedGuard #%s\n", s.Room)
	b.WriteString(s.LocalTime.Format(TimeLayout))
	b.WriteByte('\n')
	if s.Offline {
		b.WriteString("[OFFLINE]\n")
	}
	b.WriteString(Separator)
	b.WriteByte('\n')

	if s.Valid {
		fmt.Fprintf(&b, "Temp: %.1fC\n", s.Temperature)
		fmt.Fprintf(&b, "Humidity: %.1f%%\n", s.Humidity)
	} else {
		b.WriteString("Sensor Error!\n")
	}

	if s.Occupied {
		b.WriteString("Presence: Occupied")
	} else {
		b.WriteString("Presence: Empty")
	}
	if s.Status != "" {
		b.WriteString("\nStatus: ")
		b.WriteString(s.Status)
	}
	return b.String()
}
