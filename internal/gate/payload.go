package gate

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// TimestampLayout is the payload timestamp format. Timestamps are UTC.
const TimestampLayout = "2006-01-02 15:04:05"

// Payload is the inner reading document. Field order is the wire key
// order.
type Payload struct {
	Agency      string  `json:"agency"`
	Floor       int     `json:"floor"`
	Room        string  `json:"room"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Occupancy   bool    `json:"occupancy"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// Envelope wraps the JSON-encoded [Payload] as a string under "data".
// The double encoding is what the server subscribes for.
type Envelope struct {
	Data string `json:"data"`
}

// NewPayload builds the payload for a valid reading. Temperature and
// humidity are rounded to two decimals. A zero timestamp is omitted.
func NewPayload(id device.Identity, r device.Reading, occupancy bool) Payload {
	p := Payload{
		Agency:      id.Agency,
		Floor:       id.Floor,
		Room:        id.Room,
		Temperature: Round2(r.Temperature),
		Humidity:    Round2(r.Humidity),
		Occupancy:   occupancy,
	}
	if !r.Timestamp.IsZero() {
		p.Timestamp = r.Timestamp.UTC().Format(TimestampLayout)
	}
	return p
}

// Encode returns the wire form {"data":"<inner json>"}.
func (p Payload) Encode() ([]byte, error) {
	inner, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := json.Marshal(Envelope{Data: string(inner)})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses the wire form produced by [Payload.Encode].
func Decode(b []byte) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Payload{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(env.Data), &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// Time parses the payload timestamp. It returns the zero time if the
// timestamp is absent.
func (p Payload) Time() (time.Time, error) {
	if p.Timestamp == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(TimestampLayout, p.Timestamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", p.Timestamp, err)
	}
	return t, nil
}

// Round2 rounds v to two decimal places, halves away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
