// Package events carries status events from the supervisor loop to
// observers (the status API and its WebSocket stream). The loop never
// blocks on an observer: slow subscribers miss events. The bus is
// nil-safe, so the loop publishes unconditionally whether or not the
// status API is enabled.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSupervisor identifies events from the supervisor loop.
	SourceSupervisor = "supervisor"
	// SourceWiFi identifies events from the WiFi supervisor.
	SourceWiFi = "wifi"
	// SourceMQTT identifies events from the MQTT supervisor.
	SourceMQTT = "mqtt"
	// SourceClock identifies events from the clock sync.
	SourceClock = "clock"
)

// Kind constants describe the type of event within a source.
const (
	// KindBoot signals the end of boot.
	// Data: phase, wifi_connected, mqtt_connected, offline_mode.
	KindBoot = "boot"
	// KindLinkUp signals the WiFi link came up.
	// Data: initial.
	KindLinkUp = "link_up"
	// KindLinkDown signals the device entered offline mode.
	// Data: retry_in_ms.
	KindLinkDown = "link_down"
	// KindBrokerUp signals a broker session was established.
	// Data: client_id.
	KindBrokerUp = "broker_up"
	// KindBrokerDown signals a broker connect round was exhausted or
	// the session was lost.
	// Data: reason.
	KindBrokerDown = "broker_down"
	// KindSensorCycle signals a completed sensor cycle.
	// Data: status, label, temperature, humidity, motion, presence,
	// state (connectivity snapshot).
	KindSensorCycle = "sensor_cycle"
	// KindClockSynced signals the clock was adjusted from network time.
	// Data: server, step_ms.
	KindClockSynced = "clock_synced"
)

// Event represents a single status event.
type Event struct {
	// Timestamp is the wall time the event was published.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. It also retains the most
// recent event of each kind so late observers can catch up.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
	latest     map[string]Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		latest:     make(map[string]Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is set to now. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[e.Kind] = e
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Latest returns the most recent event of the given kind.
func (b *Bus) Latest(kind string) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.latest[kind]
	return e, ok
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
