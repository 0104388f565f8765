package connwatch

import "time"

// State is the process-wide connectivity record. It is created once at
// startup with every field false/zero, owned by the supervisor loop,
// and mutated only by the WiFi and MQTT supervisors plus motion
// observation on sensor cycles. It is not safe for concurrent use;
// readers outside the loop get a [Snapshot] through the event bus.
//
// Invariant: OfflineMode() implies !MQTTConnected(). The setters
// enforce it, so callers cannot construct a state that violates it.
type State struct {
	wifiConnected            bool
	mqttConnected            bool
	offlineMode              bool
	lastWiFiReconnectAttempt time.Duration

	presenceTimeout  time.Duration
	lastMotionAt     time.Duration
	motionSeen       bool
	presenceDetected bool
}

// NewState creates the connectivity record. presenceTimeout is the
// occupancy hold window after the last motion.
func NewState(presenceTimeout time.Duration) *State {
	return &State{presenceTimeout: presenceTimeout}
}

// WiFiConnected reports whether the last WiFi check succeeded.
func (s *State) WiFiConnected() bool { return s.wifiConnected }

// MQTTConnected reports whether a broker session is believed to be up.
func (s *State) MQTTConnected() bool { return s.mqttConnected }

// OfflineMode reports whether the device gave up on WiFi and only
// retries at the background reconnect cadence.
func (s *State) OfflineMode() bool { return s.offlineMode }

// LastWiFiReconnectAttempt is the uptime of the last failed connect or
// background reconnect attempt.
func (s *State) LastWiFiReconnectAttempt() time.Duration { return s.lastWiFiReconnectAttempt }

// MarkOnline records a successful WiFi connect.
func (s *State) MarkOnline() {
	s.wifiConnected = true
	s.offlineMode = false
}

// EnterOffline records WiFi loss at uptime at. The broker session is
// considered gone with the link.
func (s *State) EnterOffline(at time.Duration) {
	s.wifiConnected = false
	s.mqttConnected = false
	s.offlineMode = true
	s.lastWiFiReconnectAttempt = at
}

// RecordReconnectAttempt stamps a background reconnect attempt without
// changing any connection flag.
func (s *State) RecordReconnectAttempt(at time.Duration) {
	s.lastWiFiReconnectAttempt = at
}

// SetMQTTConnected records the broker session state. Marking the
// session up while offline is ignored.
func (s *State) SetMQTTConnected(up bool) {
	if up && s.offlineMode {
		return
	}
	s.mqttConnected = up
}

// ObserveMotion feeds one raw motion sample taken at uptime at and
// returns the debounced presence. Motion sets presence immediately;
// presence clears only once strictly more than the presence timeout has
// passed since the last motion.
func (s *State) ObserveMotion(motion bool, at time.Duration) bool {
	if motion {
		s.lastMotionAt = at
		s.motionSeen = true
		s.presenceDetected = true
		return true
	}
	if at-s.lastMotionAt > s.presenceTimeout {
		s.presenceDetected = false
	}
	return s.presenceDetected
}

// PresenceDetected returns the debounced occupancy as of the last
// ObserveMotion call.
func (s *State) PresenceDetected() bool { return s.presenceDetected }

// LastMotionAt returns the uptime of the last motion sample, and false
// if no motion has been seen since boot.
func (s *State) LastMotionAt() (time.Duration, bool) { return s.lastMotionAt, s.motionSeen }

// Snapshot is a copy of [State] for consumers outside the loop
// goroutine.
type Snapshot struct {
	WiFiConnected            bool          `json:"wifi_connected"`
	MQTTConnected            bool          `json:"mqtt_connected"`
	OfflineMode              bool          `json:"offline_mode"`
	PresenceDetected         bool          `json:"presence_detected"`
	LastWiFiReconnectAttempt time.Duration `json:"last_wifi_reconnect_attempt_ns"`
	LastMotionAt             time.Duration `json:"last_motion_at_ns,omitempty"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		WiFiConnected:            s.wifiConnected,
		MQTTConnected:            s.mqttConnected,
		OfflineMode:              s.offlineMode,
		PresenceDetected:         s.presenceDetected,
		LastWiFiReconnectAttempt: s.lastWiFiReconnectAttempt,
		LastMotionAt:             s.lastMotionAt,
	}
}
