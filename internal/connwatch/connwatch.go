// Package connwatch supervises the device's two network dependencies:
// the WiFi link and the MQTT broker session layered on top of it.
//
// Both supervisors are synchronous. A connect round polls or retries
// with blocking sleeps until it succeeds or its attempt budget runs out,
// then returns a [Result]. The caller (the supervisor loop) decides what
// to do next; nothing here runs in the background. While a round is in
// progress the loop is stalled, which also delays sensor polling.
//
// Time is measured on a [Monotonic] uptime clock, never wall time, so
// connectivity decisions are unaffected by the RTC being unset at boot
// or stepped by NTP.
package connwatch

import (
	"context"
	"time"
)

// Result is the outcome of a bounded connect round.
type Result int

const (
	// Connected means the dependency is up.
	Connected Result = iota + 1
	// Failed means the WiFi poll budget ran out with the link down.
	Failed
	// Exhausted means every broker connect attempt failed.
	Exhausted
	// Skipped means the round was not attempted (MQTT with WiFi down).
	Skipped
)

func (r Result) String() string {
	switch r {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Exhausted:
		return "exhausted"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Monotonic is the uptime clock the supervisors pace themselves with.
type Monotonic interface {
	// Elapsed returns time since boot.
	Elapsed() time.Duration
	// Sleep blocks for d. It returns false if ctx was cancelled first.
	Sleep(ctx context.Context, d time.Duration) bool
}

// SystemMonotonic is the production [Monotonic] backed by the Go
// runtime's monotonic clock.
type SystemMonotonic struct {
	start time.Time
}

// NewSystemMonotonic starts an uptime clock at zero.
func NewSystemMonotonic() *SystemMonotonic {
	return &SystemMonotonic{start: time.Now()}
}

// Elapsed returns time since the clock was created.
func (m *SystemMonotonic) Elapsed() time.Duration {
	return time.Since(m.start)
}

// Sleep sleeps for d or until ctx is cancelled.
func (m *SystemMonotonic) Sleep(ctx context.Context, d time.Duration) bool {
	return sleepCtx(ctx, d)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
