package connwatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// pollInterval is the spacing of link status polls during a connect round.
const pollInterval = time.Second

// WiFiConfig controls the WiFi supervisor.
type WiFiConfig struct {
	SSID     string
	Password string

	// ReconnectAttempts is the poll budget of a background reconnect
	// (default 5). It is deliberately much smaller than the initial
	// connect timeout to bound how long the loop is stalled.
	ReconnectAttempts int

	// ReconnectInterval is the minimum spacing of background reconnect
	// attempts while offline.
	ReconnectInterval time.Duration

	// OnConnect is called after every successful connect or reconnect
	// with initial set for the boot-time connect. Optional. It runs
	// synchronously on the loop goroutine.
	OnConnect func(ctx context.Context, initial bool)
}

// WiFiSupervisor manages the WiFi link: the initial connect, offline
// mode transitions, and bounded background reconnects. It never touches
// the broker session.
type WiFiSupervisor struct {
	cfg    WiFiConfig
	link   device.Link
	state  *State
	mono   Monotonic
	logger *slog.Logger
}

// NewWiFiSupervisor creates a WiFi supervisor mutating state.
func NewWiFiSupervisor(cfg WiFiConfig, link device.Link, state *State, mono Monotonic, logger *slog.Logger) *WiFiSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	return &WiFiSupervisor{
		cfg:    cfg,
		link:   link,
		state:  state,
		mono:   mono,
		logger: logger,
	}
}

// Connect performs the initial connect: start association, then poll
// the link once per second up to timeoutSeconds times. On failure the
// device enters offline mode and the reconnect timer starts.
func (w *WiFiSupervisor) Connect(ctx context.Context, timeoutSeconds int) Result {
	w.logger.Info("connecting to wifi", "ssid", w.cfg.SSID, "timeout_sec", timeoutSeconds)

	if w.round(ctx, timeoutSeconds) {
		w.state.MarkOnline()
		w.logger.Info("wifi connected")
		if w.cfg.OnConnect != nil {
			w.cfg.OnConnect(ctx, true)
		}
		return Connected
	}

	w.state.EnterOffline(w.mono.Elapsed())
	w.logger.Warn("wifi connect failed, entering offline mode; sensors keep running locally",
		"polls", timeoutSeconds,
		"retry_in", w.cfg.ReconnectInterval.String(),
	)
	return Failed
}

// AttemptReconnect makes one background reconnect round with the small
// poll budget. The attempt time is recorded whatever the outcome so the
// next attempt waits a full ReconnectInterval.
func (w *WiFiSupervisor) AttemptReconnect(ctx context.Context) Result {
	w.logger.Info("attempting wifi reconnection in background", "ssid", w.cfg.SSID)

	ok := w.round(ctx, w.cfg.ReconnectAttempts)
	w.state.RecordReconnectAttempt(w.mono.Elapsed())

	if !ok {
		w.logger.Info("wifi reconnection failed", "retry_in", w.cfg.ReconnectInterval.String())
		return Failed
	}

	w.state.MarkOnline()
	w.logger.Info("wifi reconnected")
	if w.cfg.OnConnect != nil {
		w.cfg.OnConnect(ctx, false)
	}
	return Connected
}

// IsOnline reports the current link status.
func (w *WiFiSupervisor) IsOnline(ctx context.Context) bool {
	return w.link.WiFiStatus(ctx)
}

// ReconnectDue reports whether the device is offline and at least
// ReconnectInterval has passed since the last attempt.
func (w *WiFiSupervisor) ReconnectDue() bool {
	if !w.state.OfflineMode() {
		return false
	}
	return w.mono.Elapsed()-w.state.LastWiFiReconnectAttempt() >= w.cfg.ReconnectInterval
}

// round starts association and polls the link up to budget times, one
// second apart. It reports whether the link came up.
func (w *WiFiSupervisor) round(ctx context.Context, budget int) bool {
	if err := w.link.WiFiBegin(ctx, w.cfg.SSID, w.cfg.Password); err != nil {
		// A failed join command is not fatal; the OS may still bring
		// the link up on its own while we poll.
		w.logger.Warn("wifi join command failed", "error", err)
	}

	for attempt := 0; attempt < budget; attempt++ {
		if w.link.WiFiStatus(ctx) {
			return true
		}
		if !w.mono.Sleep(ctx, pollInterval) {
			return false
		}
	}
	return w.link.WiFiStatus(ctx)
}
