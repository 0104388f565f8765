package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// DefaultServers are queried when no NTP servers are configured.
var DefaultServers = []string{"pool.ntp.org", "time.nist.gov", "time.google.com"}

// ErrNoTime is returned when no server answered within the attempt
// budget.
var ErrNoTime = errors.New("no ntp server answered")

// QueryFunc asks one server for the host clock's offset from true time.
type QueryFunc func(host string) (time.Duration, error)

// NTPQuery returns a [QueryFunc] backed by SNTP with the given timeout.
func NTPQuery(timeout time.Duration) QueryFunc {
	return func(host string) (time.Duration, error) {
		resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			return 0, err
		}
		if err := resp.Validate(); err != nil {
			return 0, fmt.Errorf("invalid response: %w", err)
		}
		return resp.ClockOffset, nil
	}
}

// SyncConfig controls a [Syncer].
type SyncConfig struct {
	Servers  []string
	Attempts int
	Delay    time.Duration
}

// SyncResult describes a successful sync.
type SyncResult struct {
	Server string
	Time   time.Time
	// Step is how far the clock moved.
	Step time.Duration
}

// Syncer sets a clock from network time.
type Syncer struct {
	cfg    SyncConfig
	clock  device.Clock
	query  QueryFunc
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
	logger *slog.Logger
}

// NewSyncer creates a syncer for clock. A nil query uses SNTP with a
// five second timeout.
func NewSyncer(cfg SyncConfig, clock device.Clock, query QueryFunc, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if query == nil {
		query = NTPQuery(5 * time.Second)
	}
	return &Syncer{
		cfg:    cfg,
		clock:  clock,
		query:  query,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: logger,
	}
}

// Sync tries every server in order, up to Attempts rounds with Delay
// between rounds, and adjusts the clock to UTC from the first valid
// answer. On failure the clock is left as it is.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	s.logger.Info("syncing clock with ntp", "servers", s.cfg.Servers)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		for _, server := range s.cfg.Servers {
			offset, err := s.query(server)
			if err != nil {
				lastErr = err
				s.logger.Log(ctx, slog.Level(-8), "ntp query failed", // config.LevelTrace
					"server", server, "attempt", attempt, "error", err)
				continue
			}

			before := s.clock.Now()
			now := s.now().Add(offset).UTC()
			s.clock.Adjust(now)

			res := SyncResult{Server: server, Time: now, Step: now.Sub(before)}
			s.logger.Info("clock synced with ntp",
				"server", server,
				"utc", now.Format(time.DateTime),
				"step", res.Step.String(),
			)
			return res, nil
		}

		if attempt < s.cfg.Attempts && !s.sleep(ctx, s.cfg.Delay) {
			return SyncResult{}, ctx.Err()
		}
	}

	s.logger.Warn("ntp sync failed, using clock as-is", "attempts", s.cfg.Attempts, "error", lastErr)
	return SyncResult{}, fmt.Errorf("%w after %d attempts: %w", ErrNoTime, s.cfg.Attempts, lastErr)
}

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
