// Package rtc provides the device clock: a software real-time clock
// that keeps UTC as the host clock plus an offset learned from network
// time, and the NTP sync that sets it.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const offsetKey = "offset"

// Store persists the learned clock offset.
type Store interface {
	GetDuration(key string) (time.Duration, bool, error)
	SetDuration(key string, d time.Duration) error
}

// Clock is a software RTC. Until it is adjusted once (in this run or a
// previous one, if a [Store] is attached) it reports lost power and
// returns the host time unmodified.
type Clock struct {
	mu     sync.Mutex
	now    func() time.Time
	store  Store
	offset time.Duration
	set    bool
	logger *slog.Logger
}

// New creates a clock, restoring a previously learned offset from store.
// store may be nil, in which case adjustments are not persisted.
func New(store Store, logger *slog.Logger) (*Clock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Clock{now: time.Now, store: store, logger: logger}
	if store == nil {
		return c, nil
	}

	offset, ok, err := store.GetDuration(offsetKey)
	if err != nil {
		return nil, fmt.Errorf("load clock offset: %w", err)
	}
	if ok {
		c.offset = offset
		c.set = true
	}
	return c, nil
}

// Now returns the current time in UTC.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset).UTC()
}

// LostPower reports whether the clock has never been set.
func (c *Clock) LostPower() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.set
}

// Adjust sets the clock to t. A persistence failure is logged; the
// adjustment still applies for this run.
func (c *Clock) Adjust(t time.Time) {
	c.mu.Lock()
	c.offset = t.Sub(c.now())
	c.set = true
	offset := c.offset
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.SetDuration(offsetKey, offset); err != nil {
		c.logger.Warn("failed to persist clock offset", "error", err)
	}
}

// Offset returns the current difference between the clock and the host.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Local converts t to a fixed zone offsetHours east of UTC for display.
func Local(t time.Time, offsetHours int) time.Time {
	name := fmt.Sprintf("UTC%+d", offsetHours)
	return t.In(time.FixedZone(name, offsetHours*3600))
}
