package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

const (
	Layout         = "15:04:05"
	DefaultResync  = time.Hour
	renderInterval = time.Second
)

type Sink interface {
	RenderClock(text string)
}

// Clock is the local clock corrected by the offset reported by an NTP server.
// The board has no RTC, so the system time may be wrong until it syncs.
type Clock struct {
	server string
	resync time.Duration
	query  func(host string) (time.Duration, error)
	logger *zap.SugaredLogger

	offset atomic.Int64
}

func New(server string, logger *zap.SugaredLogger) *Clock {
	return &Clock{
		server: server,
		resync: DefaultResync,
		query:  ntpOffset,
		logger: logger,
	}
}

func ntpOffset(host string) (time.Duration, error) {
	resp, err := ntp.Query(host)
	if err != nil {
		return 0, err
	}
	if err = resp.Validate(); err != nil {
		return 0, err
	}

	return resp.ClockOffset, nil
}

func (c *Clock) Now() time.Time {
	return time.Now().Add(c.Offset())
}

func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Sync queries the server and keeps the last good offset on failure. Without
// a server it does nothing.
func (c *Clock) Sync() error {
	if c.server == "" {
		return nil
	}
	offset, err := c.query(c.server)
	if err != nil {
		return err
	}
	c.offset.Store(int64(offset))
	c.logger.Infof("clock: offset %s from %s", offset, c.server)

	return nil
}

// Run renders the time once per second until ctx is done.
func (c *Clock) Run(ctx context.Context, sink Sink) {
	c.trySync()
	tick := time.NewTicker(renderInterval)
	defer tick.Stop()
	resync := time.NewTicker(c.resync)
	defer resync.Stop()

	sink.RenderClock(c.Now().Format(Layout))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			sink.RenderClock(c.Now().Format(Layout))
		case <-resync.C:
			c.trySync()
		}
	}
}

func (c *Clock) trySync() {
	if err := c.Sync(); err != nil {
		c.logger.Warnf("clock: ntp sync with %s: %s", c.server, err)
	}
}
