// Package timing provides the free running microsecond counter used to stamp radio events.
package timing

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Source is a free running microsecond counter. Values wrap at 2^32.
type Source interface {
	Micros() uint32
}

// Clock counts microseconds since it was created on top of a clock.Clock.
type Clock struct {
	clk   clock.Clock
	epoch time.Time
}

// New returns a counter starting at zero. Pass clock.New() in production and a
// clock.Mock in tests.
func New(clk clock.Clock) *Clock {
	return &Clock{clk: clk, epoch: clk.Now()}
}

// Micros returns the microseconds elapsed since New, truncated to 32 bits.
func (c *Clock) Micros() uint32 {
	return uint32(c.clk.Since(c.epoch) / time.Microsecond)
}

// Micros converts a duration to counter ticks.
func Micros(d time.Duration) uint32 {
	return uint32(d / time.Microsecond)
}

// Elapsed returns now minus *stamp. A stamp that is ahead of now, which happens after the
// counter wraps, is first clamped to now so the result is zero rather than a huge value.
func Elapsed(now uint32, stamp *uint32) uint32 {
	if *stamp > now {
		*stamp = now
	}
	return now - *stamp
}
