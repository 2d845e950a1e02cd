package timing

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestClock(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock)
	test.That(t, c.Micros(), test.ShouldEqual, uint32(0))

	mock.Add(15 * time.Millisecond)
	test.That(t, c.Micros(), test.ShouldEqual, uint32(15000))

	t.Run("wraps at 32 bits", func(t *testing.T) {
		mock := clock.NewMock()
		c := New(mock)
		mock.Add(time.Duration(1<<32)*time.Microsecond + 5*time.Microsecond)
		test.That(t, c.Micros(), test.ShouldEqual, uint32(5))
	})
}

func TestElapsed(t *testing.T) {
	stamp := uint32(1000)
	test.That(t, Elapsed(1500, &stamp), test.ShouldEqual, uint32(500))
	test.That(t, stamp, test.ShouldEqual, uint32(1000))

	t.Run("stamp ahead of now is clamped", func(t *testing.T) {
		stamp := uint32(0xFFFFFF00)
		test.That(t, Elapsed(10, &stamp), test.ShouldEqual, uint32(0))
		test.That(t, stamp, test.ShouldEqual, uint32(10))
	})
}

func TestMicros(t *testing.T) {
	test.That(t, Micros(1950*time.Microsecond), test.ShouldEqual, uint32(1950))
	test.That(t, Micros(7*time.Second), test.ShouldEqual, uint32(7000000))
}
