package gpio

import (
	"context"
	"fmt"
	"time"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// edgePoll bounds how long a watcher blocks before checking its context.
const edgePoll = 100 * time.Millisecond

// EdgeSource is an input pin with edge detection.
type EdgeSource interface {
	WaitForEdge(timeout time.Duration) bool
}

// OpenInterrupt configures the named host pin as a pulled down input raising on rising
// edges. host.Init must have been called before.
func OpenInterrupt(name string) (pgpio.PinIn, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio pin %s not found", name)
	}
	if err := pin.In(pgpio.PullDown, pgpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("error configuring interrupt on %s: %w", name, err)
	}
	return pin, nil
}

// Watch calls onEdge for every edge on pin until ctx is done.
func Watch(ctx context.Context, pin EdgeSource, onEdge func()) {
	for {
		if ctx.Err() != nil {
			return
		}
		if pin.WaitForEdge(edgePoll) {
			onEdge()
		}
	}
}
