// Package gpio pulses the radio reset line and watches the radio interrupt lines.
package gpio

import (
	"context"
	"errors"
	"time"

	"go.viam.com/utils"
	pgpio "periph.io/x/conn/v3/gpio"
)

const msToWait = 100

var errCanceled = errors.New("context cancelled")

// Setter drives an output pin. board.GPIOPin satisfies it.
type Setter interface {
	Set(ctx context.Context, high bool, extra map[string]interface{}) error
}

// PeriphOut adapts a host pin to Setter for use without a board.
type PeriphOut struct {
	Pin pgpio.PinOut
}

// Set drives the pin.
func (p PeriphOut) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	return p.Pin.Out(pgpio.Level(high))
}

// it is necessary to sleep between setting the pins, the radio will not start correctly without it.
func waitGPIO(ctx context.Context) error {
	if !utils.SelectContextOrWait(ctx, msToWait*time.Millisecond) {
		return errCanceled
	}
	return nil
}

// ResetRadio pulses the active low reset line of the radio and waits for it to boot.
func ResetRadio(ctx context.Context, rst Setter) error {
	if err := rst.Set(ctx, false, nil); err != nil {
		return err
	}
	if err := waitGPIO(ctx); err != nil {
		return err
	}
	if err := rst.Set(ctx, true, nil); err != nil {
		return err
	}
	return waitGPIO(ctx)
}
