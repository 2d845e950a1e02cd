package fsm

import (
	"strings"

	"github.com/viam-modules/sx127x-gateway/sx127x"
)

var irqNames = []struct {
	bit  uint8
	name string
}{
	{sx127x.IRQRxTimeout, "RXTOUT"},
	{sx127x.IRQRxDone, "RXDONE"},
	{sx127x.IRQCRCError, "CRCERR"},
	{sx127x.IRQHeaderValid, "HEADER"},
	{sx127x.IRQTxDone, "TXDONE"},
	{sx127x.IRQCadDone, "CDDONE"},
	{sx127x.IRQFHSSChange, "FHSSCH"},
	{sx127x.IRQCadDetected, "CDDETD"},
}

// IRQ is a set of radio interrupt flags.
type IRQ uint8

// Has reports whether any of the bits is set.
func (i IRQ) Has(bits uint8) bool {
	return uint8(i)&bits != 0
}

func (i IRQ) String() string {
	if i == 0 {
		return "none"
	}
	var names []string
	for _, n := range irqNames {
		if i.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Event is one classified read of the interrupt registers.
type Event struct {
	Flags  IRQ
	Mask   IRQ
	Active IRQ
}

// Classify derives the unmasked interrupts from raw flag and mask register values.
func Classify(flags, mask uint8) Event {
	return Event{
		Flags:  IRQ(flags),
		Mask:   IRQ(mask),
		Active: IRQ(flags &^ mask),
	}
}

// Masked reports whether some raised flags are hidden by the mask.
func (e Event) Masked() bool {
	return e.Active != e.Flags
}
