package fsm

import (
	"github.com/viam-modules/sx127x-gateway/sx127x"
)

// RadioContext is the radio configuration the machine is currently operating with.
type RadioContext struct {
	SF      sx127x.SpreadingFactor
	Hop     bool
	CAD     bool
	Channel int
}

// scanning reports whether the radio returns to CAD scanning after each packet
// instead of staying in continuous receive.
func (rc RadioContext) scanning() bool {
	return rc.Hop || rc.CAD
}

// Hopper walks a channel plan.
type Hopper struct {
	plan []uint32
}

// NewHopper returns a hopper over the given frequencies in Hz. The plan must not be empty.
func NewHopper(plan []uint32) *Hopper {
	return &Hopper{plan: append([]uint32(nil), plan...)}
}

// Len is the number of channels in the plan.
func (h *Hopper) Len() int {
	return len(h.plan)
}

// Frequency returns the frequency of a channel, wrapping out of range indexes.
func (h *Hopper) Frequency(channel int) uint32 {
	if len(h.plan) == 0 {
		return 0
	}
	channel %= len(h.plan)
	if channel < 0 {
		channel += len(h.plan)
	}
	return h.plan[channel]
}

// Advance moves rc to the next channel and resets the spreading factor to SF7.
func (h *Hopper) Advance(rc *RadioContext) {
	if len(h.plan) > 0 {
		rc.Channel = (rc.Channel + 1) % len(h.plan)
	}
	rc.SF = sx127x.SF7
}

// eventWaitTiers is the number of event wait units each state may stay quiet before hopping.
var eventWaitTiers = map[State]uint32{
	StateInit:   0,
	StateScan:   1,
	StateCad:    1,
	StateRx:     8,
	StateTx:     1,
	StateTxDone: 4,
}

// eventWait returns the hop budget of a state, reporting false for unknown states.
func eventWait(s State, unit uint32) (uint32, bool) {
	tier, ok := eventWaitTiers[s]
	return tier * unit, ok
}

// doneWait returns the per spreading factor budget, doubling base for each step above SF7.
// Unknown spreading factors get base and report false.
func doneWait(sf sx127x.SpreadingFactor, base uint32) (uint32, bool) {
	if !sf.Valid() {
		return base, false
	}
	return base << (sf - sx127x.SF7), true
}
