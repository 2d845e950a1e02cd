// Package fsm implements the control state machine of a single channel LoRa gateway.
//
// A Machine drives an SX127x radio through channel activity detection (CAD), reception
// and transmission. It is stepped by a single consumer, either because the radio raised
// an interrupt or because the machine asked to be re-entered (a soft event). When
// frequency hopping is enabled the machine is also stepped periodically so it can move
// to the next channel after a quiet period.
package fsm

import "fmt"

// State is the gateway state.
type State uint8

const (
	StateInit State = iota
	StateScan
	StateCad
	StateRx
	StateTx
	StateTxDone
)

var stateNames = map[State]string{
	StateInit:   "init",
	StateScan:   "scan",
	StateCad:    "cad",
	StateRx:     "rx",
	StateTx:     "tx",
	StateTxDone: "txdone",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the designed states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}
