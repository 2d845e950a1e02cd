// Package testutils creates helper functions for tests
package testutils

import (
	"context"
	"errors"
	"sync"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

const (
	// VersionSX1276 is the version register value reported by an SX1276.
	VersionSX1276 = 0x12
	// VersionSX1272 is the version register value reported by an SX1272.
	VersionSX1272 = 0x22

	regFifo     = 0x00
	regIRQFlags = 0x12
	regVersion  = 0x42
)

// RegisterWrite is one register write seen by a FakeRadio.
type RegisterWrite struct {
	Addr  uint8
	Value uint8
}

// FakeRadio is an in-memory SX127x register file that satisfies spi.Conn.
// Burst access auto-increments the address, except on the FIFO register. Writing ones
// to the interrupt flag register clears those flags, as on the chip.
type FakeRadio struct {
	mu     sync.Mutex
	regs   [0x80]byte
	rxFIFO []byte
	txFIFO []byte
	writes []RegisterWrite
	err    error
}

// NewFakeRadio returns a register file whose version register holds version.
func NewFakeRadio(version uint8) *FakeRadio {
	f := &FakeRadio{}
	f.regs[regVersion] = version
	return f
}

func (f *FakeRadio) String() string { return "fake-sx127x" }

// Duplex implements conn.Conn.
func (f *FakeRadio) Duplex() conn.Duplex { return conn.Full }

// TxPackets implements spi.Conn.
func (f *FakeRadio) TxPackets(p []spi.Packet) error {
	return errors.New("fake radio does not support packets")
}

// Tx implements conn.Conn.
func (f *FakeRadio) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if len(w) == 0 {
		return nil
	}
	addr := w[0] & 0x7F
	if w[0]&0x80 != 0 {
		if addr == regFifo {
			f.txFIFO = append(f.txFIFO, w[1:]...)
			return nil
		}
		for i, v := range w[1:] {
			a := (int(addr) + i) & 0x7F
			if a == regIRQFlags {
				f.regs[a] &^= v
			} else {
				f.regs[a] = v
			}
			f.writes = append(f.writes, RegisterWrite{Addr: uint8(a), Value: v})
		}
		return nil
	}
	if len(r) < len(w) {
		return errors.New("read buffer shorter than write buffer")
	}
	if addr == regFifo {
		copy(r[1:len(w)], f.rxFIFO)
		return nil
	}
	for i := 1; i < len(w); i++ {
		r[i] = f.regs[(int(addr)+i-1)&0x7F]
	}
	return nil
}

// Register returns the current value of a register.
func (f *FakeRadio) Register(addr uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr&0x7F]
}

// SetRegister sets a register without recording a write.
func (f *FakeRadio) SetRegister(addr, value uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr&0x7F] = value
}

// SetRxFIFO sets the bytes returned by FIFO reads.
func (f *FakeRadio) SetRxFIFO(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxFIFO = append([]byte(nil), data...)
}

// TxFIFO returns every byte written to the FIFO.
func (f *FakeRadio) TxFIFO() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.txFIFO...)
}

// WritesTo returns the values written to addr, oldest first.
func (f *FakeRadio) WritesTo(addr uint8) []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint8
	for _, w := range f.writes {
		if w.Addr == addr {
			out = append(out, w.Value)
		}
	}
	return out
}

// Reset forgets recorded writes and FIFO contents.
func (f *FakeRadio) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
	f.txFIFO = nil
}

// Fail makes every following transfer return err. A nil err heals the bus.
func (f *FakeRadio) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// NewBoardDeps returns dependencies holding a board named boardName whose GPIO pins
// record every Set call into the returned map, keyed by pin name.
func NewBoardDeps(boardName string) (resource.Dependencies, *PinLog) {
	pins := &PinLog{states: map[string][]bool{}}
	b := &inject.Board{}
	b.GPIOPinByNameFunc = func(name string) (board.GPIOPin, error) {
		pin := &inject.GPIOPin{}
		pin.SetFunc = func(ctx context.Context, high bool, extra map[string]interface{}) error {
			pins.record(name, high)
			return nil
		}
		return pin, nil
	}
	deps := make(resource.Dependencies)
	deps[board.Named(boardName)] = b
	return deps, pins
}

// PinLog records GPIO levels set through a fake board.
type PinLog struct {
	mu     sync.Mutex
	states map[string][]bool
}

func (p *PinLog) record(name string, high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[name] = append(p.states[name], high)
}

// Levels returns the levels set on the named pin, oldest first.
func (p *PinLog) Levels(name string) []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.states[name]...)
}
