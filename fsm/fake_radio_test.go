package fsm

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/sx127x-gateway/sx127x"
	"github.com/viam-modules/sx127x-gateway/timing"
)

var testPlan = []uint32{868100000, 868300000, 868500000}

// fakeRadio is a register file with SX127x flag semantics: writing ones to the
// flag register clears those flags.
type fakeRadio struct {
	mu       sync.Mutex
	regs     [0x80]uint8
	opModes  []uint8
	rates    []sx127x.SpreadingFactor
	freqs    []uint32
	dio      []uint8
	singleRx int
	contRx   int
	tx       []sx127x.TxRequest
	packet   []byte
	readErr  bool
	// invertIQ follows the IQ polarity as the driver leaves it
	invertIQ bool
}

func (f *fakeRadio) ReadRegister(addr uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr]
}

func (f *fakeRadio) WriteRegister(addr, value uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr == sx127x.RegIRQFlags {
		f.regs[addr] &^= value
		return
	}
	f.regs[addr] = value
}

func (f *fakeRadio) SetOpMode(mode uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opModes = append(f.opModes, mode)
	f.regs[sx127x.RegOpMode] = sx127x.OpModeLoRa | mode
}

func (f *fakeRadio) SetDioMapping(mapping uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dio = append(f.dio, mapping)
	f.regs[sx127x.RegDioMapping1] = mapping
}

func (f *fakeRadio) SetFrequency(hz uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freqs = append(f.freqs, hz)
}

func (f *fakeRadio) SetRate(sf sx127x.SpreadingFactor, crc bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, sf)
	v := uint8(sf) << 4
	if crc {
		v |= 0x04
	}
	f.regs[sx127x.RegModemConfig2] = v
}

func (f *fakeRadio) SetInvertIQ(invert bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invertIQ = invert
}

func (f *fakeRadio) StartSingleReceive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invertIQ = false
	f.singleRx++
	f.regs[sx127x.RegOpMode] = sx127x.OpModeLoRa | sx127x.OpModeRxSingle
}

func (f *fakeRadio) StartContinuousReceive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invertIQ = false
	f.contRx++
	f.regs[sx127x.RegOpMode] = sx127x.OpModeLoRa | sx127x.OpModeRx
}

func (f *fakeRadio) StartTransmit(req sx127x.TxRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx = append(f.tx, req)
	f.invertIQ = req.InvertIQ
	f.regs[sx127x.RegOpMode] = sx127x.OpModeLoRa | sx127x.OpModeTx
}

func (f *fakeRadio) ReadPacket(buf []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr {
		return -1
	}
	return copy(buf, f.packet)
}

// raise sets interrupt flags as the radio would.
func (f *fakeRadio) raise(bits uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[sx127x.RegIRQFlags] |= bits
}

func (f *fakeRadio) set(addr, value uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr] = value
}

func (f *fakeRadio) inverted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invertIQ
}

func (f *fakeRadio) lastOpMode() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opModes) == 0 {
		return 0xFF
	}
	return f.opModes[len(f.opModes)-1]
}

type testMachine struct {
	*Machine
	radio   *fakeRadio
	clk     *clock.Mock
	uplinks []InboundPacket
}

func newTestMachine(t *testing.T, rc RadioContext) *testMachine {
	t.Helper()
	tm := &testMachine{radio: &fakeRadio{}, clk: clock.NewMock()}
	cfg := Config{
		Radio:          rc,
		Plan:           testPlan,
		CRCCheck:       true,
		RSSICorrection: 157,
	}
	tm.Machine = New(cfg, tm.radio, timing.New(tm.clk), func(pkt InboundPacket) int {
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		tm.uplinks = append(tm.uplinks, pkt)
		return 1
	}, logging.NewTestLogger(t))
	return tm
}

// started returns a machine that has run its Init step.
func started(t *testing.T, rc RadioContext) *testMachine {
	t.Helper()
	tm := newTestMachine(t, rc)
	tm.Step()
	return tm
}

// interrupt raises bits and steps the machine once.
func (tm *testMachine) interrupt(bits uint8) {
	tm.radio.raise(bits)
	tm.Step()
}

func (tm *testMachine) now() uint32 {
	return tm.clock.Micros()
}
