package fsm

import (
	"runtime"
	"time"

	"go.viam.com/rdk/logging"

	"github.com/viam-modules/sx127x-gateway/sx127x"
	"github.com/viam-modules/sx127x-gateway/timing"
)

const (
	// DefaultEventWait is the hop event wait unit.
	DefaultEventWait = 15 * time.Millisecond
	// DefaultDoneWait is the SF7 channel done budget, doubled per spreading factor step.
	DefaultDoneWait = 1950 * time.Microsecond
	// TxConfirmDeadline is how long TxDone waits for the transmit done interrupt.
	TxConfirmDeadline = 7 * time.Second
	// DefaultRSSILimit is the current RSSI value above which a CAD done starts a
	// spreading factor sweep.
	DefaultRSSILimit = 35
	// hopRSSIOffset lowers the RSSI limit when hopping.
	hopRSSIOffset = 7
)

// Radio is the register level contract the machine drives.
type Radio interface {
	ReadRegister(addr uint8) uint8
	WriteRegister(addr, value uint8)
	SetOpMode(mode uint8)
	SetDioMapping(mapping uint8)
	SetFrequency(hz uint32)
	SetRate(sf sx127x.SpreadingFactor, crc bool)
	SetInvertIQ(invert bool)
	StartSingleReceive()
	StartContinuousReceive()
	StartTransmit(req sx127x.TxRequest)
	ReadPacket(buf []byte) int
}

// Config configures a Machine.
type Config struct {
	// Radio holds the initial spreading factor, channel and mode flags. In single
	// channel mode SF is the receive spreading factor.
	Radio    RadioContext
	Plan     []uint32
	CRCCheck bool
	// RSSILimit defaults to DefaultRSSILimit when zero.
	RSSILimit      int
	RSSICorrection int
	EventWait      time.Duration
	DoneWait       time.Duration
}

// Timers are counter stamps of the last notable events.
type Timers struct {
	// Event is the last time anything happened on the channel.
	Event uint32
	// Done is the last CAD done.
	Done uint32
	// Detect is the last CAD detection.
	Detect uint32
	// Send is the start of the last transmission.
	Send uint32
}

// Machine is the gateway state machine. It is not safe for concurrent use, all calls
// must come from the single goroutine stepping it.
type Machine struct {
	logger   logging.Logger
	radio    Radio
	clock    timing.Source
	hopper   *Hopper
	onUplink UplinkHandler

	crcCheck       bool
	rssiLimit      int
	rssiCorrection int
	eventUnit      uint32
	doneBase       uint32
	receiveSF      sx127x.SpreadingFactor

	state    State
	rc       RadioContext
	soft     bool
	timers   Timers
	rssi     uint8
	outbound OutboundPacket
	staged   bool
	last     *InboundPacket
	stats    Stats
	rxBuf    [sx127x.MaxPayload]byte
}

// New returns a machine in StateInit. onUplink may be nil.
func New(cfg Config, radio Radio, clock timing.Source, onUplink UplinkHandler, logger logging.Logger) *Machine {
	if cfg.RSSILimit == 0 {
		cfg.RSSILimit = DefaultRSSILimit
	}
	if cfg.EventWait == 0 {
		cfg.EventWait = DefaultEventWait
	}
	if cfg.DoneWait == 0 {
		cfg.DoneWait = DefaultDoneWait
	}
	rc := cfg.Radio
	if !rc.SF.Valid() {
		rc.SF = sx127x.SF7
	}
	if onUplink == nil {
		onUplink = func(InboundPacket) int { return 0 }
	}
	now := clock.Micros()
	return &Machine{
		logger:         logger,
		radio:          radio,
		clock:          clock,
		hopper:         NewHopper(cfg.Plan),
		onUplink:       onUplink,
		crcCheck:       cfg.CRCCheck,
		rssiLimit:      cfg.RSSILimit,
		rssiCorrection: cfg.RSSICorrection,
		eventUnit:      timing.Micros(cfg.EventWait),
		doneBase:       timing.Micros(cfg.DoneWait),
		receiveSF:      rc.SF,
		state:          StateInit,
		rc:             rc,
		soft:           true,
		timers:         Timers{Event: now, Done: now, Detect: now, Send: now},
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// RadioContext returns the current radio context.
func (m *Machine) RadioContext() RadioContext {
	return m.rc
}

// Timers returns the event stamps.
func (m *Machine) Timers() Timers {
	return m.timers
}

// SoftEvent reports whether the machine asked to be stepped again without waiting for
// an interrupt.
func (m *Machine) SoftEvent() bool {
	return m.soft
}

// NeedsPolling reports whether the machine must be stepped periodically even without
// interrupts or soft events.
func (m *Machine) NeedsPolling() bool {
	return m.rc.Hop || m.state == StateTxDone
}

// CanTransmit reports whether a downlink can be staged without cutting off a packet.
func (m *Machine) CanTransmit() bool {
	switch m.state {
	case StateTx, StateTxDone, StateInit:
		return false
	case StateRx:
		// continuous receive is idle listening, a single receive is a packet in flight
		return !m.rc.scanning()
	case StateScan, StateCad:
		return true
	default:
		return false
	}
}

// Transmit stages pkt in the outbound slot and moves to StateTx. It returns false and
// leaves the machine untouched when CanTransmit is false.
func (m *Machine) Transmit(pkt OutboundPacket) bool {
	if !m.CanTransmit() {
		return false
	}
	m.outbound = pkt
	m.staged = true
	m.state = StateTx
	m.soft = true
	return true
}

// Step runs the machine once against the current interrupt registers.
func (m *Machine) Step() {
	ev := Classify(m.radio.ReadRegister(sx127x.RegIRQFlags), m.radio.ReadRegister(sx127x.RegIRQFlagsMask))
	m.soft = false
	if ev.Masked() {
		m.logger.Debugw("masked interrupts present", "tag", "FLAG", "flags", ev.Flags, "mask", ev.Mask, "active", ev.Active)
	}

	if m.rc.Hop && ev.Active == 0 {
		if m.state == StateScan || m.state == StateCad {
			m.arbitrateHop()
			return
		}
		runtime.Gosched()
	}

	switch m.state {
	case StateInit:
		m.stepInit()
	case StateScan:
		m.stepScan(ev)
	case StateCad:
		m.stepCad(ev)
	case StateRx:
		m.stepRx(ev)
	case StateTx:
		m.stepTx(ev)
	case StateTxDone:
		m.stepTxDone(ev)
	default:
		m.stepUnknown()
	}
}

// arbitrateHop moves to the next channel once the channel done or event budget runs out.
func (m *Machine) arbitrateHop() {
	now := m.clock.Micros()
	eventBudget, ok := eventWait(m.state, m.eventUnit)
	if !ok {
		m.logger.Warnw("no event wait for state", "tag", "HOP", "state", m.state)
	}
	doneBudget, ok := doneWait(m.rc.SF, m.doneBase)
	if !ok {
		m.logger.Warnw("unknown spreading factor", "tag", "HOP", "sf", m.rc.SF)
	}
	sinceDone := timing.Elapsed(now, &m.timers.Done)
	sinceEvent := timing.Elapsed(now, &m.timers.Event)

	switch {
	case sinceDone > doneBudget:
		m.logger.Debugw("channel done budget expired", "tag", "HOP", "state", m.state, "sf", m.rc.SF, "elapsed", sinceDone)
	case sinceEvent > eventBudget:
		m.logger.Debugw("event budget expired", "tag", "HOP", "state", m.state, "elapsed", sinceEvent)
	default:
		return
	}

	m.state = StateScan
	m.hopper.Advance(&m.rc)
	m.armScanner()
	m.timers.Event = now
	m.timers.Done = now
	m.stats.Hops++
}

func (m *Machine) stepInit() {
	m.logger.Debugw("initializing", "tag", "INIT", "channel", m.rc.Channel, "cad", m.rc.CAD, "hop", m.rc.Hop)
	m.clearIRQ()
	m.soft = false
	m.rearmReceiver()
	now := m.clock.Micros()
	m.timers.Event = now
	m.timers.Done = now
}

func (m *Machine) stepScan(ev Event) {
	switch {
	case ev.Active.Has(sx127x.IRQCadDetected):
		m.startReception("SCAN")
	case ev.Active.Has(sx127x.IRQCadDone):
		m.radio.SetOpMode(sx127x.OpModeCAD)
		m.rssi = m.radio.ReadRegister(sx127x.RegRSSIValue)
		if int(m.rssi) > m.rssiThreshold() {
			m.logger.Debugw("channel busy, sweeping spreading factors", "tag", "SCAN", "rssi", m.rssi)
			m.state = StateCad
		} else {
			m.state = StateScan
		}
		m.radio.WriteRegister(sx127x.RegIRQFlagsMask, 0x00)
		m.radio.WriteRegister(sx127x.RegIRQFlags, sx127x.IRQAll)
		m.timers.Done = m.clock.Micros()
	case ev.Active == 0:
		m.soft = false
	default:
		m.logger.Debugw("unknown interrupt", "tag", "SCAN", "irq", ev.Active)
		m.stats.UnknownInterrupts++
		m.state = StateScan
		m.clearIRQ()
	}
}

func (m *Machine) stepCad(ev Event) {
	switch {
	case ev.Active.Has(sx127x.IRQCadDetected):
		m.startReception("CAD")
	case ev.Active.Has(sx127x.IRQCadDone):
		if m.rc.SF < sx127x.SF12 {
			m.rc.SF++
			m.radio.SetRate(m.rc.SF, true)
			m.soft = false
			m.radio.WriteRegister(sx127x.RegIRQFlagsMask, 0x00)
			m.radio.WriteRegister(sx127x.RegIRQFlags, sx127x.IRQAll)
			m.radio.SetOpMode(sx127x.OpModeCAD)
			m.rssi = m.radio.ReadRegister(sx127x.RegRSSIValue)
		} else {
			m.logger.Debugw("no preamble found up to SF12", "tag", "CAD", "rssi", m.rssi)
			m.clearIRQ()
			m.restartScan()
			m.soft = true
			m.state = StateScan
		}
		m.timers.Done = m.clock.Micros()
	case ev.Active == 0:
		m.logger.Debugw("no interrupt after CAD done", "tag", "CAD", "sf", m.rc.SF)
		m.soft = true
	default:
		m.logger.Warnw("unknown interrupt", "tag", "CAD", "irq", ev.Active)
		m.stats.UnknownInterrupts++
		m.clearIRQ()
		m.restartScan()
		m.soft = true
		m.state = StateScan
	}
}

// startReception follows a CAD detection with a single receive at the detected rate.
func (m *Machine) startReception(tag string) {
	m.radio.SetDioMapping(sx127x.MapDIO0RxDone | sx127x.MapDIO1RxTimeout | sx127x.MapDIO2Nop | sx127x.MapDIO3CRC)
	m.radio.WriteRegister(sx127x.RegIRQFlagsMask,
		^(sx127x.IRQRxDone | sx127x.IRQRxTimeout | sx127x.IRQHeaderValid | sx127x.IRQCRCError))
	m.soft = false
	m.rssi = m.radio.ReadRegister(sx127x.RegRSSIValue)
	m.timers.Detect = m.clock.Micros()
	m.radio.WriteRegister(sx127x.RegIRQFlags, sx127x.IRQAll)
	m.radio.StartSingleReceive()
	m.state = StateRx
	m.stats.Detections++
	m.logger.Debugw("preamble detected", "tag", tag, "sf", m.rc.SF, "channel", m.rc.Channel, "rssi", m.rssi)
}

func (m *Machine) stepRx(ev Event) {
	switch {
	case ev.Active.Has(sx127x.IRQRxDone):
		m.receive(ev)
	case ev.Active.Has(sx127x.IRQRxTimeout):
		m.soft = false
		m.clearIRQ()
		m.stats.RxTimeouts++
		if m.rc.scanning() {
			m.logger.Debugw("receive timeout", "tag", "RXTOUT", "sf", m.rc.SF, "channel", m.rc.Channel)
			m.restartScan()
			m.state = StateScan
		} else {
			m.startContinuousReceive()
			m.state = StateRx
		}
		now := m.clock.Micros()
		m.timers.Event = now
		m.timers.Done = now
	case ev.Active.Has(sx127x.IRQHeaderValid):
		// RxDone follows
	case ev.Active == 0:
	default:
		// an unexpected flag must not cut off a reception in flight
		m.logger.Debugw("unknown interrupt", "tag", "RX", "irq", ev.Active)
		m.stats.UnknownInterrupts++
	}
}

func (m *Machine) receive(ev Event) {
	if m.crcCheck && ev.Active.Has(sx127x.IRQCRCError) {
		m.logger.Debugw("dropping packet with bad CRC", "tag", "CRC", "sf", m.rc.SF, "channel", m.rc.Channel)
		m.stats.CRCErrors++
		m.radio.WriteRegister(sx127x.RegIRQFlagsMask, 0x00)
		m.radio.WriteRegister(sx127x.RegIRQFlags,
			sx127x.IRQRxDone|sx127x.IRQRxTimeout|sx127x.IRQHeaderValid|sx127x.IRQCRCError)
		m.soft = false
		m.rearmReceiver()
		return
	}

	now := m.clock.Micros()
	n := m.radio.ReadPacket(m.rxBuf[:])
	if n <= 0 {
		m.logger.Warnw("failed to read packet", "tag", "RX", "length", n)
		m.stats.ReadErrors++
		m.soft = true
		m.radio.WriteRegister(sx127x.RegIRQFlagsMask, 0x00)
		m.restartScan()
		m.state = StateScan
		return
	}

	pkt := InboundPacket{
		Payload:        m.rxBuf[:n],
		SNR:            DecodeSNR(m.radio.ReadRegister(sx127x.RegPktSNRValue)),
		RawRSSI:        m.radio.ReadRegister(sx127x.RegPktRSSIValue),
		RSSICorrection: m.rssiCorrection,
		SF:             sx127x.SpreadingFactor(m.radio.ReadRegister(sx127x.RegModemConfig2) >> 4),
		Channel:        m.rc.Channel,
		Frequency:      m.hopper.Frequency(m.rc.Channel),
		Timestamp:      now,
		DetectLatency:  timing.Elapsed(now, &m.timers.Detect),
	}
	m.stats.Received++
	m.logger.Infow("received packet", "tag", "RX", "length", n, "sf", pkt.SF, "rssi", pkt.RSSI(), "snr", pkt.SNR,
		"channel", pkt.Channel, "dT", pkt.DetectLatency)

	if handled := m.onUplink(pkt); handled <= 0 {
		m.logger.Debugw("uplink handler accepted nothing", "tag", "RX", "result", handled)
	}
	last := pkt
	last.Payload = nil
	m.last = &last

	m.clearIRQ()
	m.rearmReceiver()
	m.timers.Event = now
	m.soft = false
}

func (m *Machine) stepTx(ev Event) {
	if ev.Active == 0 {
		m.logger.Debugw("forcing transmission without interrupt", "tag", "TX")
	}
	m.clearIRQ()
	if !m.staged {
		m.logger.Warnw("no staged packet to transmit", "tag", "TX")
		m.soft = false
		m.rearmReceiver()
		return
	}
	m.radio.StartTransmit(m.outbound.request())
	m.staged = false
	m.timers.Send = m.clock.Micros()
	m.stats.Transmitted++
	m.logger.Infow("transmitting", "tag", "TX", "length", len(m.outbound.Payload), "freq", m.outbound.Frequency,
		"sf", m.outbound.SF, "power", m.outbound.PowerDBm, "tmst", m.outbound.Timestamp)
	m.outbound = OutboundPacket{}
	m.soft = true
	m.state = StateTxDone
}

func (m *Machine) stepTxDone(ev Event) {
	switch {
	case ev.Active.Has(sx127x.IRQTxDone):
		m.clearIRQ()
		m.soft = false
		m.logger.Debugw("transmission done", "tag", "TXDONE")
		m.rearmReceiver()
	case ev.Active != 0:
		m.logger.Warnw("unknown interrupt while waiting for transmit done", "tag", "TXDONE", "irq", ev.Active)
		m.stats.UnknownInterrupts++
		m.clearIRQ()
		m.soft = false
		m.restartScan()
		m.state = StateScan
	default:
		now := m.clock.Micros()
		if elapsed := timing.Elapsed(now, &m.timers.Send); elapsed > timing.Micros(TxConfirmDeadline) {
			m.logger.Warnw("transmit done interrupt lost, rearming receiver", "tag", "TXDONE", "elapsed", elapsed)
			m.stats.TxLost++
			m.startReceiver()
			m.timers.Send = now
		}
	}
}

func (m *Machine) stepUnknown() {
	m.logger.Errorw("unrecognized state, resetting", "tag", "DEFAULT", "state", m.state)
	m.clearIRQ()
	m.soft = false
	m.rearmReceiver()
	m.timers.Event = m.clock.Micros()
}

func (m *Machine) rssiThreshold() int {
	if m.rc.Hop {
		return m.rssiLimit - hopRSSIOffset
	}
	return m.rssiLimit
}

func (m *Machine) clearIRQ() {
	m.radio.WriteRegister(sx127x.RegIRQFlagsMask, 0x00)
	m.radio.WriteRegister(sx127x.RegIRQFlags, sx127x.IRQAll)
}

// rearmReceiver returns to CAD scanning or continuous receive, depending on the mode,
// and moves to the matching state.
func (m *Machine) rearmReceiver() {
	if m.rc.scanning() {
		m.restartScan()
		m.state = StateScan
		return
	}
	m.startContinuousReceive()
	m.state = StateRx
}

// startReceiver is rearmReceiver without the state change.
func (m *Machine) startReceiver() {
	if m.rc.scanning() {
		m.restartScan()
		return
	}
	m.startContinuousReceive()
}

// restartScan resets the spreading factor and starts CAD on the current channel.
func (m *Machine) restartScan() {
	m.rc.SF = sx127x.SF7
	m.armScanner()
}

func (m *Machine) armScanner() {
	m.radio.SetOpMode(sx127x.OpModeStandby)
	m.radio.SetFrequency(m.hopper.Frequency(m.rc.Channel))
	m.radio.SetRate(m.rc.SF, true)
	// a downlink leaves the radio inverted, CAD only sees uplinks with normal IQ
	m.radio.SetInvertIQ(false)
	m.radio.SetDioMapping(sx127x.MapDIO0CadDone | sx127x.MapDIO1CadDetected | sx127x.MapDIO2Nop | sx127x.MapDIO3Nop)
	m.radio.WriteRegister(sx127x.RegIRQFlags, sx127x.IRQAll)
	m.radio.WriteRegister(sx127x.RegIRQFlagsMask, ^(sx127x.IRQCadDone | sx127x.IRQCadDetected))
	m.radio.SetOpMode(sx127x.OpModeCAD)
}

func (m *Machine) startContinuousReceive() {
	m.rc.SF = m.receiveSF
	m.radio.SetOpMode(sx127x.OpModeStandby)
	m.radio.SetFrequency(m.hopper.Frequency(m.rc.Channel))
	m.radio.SetRate(m.rc.SF, true)
	m.radio.StartContinuousReceive()
}

// Reset returns the machine to StateInit, dropping any staged downlink. Timers,
// statistics and the channel are kept.
func (m *Machine) Reset() {
	m.state = StateInit
	m.soft = true
	m.staged = false
	m.outbound = OutboundPacket{}
}
