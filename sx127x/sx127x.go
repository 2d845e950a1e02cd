// Package sx127x drives a Semtech SX1272/SX1276 LoRa transceiver over SPI.
//
// Register access never returns an error. The first SPI failure is recorded on the
// Device and reported by Err until the next Init, so a caller running a tight control
// loop can check once per iteration instead of once per register.
package sx127x

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// Model identifies the detected radio chip.
type Model int

const (
	ModelUnknown Model = iota
	ModelSX1272
	ModelSX1276
)

func (m Model) String() string {
	switch m {
	case ModelSX1272:
		return "sx1272"
	case ModelSX1276:
		return "sx1276"
	case ModelUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// RSSICorrection is the offset subtracted from raw RSSI register values to get dBm.
func (m Model) RSSICorrection() int {
	if m == ModelSX1272 {
		return 139
	}
	return 157
}

// SpreadingFactor is a LoRa spreading factor between SF7 and SF12.
type SpreadingFactor uint8

const (
	SF7  SpreadingFactor = 7
	SF8  SpreadingFactor = 8
	SF9  SpreadingFactor = 9
	SF10 SpreadingFactor = 10
	SF11 SpreadingFactor = 11
	SF12 SpreadingFactor = 12
)

// Valid reports whether sf is one of SF7 through SF12.
func (sf SpreadingFactor) Valid() bool {
	return sf >= SF7 && sf <= SF12
}

func (sf SpreadingFactor) String() string {
	return fmt.Sprintf("SF%d", uint8(sf))
}

// TxRequest describes a single LoRa transmission.
type TxRequest struct {
	Payload []byte
	// Timestamp is the microsecond counter value the transmission was scheduled for.
	Timestamp       uint32
	SpreadingFactor SpreadingFactor
	PowerDBm        int
	Frequency       uint32
	CRC             bool
	InvertIQ        bool
}

var (
	// ErrNotDetected is returned by Init when the version register holds an unknown value.
	ErrNotDetected = errors.New("sx127x radio not detected")
	// ErrNotInitialized is returned by Err before Init succeeds.
	ErrNotInitialized = errors.New("sx127x radio is not initialized")
)

// Device is an SX127x radio attached to an SPI connection.
type Device struct {
	conn   spi.Conn
	closer spi.PortCloser
	model  Model

	mu  sync.Mutex
	err error
}

// New wraps an already configured SPI connection.
func New(conn spi.Conn) *Device {
	return &Device{conn: conn, err: ErrNotInitialized}
}

// Open opens the named SPI port, for example "/dev/spidev0.0" or "SPI0.1".
// host.Init must have been called before.
func Open(name string) (*Device, error) {
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("error opening spi port %s: %w", name, err)
	}
	conn, err := port.Connect(1*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error connecting to spi port %s: %w", name, err), port.Close())
	}
	d := New(conn)
	d.closer = port
	return d, nil
}

// Close releases the SPI port if the Device opened it.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

// Model returns the chip detected by Init.
func (d *Device) Model() Model {
	return d.model
}

// Err returns the first SPI error seen since the last Init.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Device) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Init detects the chip and puts it into LoRa standby on the given frequency.
// The radio must have been reset beforehand.
func (d *Device) Init(frequency uint32) error {
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	version := d.ReadRegister(RegVersion)
	if err := d.Err(); err != nil {
		return err
	}
	switch version {
	case versionSX1272:
		d.model = ModelSX1272
	case versionSX1276:
		d.model = ModelSX1276
	default:
		d.model = ModelUnknown
		err := fmt.Errorf("%w: version register reads 0x%02x", ErrNotDetected, version)
		d.setErr(err)
		return err
	}

	// the LoRa bit can only be changed while sleeping
	d.WriteRegister(RegOpMode, OpModeSleep)
	d.WriteRegister(RegOpMode, OpModeLoRa|OpModeSleep)

	d.SetFrequency(frequency)
	d.WriteRegister(RegSyncWord, syncWordPublic)
	d.WriteRegister(RegPreambleMsb, 0x00)
	d.WriteRegister(RegPreambleLsb, 0x08)
	d.WriteRegister(RegLna, lnaMaxGain)
	d.WriteRegister(RegFifoTxBaseAddr, 0x00)
	d.WriteRegister(RegFifoRxBaseAddr, 0x00)
	d.WriteRegister(RegPayloadMaxLength, 0x80)
	d.WriteRegister(RegHopPeriod, 0xFF)
	d.SetInvertIQ(false)
	d.SetRate(SF7, true)
	d.SetOpMode(OpModeStandby)

	return d.Err()
}

// ReadRegister returns the value of a single register.
func (d *Device) ReadRegister(addr uint8) uint8 {
	w := [2]byte{addr & 0x7F, 0}
	var r [2]byte
	d.tx(w[:], r[:])
	return r[1]
}

// WriteRegister sets a single register.
func (d *Device) WriteRegister(addr, value uint8) {
	w := [2]byte{addr | 0x80, value}
	var r [2]byte
	d.tx(w[:], r[:])
}

func (d *Device) writeBurst(addr uint8, data []byte) {
	w := make([]byte, len(data)+1)
	w[0] = addr | 0x80
	copy(w[1:], data)
	d.tx(w, make([]byte, len(w)))
}

func (d *Device) readBurst(addr uint8, data []byte) {
	w := make([]byte, len(data)+1)
	w[0] = addr & 0x7F
	r := make([]byte, len(w))
	d.tx(w, r)
	copy(data, r[1:])
}

func (d *Device) tx(w, r []byte) {
	if err := d.conn.Tx(w, r); err != nil {
		d.setErr(fmt.Errorf("spi transfer on register 0x%02x failed: %w", w[0]&0x7F, err))
	}
}

// SetOpMode switches the LoRa operating mode.
func (d *Device) SetOpMode(mode uint8) {
	d.WriteRegister(RegOpMode, OpModeLoRa|(mode&opModeMask))
}

// OpMode returns the current LoRa operating mode.
func (d *Device) OpMode() uint8 {
	return d.ReadRegister(RegOpMode) & opModeMask
}

// SetDioMapping routes interrupt sources to the DIO0 to DIO3 pins.
func (d *Device) SetDioMapping(mapping uint8) {
	d.WriteRegister(RegDioMapping1, mapping)
}

// SetFrequency programs the carrier frequency in Hz.
func (d *Device) SetFrequency(hz uint32) {
	frf := uint32((uint64(hz) << 19) / FXOSC)
	d.WriteRegister(RegFrfMsb, uint8(frf>>16))
	d.WriteRegister(RegFrfMid, uint8(frf>>8))
	d.WriteRegister(RegFrfLsb, uint8(frf))
}

// SetRate programs 125 kHz bandwidth, 4/5 coding rate and the given spreading factor.
func (d *Device) SetRate(sf SpreadingFactor, crc bool) {
	lowDataRate := sf >= SF11
	if d.model == ModelSX1272 {
		mc1 := uint8(0x08)
		if crc {
			mc1 |= 0x02
		}
		if lowDataRate {
			mc1 |= 0x01
		}
		d.WriteRegister(RegModemConfig1, mc1)
		// AGC auto on
		d.WriteRegister(RegModemConfig2, uint8(sf)<<4|0x04)
	} else {
		d.WriteRegister(RegModemConfig1, 0x72)
		mc2 := uint8(sf) << 4
		if crc {
			mc2 |= 0x04
		}
		d.WriteRegister(RegModemConfig2, mc2)
		mc3 := uint8(0x04)
		if lowDataRate {
			mc3 |= 0x08
		}
		d.WriteRegister(RegModemConfig3, mc3)
	}
	if sf >= SF10 {
		d.WriteRegister(RegSymbTimeoutLsb, 0x05)
	} else {
		d.WriteRegister(RegSymbTimeoutLsb, 0x08)
	}
}

// SetInvertIQ selects inverted IQ, used for downlinks, or normal IQ for uplink reception.
func (d *Device) SetInvertIQ(invert bool) {
	if invert {
		d.WriteRegister(RegInvertIQ, invertIQOn)
		d.WriteRegister(RegInvertIQ2, invertIQ2On)
		return
	}
	d.WriteRegister(RegInvertIQ, invertIQOff)
	d.WriteRegister(RegInvertIQ2, invertIQ2Off)
}

func (d *Device) setPower(dBm int) {
	dBm = min(max(dBm, 2), 20)
	if d.model == ModelSX1272 {
		d.WriteRegister(RegPaConfig, 0x80|uint8(min(dBm, 17)-2))
		return
	}
	if dBm > 17 {
		d.WriteRegister(RegPaDac, 0x87)
		d.WriteRegister(RegPaConfig, 0xF0|uint8(dBm-5))
		return
	}
	d.WriteRegister(RegPaDac, 0x84)
	d.WriteRegister(RegPaConfig, 0xF0|uint8(dBm-2))
}

// StartSingleReceive starts a single shot receive on the current frequency and rate
// with normal IQ. Interrupt mapping and mask are left to the caller.
func (d *Device) StartSingleReceive() {
	d.SetInvertIQ(false)
	d.WriteRegister(RegFifoAddrPtr, d.ReadRegister(RegFifoRxBaseAddr))
	d.SetOpMode(OpModeRxSingle)
}

// StartContinuousReceive enables uplink reception on the current frequency and rate,
// routing RxDone, RxTimeout and CRC interrupts to the DIO pins.
func (d *Device) StartContinuousReceive() {
	d.SetInvertIQ(false)
	d.WriteRegister(RegPayloadMaxLength, 0x80)
	d.WriteRegister(RegFifoAddrPtr, d.ReadRegister(RegFifoRxBaseAddr))
	d.SetDioMapping(MapDIO0RxDone | MapDIO1RxTimeout | MapDIO2Nop | MapDIO3CRC)
	d.WriteRegister(RegIRQFlags, IRQAll)
	d.WriteRegister(RegIRQFlagsMask, ^(IRQRxDone | IRQRxTimeout | IRQHeaderValid | IRQCRCError))
	d.SetOpMode(OpModeRx)
}

// StartTransmit loads the payload into the FIFO and starts the transmission.
// Payloads longer than 255 bytes are truncated.
func (d *Device) StartTransmit(req TxRequest) {
	payload := req.Payload
	if len(payload) > MaxPayload-1 {
		payload = payload[:MaxPayload-1]
	}
	d.SetOpMode(OpModeStandby)
	d.SetFrequency(req.Frequency)
	d.SetRate(req.SpreadingFactor, req.CRC)
	d.setPower(req.PowerDBm)
	d.SetInvertIQ(req.InvertIQ)

	d.WriteRegister(RegFifoTxBaseAddr, 0x00)
	d.WriteRegister(RegFifoAddrPtr, 0x00)
	d.WriteRegister(RegPayloadLength, uint8(len(payload)))
	d.writeBurst(RegFifo, payload)

	d.SetDioMapping(MapDIO0TxDone | MapDIO1Nop | MapDIO2Nop | MapDIO3Nop)
	d.WriteRegister(RegIRQFlags, IRQAll)
	d.WriteRegister(RegIRQFlagsMask, ^IRQTxDone)
	d.SetOpMode(OpModeTx)
}

// ReadPacket copies the last received packet into buf and returns its length,
// or -1 when the FIFO could not be read.
func (d *Device) ReadPacket(buf []byte) int {
	n := int(d.ReadRegister(RegRxNbBytes))
	d.WriteRegister(RegFifoAddrPtr, d.ReadRegister(RegFifoRxCurrent))
	n = min(n, len(buf))
	if n > 0 {
		d.readBurst(RegFifo, buf[:n])
	}
	if d.Err() != nil {
		return -1
	}
	return n
}
