package sx127x

// LoRa mode register map shared by the SX1272 and SX1276.
const (
	RegFifo             = 0x00
	RegOpMode           = 0x01
	RegFrfMsb           = 0x06
	RegFrfMid           = 0x07
	RegFrfLsb           = 0x08
	RegPaConfig         = 0x09
	RegPaRamp           = 0x0A
	RegLna              = 0x0C
	RegFifoAddrPtr      = 0x0D
	RegFifoTxBaseAddr   = 0x0E
	RegFifoRxBaseAddr   = 0x0F
	RegFifoRxCurrent    = 0x10
	RegIRQFlagsMask     = 0x11
	RegIRQFlags         = 0x12
	RegRxNbBytes        = 0x13
	RegPktSNRValue      = 0x19
	RegPktRSSIValue     = 0x1A
	RegRSSIValue        = 0x1B
	RegHopChannel       = 0x1C
	RegModemConfig1     = 0x1D
	RegModemConfig2     = 0x1E
	RegSymbTimeoutLsb   = 0x1F
	RegPreambleMsb      = 0x20
	RegPreambleLsb      = 0x21
	RegPayloadLength    = 0x22
	RegPayloadMaxLength = 0x23
	RegHopPeriod        = 0x24
	RegModemConfig3     = 0x26
	RegInvertIQ         = 0x33
	RegSyncWord         = 0x39
	RegInvertIQ2        = 0x3B
	RegDioMapping1      = 0x40
	RegDioMapping2      = 0x41
	RegVersion          = 0x42
	RegPaDac            = 0x4D
)

// Operating modes, written to RegOpMode together with OpModeLoRa.
const (
	OpModeSleep    uint8 = 0x00
	OpModeStandby  uint8 = 0x01
	OpModeFSTx     uint8 = 0x02
	OpModeTx       uint8 = 0x03
	OpModeFSRx     uint8 = 0x04
	OpModeRx       uint8 = 0x05
	OpModeRxSingle uint8 = 0x06
	OpModeCAD      uint8 = 0x07

	OpModeLoRa uint8 = 0x80
	opModeMask uint8 = 0x07
)

// Interrupt flag bits of RegIRQFlags and RegIRQFlagsMask.
const (
	IRQRxTimeout   uint8 = 0x80
	IRQRxDone      uint8 = 0x40
	IRQCRCError    uint8 = 0x20
	IRQHeaderValid uint8 = 0x10
	IRQTxDone      uint8 = 0x08
	IRQCadDone     uint8 = 0x04
	IRQFHSSChange  uint8 = 0x02
	IRQCadDetected uint8 = 0x01

	// IRQAll clears every flag when written to RegIRQFlags.
	IRQAll uint8 = 0xFF
)

// DIO pin routing values for RegDioMapping1, OR them together.
const (
	MapDIO0RxDone  uint8 = 0x00
	MapDIO0TxDone  uint8 = 0x40
	MapDIO0CadDone uint8 = 0x80
	MapDIO0Nop     uint8 = 0xC0

	MapDIO1RxTimeout   uint8 = 0x00
	MapDIO1CadDetected uint8 = 0x20
	MapDIO1Nop         uint8 = 0x30

	MapDIO2Nop uint8 = 0x0C

	MapDIO3CadDone uint8 = 0x00
	MapDIO3CRC     uint8 = 0x02
	MapDIO3Nop     uint8 = 0x03
)

// IQ inversion register values.
const (
	invertIQOn   uint8 = 0x67
	invertIQOff  uint8 = 0x27
	invertIQ2On  uint8 = 0x19
	invertIQ2Off uint8 = 0x1D
)

const (
	versionSX1272 uint8 = 0x22
	versionSX1276 uint8 = 0x12

	// LoRaWAN public network sync word.
	syncWordPublic uint8 = 0x34

	lnaMaxGain uint8 = 0x23

	// FXOSC is the crystal frequency of the radio in Hz.
	FXOSC = 32000000

	// MaxPayload is the size of the radio FIFO.
	MaxPayload = 256
)
