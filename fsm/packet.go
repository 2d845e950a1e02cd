package fsm

import (
	"github.com/viam-modules/sx127x-gateway/sx127x"
)

// InboundPacket is a packet the radio received successfully.
type InboundPacket struct {
	// Payload aliases the machine's receive buffer and is only valid during the
	// UplinkHandler call. Copy it to keep it.
	Payload []byte
	// SNR in dB.
	SNR int
	// RawRSSI is the packet RSSI register value.
	RawRSSI uint8
	// RSSICorrection is the model specific offset of RawRSSI.
	RSSICorrection int
	SF             sx127x.SpreadingFactor
	Channel        int
	Frequency      uint32
	// Timestamp is the counter value when the receive interrupt was handled.
	Timestamp uint32
	// DetectLatency is the time in microseconds between channel activity detection and
	// the packet being read.
	DetectLatency uint32
}

// RSSI returns the packet RSSI in dBm.
func (p InboundPacket) RSSI() int {
	return int(p.RawRSSI) - p.RSSICorrection
}

// OutboundPacket is a downlink staged for transmission.
type OutboundPacket struct {
	Payload   []byte
	Timestamp uint32
	SF        sx127x.SpreadingFactor
	PowerDBm  int
	Frequency uint32
	CRC       bool
	InvertIQ  bool
}

func (p OutboundPacket) request() sx127x.TxRequest {
	return sx127x.TxRequest{
		Payload:         p.Payload,
		Timestamp:       p.Timestamp,
		SpreadingFactor: p.SF,
		PowerDBm:        p.PowerDBm,
		Frequency:       p.Frequency,
		CRC:             p.CRC,
		InvertIQ:        p.InvertIQ,
	}
}

// UplinkHandler receives every good packet. Its result counts the packets it accepted
// and is only logged.
type UplinkHandler func(pkt InboundPacket) int

// DecodeSNR converts the two's complement packet SNR register, in quarter dB, to dB.
// Both signs round toward zero, so 0xFF (-0.25 dB) decodes to 0.
func DecodeSNR(raw uint8) int {
	if raw&0x80 != 0 {
		return -(int(^raw+1) >> 2)
	}
	return int(raw >> 2)
}
