// Package parser decodes the LoRaWAN headers of received frames and runs
// JavaScript payload codecs.
package parser

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.thethings.network/lorawan-stack/v3/pkg/types"
)

const (
	joinRequestLen = 23
	minDataLen     = 12 // MHDR, FHDR without options, MIC
	micLen         = 4
)

var (
	// ErrTooShort is returned for frames shorter than their header.
	ErrTooShort = errors.New("frame too short")
	// ErrUnsupportedMajor is returned for frames that are not LoRaWAN R1.
	ErrUnsupportedMajor = errors.New("unsupported LoRaWAN major version")
)

// MType is the LoRaWAN message type from the MAC header.
type MType uint8

// LoRaWAN message types.
const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RejoinRequest
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest", "JoinAccept", "UnconfirmedDataUp", "UnconfirmedDataDown",
	"ConfirmedDataUp", "ConfirmedDataDown", "RejoinRequest", "Proprietary",
}

func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", uint8(m))
}

// Frame is the decoded header of a PHYPayload. FRMPayload stays encrypted.
type Frame struct {
	MType MType

	// data frames
	DevAddr    types.DevAddr
	FCtrl      byte
	FCnt       uint16
	FOpts      []byte
	FPort      uint8
	HasFPort   bool
	FRMPayload []byte

	// join requests
	JoinEUI  types.EUI64
	DevEUI   types.EUI64
	DevNonce uint16

	MIC [micLen]byte
}

// ADR reports whether the device asked for adaptive data rate.
func (f *Frame) ADR() bool {
	return f.FCtrl&0x80 != 0
}

// Uplink reports whether the frame travels from a device to the network.
func (f *Frame) Uplink() bool {
	switch f.MType {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp, RejoinRequest:
		return true
	case JoinAccept, UnconfirmedDataDown, ConfirmedDataDown, Proprietary:
		return false
	default:
		return false
	}
}

// ReverseBytes reverses a slice of bytes, LoRaWAN fields are little endian.
func ReverseBytes(input []byte) []byte {
	result := make([]byte, len(input))
	for i, b := range input {
		result[len(input)-1-i] = b
	}
	return result
}

// Parse decodes the MAC header and frame header of phy.
func Parse(phy []byte) (*Frame, error) {
	if len(phy) == 0 {
		return nil, ErrTooShort
	}
	mhdr := phy[0]
	if mhdr&0x03 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMajor, mhdr&0x03)
	}
	f := &Frame{MType: MType(mhdr >> 5)}

	switch f.MType {
	case JoinRequest:
		if len(phy) < joinRequestLen {
			return nil, fmt.Errorf("%w: join request of %d bytes", ErrTooShort, len(phy))
		}
		copy(f.JoinEUI[:], ReverseBytes(phy[1:9]))
		copy(f.DevEUI[:], ReverseBytes(phy[9:17]))
		f.DevNonce = binary.LittleEndian.Uint16(phy[17:19])
		copy(f.MIC[:], phy[19:23])
		return f, nil
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return f, parseData(f, phy)
	case JoinAccept, RejoinRequest, Proprietary:
		if len(phy) >= 1+micLen {
			copy(f.MIC[:], phy[len(phy)-micLen:])
		}
		return f, nil
	default:
		return f, nil
	}
}

func parseData(f *Frame, phy []byte) error {
	if len(phy) < minDataLen {
		return fmt.Errorf("%w: data frame of %d bytes", ErrTooShort, len(phy))
	}
	copy(f.DevAddr[:], ReverseBytes(phy[1:5]))
	f.FCtrl = phy[5]
	f.FCnt = binary.LittleEndian.Uint16(phy[6:8])

	macEnd := len(phy) - micLen
	optsEnd := 8 + int(f.FCtrl&0x0F)
	if optsEnd > macEnd {
		return fmt.Errorf("%w: %d bytes of frame options do not fit", ErrTooShort, f.FCtrl&0x0F)
	}
	f.FOpts = append([]byte(nil), phy[8:optsEnd]...)
	if optsEnd < macEnd {
		f.HasFPort = true
		f.FPort = phy[optsEnd]
		f.FRMPayload = append([]byte(nil), phy[optsEnd+1:macEnd]...)
	}
	copy(f.MIC[:], phy[macEnd:])
	return nil
}
