package fsm

// Stats counts what the machine has seen since it was created.
type Stats struct {
	Detections        uint64
	Received          uint64
	CRCErrors         uint64
	ReadErrors        uint64
	RxTimeouts        uint64
	Hops              uint64
	Transmitted       uint64
	TxLost            uint64
	UnknownInterrupts uint64
}

// Snapshot is a copy of the machine status that can be handed to other goroutines.
type Snapshot struct {
	State     State
	Radio     RadioContext
	Frequency uint32
	// RSSI is the last current RSSI register value read during CAD.
	RSSI  uint8
	Stats Stats
	// LastPacket describes the last good packet, without its payload.
	LastPacket *InboundPacket
}

// Snapshot returns the current status.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:     m.state,
		Radio:     m.rc,
		Frequency: m.hopper.Frequency(m.rc.Channel),
		RSSI:      m.rssi,
		Stats:     m.stats,
	}
	if m.last != nil {
		last := *m.last
		s.LastPacket = &last
	}
	return s
}
