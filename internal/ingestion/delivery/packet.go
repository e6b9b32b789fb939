package delivery

import (
	"time"
)

// HeaderSize is the length of the little-endian sequence prefix on every
// notification.
const HeaderSize = 2

// Packet is one decoded notification. It is immutable once constructed and
// owns its Payload.
type Packet struct {
	Sequence    uint16
	Payload     []byte
	ArrivalTime time.Time // carries a monotonic reading

	// RateHz is the windowed arrival rate at the time this packet arrived.
	RateHz float64
}

// NewPacket copies payload so the transport is free to reuse its buffer.
func NewPacket(seq uint16, payload []byte, arrival time.Time, rateHz float64) Packet {
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return Packet{
		Sequence:    seq,
		Payload:     owned,
		ArrivalTime: arrival,
		RateHz:      rateHz,
	}
}
