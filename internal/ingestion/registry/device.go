package registry

import (
	"time"
)

// DeviceStatus is the supervisor's view of a device link.
type DeviceStatus string

const (
	StatusConnecting   DeviceStatus = "connecting"
	StatusActive       DeviceStatus = "active"
	StatusReconnecting DeviceStatus = "reconnecting"
	StatusClosed       DeviceStatus = "closed"
)

// Device is the registry record for one peripheral.
type Device struct {
	ID            string       `json:"id"`
	Transport     string       `json:"transport"`
	SessionID     string       `json:"session_id"`
	Status        DeviceStatus `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`

	PacketsReceived   uint64  `json:"packets_received"`
	DroppedTotal      uint64  `json:"dropped_total"`
	BackpressureDrops uint64  `json:"backpressure_drops"`
	Malformed         uint64  `json:"malformed"`
	RateHz            float64 `json:"rate_hz"`
	Reconnects        uint64  `json:"reconnects"`
}

// DeviceStats is the counter subset pushed periodically by the supervisor.
type DeviceStats struct {
	PacketsReceived   uint64  `json:"packets_received"`
	DroppedTotal      uint64  `json:"dropped_total"`
	BackpressureDrops uint64  `json:"backpressure_drops"`
	Malformed         uint64  `json:"malformed"`
	RateHz            float64 `json:"rate_hz"`
	Reconnects        uint64  `json:"reconnects"`
}

// ApplyStats copies stats into the record.
func (d *Device) ApplyStats(s *DeviceStats) {
	d.PacketsReceived = s.PacketsReceived
	d.DroppedTotal = s.DroppedTotal
	d.BackpressureDrops = s.BackpressureDrops
	d.Malformed = s.Malformed
	d.RateHz = s.RateHz
	d.Reconnects = s.Reconnects
}

// LossRatio is the fraction of expected packets that never arrived.
func (d *Device) LossRatio() float64 {
	expected := d.PacketsReceived + d.DroppedTotal
	if expected == 0 {
		return 0
	}
	return float64(d.DroppedTotal) / float64(expected)
}
