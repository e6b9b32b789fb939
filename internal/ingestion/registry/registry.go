package registry

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned when a device is not in the registry.
var ErrDeviceNotFound = errors.New("device not found")

// Registry records which devices are supervised and how their sessions are
// doing, so other processes and the HTTP API can see them.
type Registry interface {
	// Register adds or refreshes a device record. RegisteredAt is preserved
	// across re-registration.
	Register(ctx context.Context, device *Device) error

	Unregister(ctx context.Context, deviceID string) error

	Get(ctx context.Context, deviceID string) (*Device, error)

	// List returns all devices whose records have not expired.
	List(ctx context.Context) ([]*Device, error)

	UpdateStatus(ctx context.Context, deviceID string, status DeviceStatus) error

	// UpdateStats replaces the counters and refreshes the heartbeat and TTL.
	UpdateStats(ctx context.Context, deviceID string, stats *DeviceStats) error

	Close() error
}
