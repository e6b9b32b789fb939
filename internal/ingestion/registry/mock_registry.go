package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRegistry is an in-memory implementation of Registry for testing
type MockRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	closed  bool
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		devices: make(map[string]*Device),
	}
}

func (m *MockRegistry) Register(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("registry is closed")
	}

	now := time.Now()
	if existing, ok := m.devices[device.ID]; ok {
		device.RegisteredAt = existing.RegisteredAt
	} else if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	device.LastHeartbeat = now

	copied := *device
	m.devices[device.ID] = &copied
	return nil
}

func (m *MockRegistry) Unregister(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(m.devices, deviceID)
	return nil
}

func (m *MockRegistry) Get(ctx context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	copied := *device
	return &copied, nil
}

func (m *MockRegistry) List(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*Device, 0, len(m.devices))
	for _, device := range m.devices {
		copied := *device
		devices = append(devices, &copied)
	}
	return devices, nil
}

func (m *MockRegistry) UpdateStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	device.Status = status
	device.LastHeartbeat = time.Now()
	return nil
}

func (m *MockRegistry) UpdateStats(ctx context.Context, deviceID string, stats *DeviceStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	device.ApplyStats(stats)
	device.LastHeartbeat = time.Now()
	return nil
}

func (m *MockRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.devices = make(map[string]*Device)
	return nil
}
