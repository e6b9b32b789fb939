package health

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zsiec/sensorlink/internal/ingestion"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
)

// DeviceLister is the part of the ingestion manager the device checker reads.
type DeviceLister interface {
	Devices() []ingestion.DeviceState
}

// DeviceChecker reports whether the configured devices are streaming. Some
// devices offline is degraded; every device given up on is down.
type DeviceChecker struct {
	devices DeviceLister

	mu      sync.Mutex
	details map[string]interface{}
}

func NewDeviceChecker(devices DeviceLister) *DeviceChecker {
	return &DeviceChecker{devices: devices}
}

func (d *DeviceChecker) Name() string {
	return "devices"
}

func (d *DeviceChecker) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	states := d.devices.Devices()
	counts := make(map[registry.DeviceStatus]int)
	var offline []string
	for _, s := range states {
		counts[s.Status]++
		if s.Status != registry.StatusActive {
			offline = append(offline, s.ID)
		}
	}
	sort.Strings(offline)

	d.mu.Lock()
	d.details = map[string]interface{}{
		"total":        len(states),
		"active":       counts[registry.StatusActive],
		"connecting":   counts[registry.StatusConnecting],
		"reconnecting": counts[registry.StatusReconnecting],
		"closed":       counts[registry.StatusClosed],
	}
	if len(offline) > 0 {
		d.details["offline"] = offline
	}
	d.mu.Unlock()

	switch {
	case len(states) == 0:
		return nil
	case counts[registry.StatusClosed] == len(states):
		return fmt.Errorf("all %d devices closed", len(states))
	case len(offline) > 0:
		return Degraded(fmt.Sprintf("%d of %d devices not streaming", len(offline), len(states)))
	}
	return nil
}

// Details implements Detailer with the counts from the last Check.
func (d *DeviceChecker) Details() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]interface{}, len(d.details))
	for k, v := range d.details {
		out[k] = v
	}
	return out
}
