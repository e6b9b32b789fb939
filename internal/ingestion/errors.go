package ingestion

import (
	"errors"
	"fmt"
)

// Malformed packet reasons.
const (
	ReasonShortHeader  = "short_header"
	ReasonPayloadParse = "payload_parse"
)

var (
	// ErrUnknownDevice is returned for device IDs the manager does not supervise.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotConnected is returned when a device has no live session.
	ErrNotConnected = errors.New("device not connected")
	// ErrManagerStopped is returned once Stop has been called.
	ErrManagerStopped = errors.New("manager stopped")
)

// MalformedPacketError describes a notification that could not be used. It is
// reported to the event sink and counted; it never ends a session.
type MalformedPacketError struct {
	DeviceID string
	Length   int
	Reason   string
	Err      error
}

func (e *MalformedPacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed packet from %s (%d bytes, %s): %v", e.DeviceID, e.Length, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed packet from %s (%d bytes, %s)", e.DeviceID, e.Length, e.Reason)
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}
