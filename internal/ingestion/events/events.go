// Package events carries pipeline observations (losses, arrival rate,
// malformed input, backpressure and orientation) to pluggable sinks.
package events

import (
	"time"

	"github.com/zsiec/sensorlink/internal/ingestion/fusion"
)

// LossEvent reports packets inferred lost from a sequence gap.
type LossEvent struct {
	DeviceID     string
	Previous     uint16
	Current      uint16
	Dropped      uint64
	DroppedTotal uint64
	At           time.Time
}

// RateSample is the windowed arrival rate after one notification.
type RateSample struct {
	DeviceID string
	RateHz   float64
	At       time.Time
}

// MalformedEvent reports a notification that could not be used.
type MalformedEvent struct {
	DeviceID string
	Reason   string
	Length   int
	Err      error
	At       time.Time
}

// BackpressureEvent reports a packet the delivery channel refused or evicted.
type BackpressureEvent struct {
	DeviceID   string
	Sequence   uint16
	DropsTotal uint64
	At         time.Time
}

// OrientationSample is the filter output after one decoded packet.
type OrientationSample struct {
	DeviceID    string
	Sequence    uint16
	Orientation fusion.Quaternion
	At          time.Time
}

// Sink receives pipeline observations. Methods are called from the transport
// goroutine (loss, rate, malformed, backpressure) and the consumer goroutine
// (orientation, parse failures) and must not block. Sinks that log or export
// should sit behind an Async.
type Sink interface {
	OnLoss(LossEvent)
	OnRate(RateSample)
	OnMalformed(MalformedEvent)
	OnBackpressure(BackpressureEvent)
	OnOrientation(OrientationSample)
}

// Discard is a Sink that ignores everything.
var Discard Sink = nopSink{}

type nopSink struct{}

func (nopSink) OnLoss(LossEvent)                 {}
func (nopSink) OnRate(RateSample)                {}
func (nopSink) OnMalformed(MalformedEvent)       {}
func (nopSink) OnBackpressure(BackpressureEvent) {}
func (nopSink) OnOrientation(OrientationSample)  {}

// Multi fans every event out to each sink in order.
type Multi []Sink

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) Multi {
	m := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) OnLoss(e LossEvent) {
	for _, s := range m {
		s.OnLoss(e)
	}
}

func (m Multi) OnRate(e RateSample) {
	for _, s := range m {
		s.OnRate(e)
	}
}

func (m Multi) OnMalformed(e MalformedEvent) {
	for _, s := range m {
		s.OnMalformed(e)
	}
}

func (m Multi) OnBackpressure(e BackpressureEvent) {
	for _, s := range m {
		s.OnBackpressure(e)
	}
}

func (m Multi) OnOrientation(e OrientationSample) {
	for _, s := range m {
		s.OnOrientation(e)
	}
}

// Forget passes a finished device on to every sink that keeps per-device
// state.
func (m Multi) Forget(device string) {
	for _, s := range m {
		if f, ok := s.(forgetter); ok {
			f.Forget(device)
		}
	}
}

type forgetter interface {
	Forget(device string)
}
