package events

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/sensorlink/internal/logger"
)

// LogSink writes events as structured log lines. Loss and malformed events
// are always logged; rate, orientation and backpressure lines are limited to
// one per interval per device.
type LogSink struct {
	logger   logger.Logger
	interval time.Duration

	limiters sync.Map // limiterKey -> *rate.Limiter
}

type limiterKey struct {
	device string
	kind   string
}

// NewLogSink creates a log sink. An interval of zero disables throttling.
func NewLogSink(log logger.Logger, interval time.Duration) *LogSink {
	return &LogSink{
		logger:   logger.WithComponent(log, "events"),
		interval: interval,
	}
}

func (s *LogSink) allow(device, kind string) bool {
	if s.interval <= 0 {
		return true
	}

	key := limiterKey{device: device, kind: kind}
	lim, ok := s.limiters.Load(key)
	if !ok {
		lim, _ = s.limiters.LoadOrStore(key, rate.NewLimiter(rate.Every(s.interval), 1))
	}
	return lim.(*rate.Limiter).Allow()
}

// Forget drops the throttling state for a device.
func (s *LogSink) Forget(device string) {
	s.limiters.Range(func(key, _ any) bool {
		if key.(limiterKey).device == device {
			s.limiters.Delete(key)
		}
		return true
	})
}

func (s *LogSink) OnLoss(e LossEvent) {
	s.logger.WithFields(map[string]interface{}{
		"device_id":     e.DeviceID,
		"previous":      e.Previous,
		"current":       e.Current,
		"dropped":       e.Dropped,
		"dropped_total": e.DroppedTotal,
	}).Warnf("dropped %d packets", e.Dropped)
}

func (s *LogSink) OnRate(e RateSample) {
	if !s.allow(e.DeviceID, "rate") {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"device_id": e.DeviceID,
		"rate_hz":   e.RateHz,
	}).Infof("receiving at %.1f Hz", e.RateHz)
}

func (s *LogSink) OnMalformed(e MalformedEvent) {
	s.logger.WithFields(map[string]interface{}{
		"device_id": e.DeviceID,
		"reason":    e.Reason,
		"length":    e.Length,
	}).WithError(e.Err).Warn("malformed packet discarded")
}

func (s *LogSink) OnBackpressure(e BackpressureEvent) {
	if !s.allow(e.DeviceID, "backpressure") {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"device_id":   e.DeviceID,
		"sequence":    e.Sequence,
		"drops_total": e.DropsTotal,
	}).Warn("delivery channel full, packet dropped")
}

func (s *LogSink) OnOrientation(e OrientationSample) {
	if !s.allow(e.DeviceID, "orientation") {
		return
	}
	roll, pitch, yaw := e.Orientation.Euler()
	s.logger.WithFields(map[string]interface{}{
		"device_id": e.DeviceID,
		"sequence":  e.Sequence,
		"roll":      roll,
		"pitch":     pitch,
		"yaw":       yaw,
	}).Debug("orientation updated")
}
