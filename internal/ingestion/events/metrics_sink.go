package events

import "github.com/zsiec/sensorlink/internal/metrics"

// MetricsSink exports events as Prometheus series labelled by device.
type MetricsSink struct{}

func NewMetricsSink() MetricsSink {
	return MetricsSink{}
}

func (MetricsSink) OnLoss(e LossEvent) {
	metrics.RecordSequenceDrops(e.DeviceID, e.Dropped)
}

// OnRate fires once per accepted notification, so it also drives the
// received counter.
func (MetricsSink) OnRate(e RateSample) {
	metrics.RecordPacket(e.DeviceID)
	metrics.SetArrivalRate(e.DeviceID, e.RateHz)
}

func (MetricsSink) OnMalformed(e MalformedEvent) {
	metrics.RecordMalformed(e.DeviceID, e.Reason)
}

func (MetricsSink) OnBackpressure(e BackpressureEvent) {
	metrics.RecordBackpressureDrop(e.DeviceID)
}

func (MetricsSink) OnOrientation(e OrientationSample) {
	q := e.Orientation
	metrics.SetOrientation(e.DeviceID, q.W, q.X, q.Y, q.Z)
}
