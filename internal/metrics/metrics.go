package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Notification path metrics
	packetsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_packets_received_total",
		Help: "Notifications accepted by the ingestor per device",
	}, []string{"device"})

	sequenceDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_sequence_dropped_total",
		Help: "Packets inferred lost from sequence gaps per device",
	}, []string{"device"})

	backpressureDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_backpressure_dropped_total",
		Help: "Packets discarded because the delivery channel was full",
	}, []string{"device"})

	malformedPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_malformed_packets_total",
		Help: "Notifications that could not be decoded",
	}, []string{"device", "reason"})

	arrivalRateHz = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorlink_arrival_rate_hz",
		Help: "Windowed notification arrival rate",
	}, []string{"device"})

	// Fusion output
	orientation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorlink_orientation",
		Help: "Latest orientation quaternion component",
	}, []string{"device", "component"})

	// Session lifecycle
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorlink_sessions_active",
		Help: "Number of connected device sessions",
	}, []string{"transport"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_reconnects_total",
		Help: "Reconnection attempts per device",
	}, []string{"device"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensorlink_session_duration_seconds",
		Help:    "Lifetime of a device session",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~16k seconds
	}, []string{"device"})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensorlink_events_dropped_total",
		Help: "Pipeline events discarded because the event queue was full",
	})

	// HTTP API
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorlink_http_requests_total",
		Help: "HTTP requests handled by the API",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensorlink_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordPacket counts one accepted notification.
func RecordPacket(device string) {
	packetsReceivedTotal.WithLabelValues(device).Inc()
}

// RecordSequenceDrops adds inferred losses for a device.
func RecordSequenceDrops(device string, dropped uint64) {
	sequenceDroppedTotal.WithLabelValues(device).Add(float64(dropped))
}

func RecordBackpressureDrop(device string) {
	backpressureDroppedTotal.WithLabelValues(device).Inc()
}

func RecordMalformed(device, reason string) {
	malformedPacketsTotal.WithLabelValues(device, reason).Inc()
}

func SetArrivalRate(device string, hz float64) {
	arrivalRateHz.WithLabelValues(device).Set(hz)
}

// SetOrientation publishes the four quaternion components.
func SetOrientation(device string, w, x, y, z float64) {
	orientation.WithLabelValues(device, "w").Set(w)
	orientation.WithLabelValues(device, "x").Set(x)
	orientation.WithLabelValues(device, "y").Set(y)
	orientation.WithLabelValues(device, "z").Set(z)
}

// SessionStarted marks a session as active on a transport.
func SessionStarted(transport string) {
	sessionsActive.WithLabelValues(transport).Inc()
}

// SessionEnded records the session lifetime and decrements the active gauge.
func SessionEnded(device, transport string, lifetime time.Duration) {
	sessionsActive.WithLabelValues(transport).Dec()
	sessionDuration.WithLabelValues(device).Observe(lifetime.Seconds())
}

// RecordEventDropped counts one event lost to a full event queue. It takes
// no vector lock so it is safe on the transport goroutine.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

func RecordReconnect(device string) {
	reconnectsTotal.WithLabelValues(device).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// DeleteDevice removes the per-device gauges once a device is no longer
// supervised. Counters are kept so rates stay continuous across restarts.
func DeleteDevice(device string) {
	arrivalRateHz.DeleteLabelValues(device)
	for _, c := range []string{"w", "x", "y", "z"} {
		orientation.DeleteLabelValues(device, c)
	}
}
