package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sensorlink_delivery_queue_depth",
	Help: "Packets waiting in the delivery channel",
}, []string{"channel"})

// DeleteMetrics removes the depth series for a channel that is gone.
func DeleteMetrics(name string) {
	queueDepth.DeleteLabelValues(name)
}
