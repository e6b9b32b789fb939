package ingestion

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/sensorlink/internal/ingestion/delivery"
	"github.com/zsiec/sensorlink/internal/ingestion/events"
	"github.com/zsiec/sensorlink/internal/ingestion/rate"
	"github.com/zsiec/sensorlink/internal/ingestion/sequence"
)

// IngestorStats is a point-in-time copy of the ingestor counters.
type IngestorStats struct {
	Received          uint64  `json:"received"`
	Malformed         uint64  `json:"malformed"`
	DroppedTotal      uint64  `json:"dropped_total"`
	BackpressureDrops uint64  `json:"backpressure_drops"`
	RateHz            float64 `json:"rate_hz"`
	LastSequence      uint16  `json:"last_sequence"`
	HasSequence       bool    `json:"has_sequence"`
}

// Ingestor turns raw notifications into packets on the delivery channel. It
// runs on the transport goroutine and never blocks: the tracker and estimator
// are owned by that goroutine, and the only hand-off is Channel.Enqueue. The
// sink must not block either; see events.Async.
type Ingestor struct {
	deviceID  string
	tracker   *sequence.Tracker
	estimator *rate.Estimator
	channel   *delivery.Channel
	sink      events.Sink
	now       func() time.Time

	received     atomic.Uint64
	malformed    atomic.Uint64
	droppedTotal atomic.Uint64
	backpressure atomic.Uint64
	rateBits     atomic.Uint64
	// low 16 bits hold the sequence; bit 16 marks that one was seen
	lastSeq atomic.Uint32
}

// NewIngestor wires a fresh tracker and estimator to ch. A nil sink discards
// events.
func NewIngestor(deviceID string, ch *delivery.Channel, rateWindow int, sink events.Sink) *Ingestor {
	if sink == nil {
		sink = events.Discard
	}
	return &Ingestor{
		deviceID:  deviceID,
		tracker:   sequence.NewTracker(),
		estimator: rate.NewEstimator(rateWindow),
		channel:   ch,
		sink:      sink,
		now:       time.Now,
	}
}

// OnNotification is the transport.NotificationHandler for the notify
// characteristic. raw is only read for the duration of the call.
func (i *Ingestor) OnNotification(raw []byte) {
	now := i.now()

	if len(raw) < delivery.HeaderSize {
		i.malformed.Add(1)
		i.sink.OnMalformed(events.MalformedEvent{
			DeviceID: i.deviceID,
			Reason:   ReasonShortHeader,
			Length:   len(raw),
			Err: &MalformedPacketError{
				DeviceID: i.deviceID,
				Length:   len(raw),
				Reason:   ReasonShortHeader,
			},
			At: now,
		})
		return
	}

	seq := binary.LittleEndian.Uint16(raw[:delivery.HeaderSize])
	i.received.Add(1)

	report := i.tracker.Observe(seq)
	i.lastSeq.Store(uint32(seq) | 1<<16)
	if report.Gap() {
		i.droppedTotal.Store(report.DroppedTotal)
		i.sink.OnLoss(events.LossEvent{
			DeviceID:     i.deviceID,
			Previous:     report.Previous,
			Current:      report.Current,
			Dropped:      report.Dropped,
			DroppedTotal: report.DroppedTotal,
			At:           now,
		})
	}

	hz := i.estimator.Record(now)
	i.rateBits.Store(math.Float64bits(hz))
	i.sink.OnRate(events.RateSample{DeviceID: i.deviceID, RateHz: hz, At: now})

	out := i.channel.Enqueue(delivery.NewPacket(seq, raw[delivery.HeaderSize:], now, hz))
	if out.HasEvicted {
		i.backpressured(out.Evicted.Sequence, now)
	}
	if !out.Accepted && !out.Closed {
		i.backpressured(seq, now)
	}
}

// backpressured reports one packet the channel refused or evicted.
func (i *Ingestor) backpressured(seq uint16, now time.Time) {
	i.sink.OnBackpressure(events.BackpressureEvent{
		DeviceID:   i.deviceID,
		Sequence:   seq,
		DropsTotal: i.backpressure.Add(1),
		At:         now,
	})
}

// Stats is safe to call from any goroutine.
func (i *Ingestor) Stats() IngestorStats {
	last := i.lastSeq.Load()
	return IngestorStats{
		Received:          i.received.Load(),
		Malformed:         i.malformed.Load(),
		DroppedTotal:      i.droppedTotal.Load(),
		BackpressureDrops: i.backpressure.Load(),
		RateHz:            math.Float64frombits(i.rateBits.Load()),
		LastSequence:      uint16(last),
		HasSequence:       last&(1<<16) != 0,
	}
}
