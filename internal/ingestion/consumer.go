package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/sensorlink/internal/ingestion/delivery"
	"github.com/zsiec/sensorlink/internal/ingestion/events"
	"github.com/zsiec/sensorlink/internal/ingestion/fusion"
	"github.com/zsiec/sensorlink/internal/ingestion/imu"
	"github.com/zsiec/sensorlink/internal/logger"
)

const defaultSampleInterval = 10 * time.Millisecond

// Orientation is the latest filter output published by a consumer.
type Orientation struct {
	Sequence  uint16            `json:"sequence"`
	Value     fusion.Quaternion `json:"quaternion"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ConsumerStats is a point-in-time copy of the consumer counters.
type ConsumerStats struct {
	Processed     uint64 `json:"processed"`
	ParseFailures uint64 `json:"parse_failures"`
}

// Consumer drains the delivery channel, decodes each payload and feeds the
// fusion filter. It owns the filter; only the published orientation is shared.
type Consumer struct {
	deviceID string
	channel  *delivery.Channel
	parser   imu.Parser
	filter   fusion.Filter
	sink     events.Sink
	nominal  time.Duration
	logger   logger.Logger

	lastArrival time.Time

	processed     atomic.Uint64
	parseFailures atomic.Uint64

	mu     sync.RWMutex
	latest Orientation
	has    bool
}

// NewConsumer creates a consumer. nominal is the dt used for the first sample
// and whenever arrival times do not advance; zero selects 10ms.
func NewConsumer(deviceID string, ch *delivery.Channel, parser imu.Parser, filter fusion.Filter, nominal time.Duration, sink events.Sink, log logger.Logger) *Consumer {
	if nominal <= 0 {
		nominal = defaultSampleInterval
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{
		deviceID: deviceID,
		channel:  ch,
		parser:   parser,
		filter:   filter,
		sink:     sink,
		nominal:  nominal,
		logger:   log,
	}
}

// Run processes packets until the channel is closed and drained, returning
// nil, or until ctx is done, returning ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	for {
		pkt, err := c.channel.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, delivery.ErrChannelClosed) {
				return nil
			}
			return err
		}
		c.process(pkt)
	}
}

func (c *Consumer) process(pkt delivery.Packet) {
	sample, err := c.parser.Parse(pkt.Payload)
	if err != nil {
		c.parseFailures.Add(1)
		c.logger.WithError(err).WithField("sequence", pkt.Sequence).Debug("Dropping undecodable payload")
		c.sink.OnMalformed(events.MalformedEvent{
			DeviceID: c.deviceID,
			Reason:   ReasonPayloadParse,
			Length:   len(pkt.Payload) + delivery.HeaderSize,
			Err: &MalformedPacketError{
				DeviceID: c.deviceID,
				Length:   len(pkt.Payload) + delivery.HeaderSize,
				Reason:   ReasonPayloadParse,
				Err:      err,
			},
			At: pkt.ArrivalTime,
		})
		return
	}

	dt := c.nominal
	if !c.lastArrival.IsZero() {
		if elapsed := pkt.ArrivalTime.Sub(c.lastArrival); elapsed > 0 {
			dt = elapsed
		}
	}
	c.lastArrival = pkt.ArrivalTime

	c.filter.Update(sample, dt)
	q := c.filter.Orientation()
	c.processed.Add(1)

	c.mu.Lock()
	c.latest = Orientation{Sequence: pkt.Sequence, Value: q, UpdatedAt: pkt.ArrivalTime}
	c.has = true
	c.mu.Unlock()

	c.sink.OnOrientation(events.OrientationSample{
		DeviceID:    c.deviceID,
		Sequence:    pkt.Sequence,
		Orientation: q,
		At:          pkt.ArrivalTime,
	})
}

// Orientation returns the latest estimate and whether any sample has been
// fused yet.
func (c *Consumer) Orientation() (Orientation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.has
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:     c.processed.Load(),
		ParseFailures: c.parseFailures.Load(),
	}
}
