package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/ingestion/delivery"
	"github.com/zsiec/sensorlink/internal/ingestion/events"
	"github.com/zsiec/sensorlink/internal/ingestion/fusion"
	"github.com/zsiec/sensorlink/internal/ingestion/imu"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/transport"
)

// SessionOptions carries what a Session needs besides its connection.
type SessionOptions struct {
	DeviceID  string
	Transport string
	Link      config.TransportConfig
	Pipeline  config.PipelineConfig
	Parser    imu.Parser
	NewFilter fusion.Factory
	Sink      events.Sink
	Logger    logger.Logger
}

// SessionStats combines ingestor, channel and consumer counters.
type SessionStats struct {
	SessionID string        `json:"session_id"`
	DeviceID  string        `json:"device_id"`
	Transport string        `json:"transport"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime_ns"`

	Received          uint64  `json:"received"`
	Malformed         uint64  `json:"malformed"`
	DroppedTotal      uint64  `json:"dropped_total"`
	BackpressureDrops uint64  `json:"backpressure_drops"`
	RateHz            float64 `json:"rate_hz"`
	LastSequence      uint16  `json:"last_sequence"`
	Processed         uint64  `json:"processed"`
	ParseFailures     uint64  `json:"parse_failures"`

	Queue       delivery.Stats `json:"queue"`
	Orientation *Orientation   `json:"orientation,omitempty"`
}

// Session is the pipeline for one connection: ingestor, delivery channel and
// consumer. Sequence and rate state start fresh with every session.
type Session struct {
	id        string
	opts      SessionOptions
	conn      transport.Connection
	channel   *delivery.Channel
	ingestor  *Ingestor
	consumer  *Consumer
	startedAt time.Time
	logger    logger.Logger
}

// NewSession builds the pipeline for conn. It does not subscribe until Run.
func NewSession(conn transport.Connection, opts SessionOptions) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("session for %s: nil connection", opts.DeviceID)
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("session for %s: no payload parser", opts.DeviceID)
	}
	if opts.NewFilter == nil {
		opts.NewFilter = fusion.NewMadgwickFactory(fusion.DefaultBeta)
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	policy, err := delivery.ParseOverflowPolicy(opts.Pipeline.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("session for %s: %w", opts.DeviceID, err)
	}

	id := uuid.NewString()
	log := logger.WithDevice(opts.Logger, opts.DeviceID, id)

	ch := delivery.NewChannel(opts.DeviceID, opts.Pipeline.ChannelCapacity, policy)
	s := &Session{
		id:        id,
		opts:      opts,
		conn:      conn,
		channel:   ch,
		ingestor:  NewIngestor(opts.DeviceID, ch, opts.Pipeline.RateWindow, opts.Sink),
		consumer:  NewConsumer(opts.DeviceID, ch, opts.Parser, opts.NewFilter(), opts.Pipeline.NominalInterval(), opts.Sink, log),
		startedAt: time.Now(),
		logger:    log,
	}
	return s, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) DeviceID() string     { return s.opts.DeviceID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Run streams until the connection ends or ctx is cancelled. The channel is
// always drained before the connection is closed. It returns the connection
// error (wrapping transport.ErrConnectionLost) or nil on cancellation or a
// local close.
func (s *Session) Run(ctx context.Context) error {
	if err := s.conn.Subscribe(s.opts.Link.NotifyCharacteristic, s.ingestor.OnNotification); err != nil {
		s.channel.Close()
		_ = s.conn.Close()
		delivery.DeleteMetrics(s.opts.DeviceID)
		return fmt.Errorf("subscribe %s: %w", s.opts.Link.NotifyCharacteristic, err)
	}

	// The consumer must outlive ctx so it can drain what is already queued.
	consumerCtx, cancelConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConsumer()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- s.consumer.Run(consumerCtx)
	}()

	if cmd := s.opts.Link.StartCommand; cmd != "" {
		if err := s.Write(ctx, []byte(cmd)); err != nil {
			s.logger.WithError(err).Warn("Failed to send start command")
		}
	}

	s.logger.Info("Session started")

	var runErr error
	select {
	case <-s.conn.Done():
		runErr = s.conn.Err()
	case <-ctx.Done():
	}

	s.channel.Close()
	if err := <-consumerDone; err != nil {
		s.logger.WithError(err).Warn("Consumer stopped before draining")
	}

	if err := s.conn.Close(); err != nil {
		s.logger.WithError(err).Debug("Error closing connection")
	}
	delivery.DeleteMetrics(s.opts.DeviceID)

	stats := s.Stats()
	s.logger.WithFields(map[string]interface{}{
		"received":           stats.Received,
		"dropped_total":      stats.DroppedTotal,
		"backpressure_drops": stats.BackpressureDrops,
		"malformed":          stats.Malformed,
		"uptime":             stats.Uptime.String(),
	}).Info("Session ended")

	return runErr
}

// Write sends data to the command characteristic.
func (s *Session) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, s.opts.Link.CommandCharacteristic, data)
}

// Orientation returns the latest fused estimate, if any.
func (s *Session) Orientation() (Orientation, bool) {
	return s.consumer.Orientation()
}

func (s *Session) Stats() SessionStats {
	in := s.ingestor.Stats()
	out := s.consumer.Stats()

	stats := SessionStats{
		SessionID:         s.id,
		DeviceID:          s.opts.DeviceID,
		Transport:         s.opts.Transport,
		StartedAt:         s.startedAt,
		Uptime:            time.Since(s.startedAt),
		Received:          in.Received,
		Malformed:         in.Malformed + out.ParseFailures,
		DroppedTotal:      in.DroppedTotal,
		BackpressureDrops: in.BackpressureDrops,
		RateHz:            in.RateHz,
		LastSequence:      in.LastSequence,
		Processed:         out.Processed,
		ParseFailures:     out.ParseFailures,
		Queue:             s.channel.Stats(),
	}
	if o, ok := s.consumer.Orientation(); ok {
		stats.Orientation = &o
	}
	return stats
}
