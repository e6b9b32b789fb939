// Package sim emulates a notifying IMU peripheral over UDP. Each datagram is a
// 2-byte little-endian sequence number followed by a float32 sample payload.
package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/sensorlink/internal/ingestion/imu"
	"github.com/zsiec/sensorlink/internal/logger"
)

const gravity = 9.80665

// Options configures a simulated device.
type Options struct {
	RateHz        float64
	DropRate      float64 // probability a packet is skipped, leaving a sequence gap
	DuplicateRate float64 // probability a packet is sent twice
	StartSequence uint16
	YawRate       float64 // rad/s about z
	Magic         []byte
	Count         int    // packets to generate, 0 for unbounded
	WaitFor       []byte // command that must arrive before streaming, nil to start at once
	Seed          int64
}

// Stats counts what a simulator produced.
type Stats struct {
	Sent       uint64
	Dropped    uint64
	Duplicated uint64
	Commands   uint64
}

// Generator produces datagrams with optional drop and duplicate injection.
type Generator struct {
	opts Options
	rng  *rand.Rand
	seq  uint16
	n    int

	sent       atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64
}

func NewGenerator(opts Options) *Generator {
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
		seq:  opts.StartSequence,
	}
}

// Next returns the datagrams for the next sequence number: none when the
// packet is dropped, two when it is duplicated. ok is false once Count
// packets have been generated.
func (g *Generator) Next() (datagrams [][]byte, ok bool) {
	if g.opts.Count > 0 && g.n >= g.opts.Count {
		return nil, false
	}
	seq := g.seq
	g.seq++
	g.n++

	if g.opts.DropRate > 0 && g.rng.Float64() < g.opts.DropRate {
		g.dropped.Add(1)
		return nil, true
	}

	pkt := Packet(seq, g.opts.Magic, g.sample(seq))
	datagrams = [][]byte{pkt}
	if g.opts.DuplicateRate > 0 && g.rng.Float64() < g.opts.DuplicateRate {
		g.duplicated.Add(1)
		datagrams = append(datagrams, pkt)
	}
	g.sent.Add(uint64(len(datagrams)))
	return datagrams, true
}

// sample is a device rotating about z at YawRate with gravity on z.
func (g *Generator) sample(seq uint16) imu.Sample {
	phase := float64(seq) / math.Max(g.opts.RateHz, 1)
	return imu.Sample{
		Gyro:  [3]float64{0.01 * math.Sin(phase), 0, g.opts.YawRate},
		Accel: [3]float64{0, 0, gravity},
	}
}

// Stats returns counters so far.
func (g *Generator) Stats() Stats {
	return Stats{
		Sent:       g.sent.Load(),
		Dropped:    g.dropped.Load(),
		Duplicated: g.duplicated.Load(),
	}
}

// Packet lays out one notification.
func Packet(seq uint16, magic []byte, s imu.Sample) []byte {
	payload := imu.EncodeFloat32(magic, s)
	out := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(out, seq)
	copy(out[2:], payload)
	return out
}

// Device streams generated packets from conn to target.
type Device struct {
	conn     *net.UDPConn
	target   *net.UDPAddr
	gen      *Generator
	limiter  *rate.Limiter
	waitFor  []byte
	logger   logger.Logger
	commands atomic.Uint64
	started  chan struct{}
}

// NewDevice wraps a bound socket. The socket's local address is the device
// ID the service should be configured with.
func NewDevice(conn *net.UDPConn, target *net.UDPAddr, opts Options, log logger.Logger) (*Device, error) {
	if opts.RateHz <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", opts.RateHz)
	}
	if opts.DropRate < 0 || opts.DropRate >= 1 || opts.DuplicateRate < 0 || opts.DuplicateRate >= 1 {
		return nil, fmt.Errorf("drop and duplicate rates must be in [0, 1)")
	}
	if log == nil {
		log = logger.NewNop()
	}

	d := &Device{
		conn:    conn,
		target:  target,
		gen:     NewGenerator(opts),
		limiter: rate.NewLimiter(rate.Limit(opts.RateHz), 1),
		waitFor: opts.WaitFor,
		logger:  log.WithField("component", "sim"),
		started: make(chan struct{}),
	}
	if len(d.waitFor) == 0 {
		close(d.started)
	}
	return d, nil
}

// Run sends until ctx is done or the generator is exhausted. Commands
// received from the service are logged, and a WaitFor command releases the
// stream.
func (d *Device) Run(ctx context.Context) error {
	go d.readCommands(ctx)

	select {
	case <-d.started:
	case <-ctx.Done():
		return nil
	}
	d.logger.WithField("target", d.target.String()).Info("Streaming")

	for {
		datagrams, ok := d.gen.Next()
		if !ok {
			return nil
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}
		for _, dg := range datagrams {
			if _, err := d.conn.WriteToUDP(dg, d.target); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to send datagram: %w", err)
			}
		}
	}
}

func (d *Device) readCommands(ctx context.Context) {
	buf := make([]byte, 512)
	var once bool
	for {
		if ctx.Err() != nil {
			return
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		d.commands.Add(1)
		cmd := buf[:n]
		d.logger.WithFields(map[string]interface{}{
			"from":    addr.String(),
			"command": fmt.Sprintf("%q", cmd),
		}).Info("Command received")

		if !once && len(d.waitFor) > 0 && bytes.Equal(cmd, d.waitFor) {
			once = true
			close(d.started)
		}
	}
}

// Stats returns generator and command counters.
func (d *Device) Stats() Stats {
	s := d.gen.Stats()
	s.Commands = d.commands.Load()
	return s
}
