package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrChannelClosed is returned by Dequeue once the channel is closed and
	// drained.
	ErrChannelClosed = errors.New("delivery channel closed")

	// ErrChannelFull marks a packet refused because the channel was at
	// capacity.
	ErrChannelFull = errors.New("delivery channel full")
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// OverflowPolicy decides what happens when a packet arrives at a full channel.
type OverflowPolicy string

const (
	// OverflowReject refuses the incoming packet.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the head of the queue to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates a configured policy name. An empty name
// selects OverflowReject.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch OverflowPolicy(name) {
	case "", OverflowReject:
		return OverflowReject, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Capacity int            `json:"capacity"`
	Depth    int            `json:"depth"`
	Policy   OverflowPolicy `json:"policy"`
	Enqueued uint64         `json:"enqueued"`
	Dequeued uint64         `json:"dequeued"`
	Dropped  uint64         `json:"dropped"`
	Closed   bool           `json:"closed"`
}

// Outcome describes what one Enqueue did.
type Outcome struct {
	// Accepted is true when the packet is now queued.
	Accepted bool
	// Closed is true when the packet was refused because of Close.
	Closed bool
	// Evicted holds the head removed to make room under drop_oldest.
	Evicted    Packet
	HasEvicted bool
}

// Channel is a bounded FIFO hand-off between one producer that must never
// block and one consumer that may wait. The producer path takes no locks.
type Channel struct {
	name   string
	items  chan Packet
	policy OverflowPolicy
	depth  prometheus.Gauge

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	// producers between their closed check and their send
	inflight atomic.Int64

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// NewChannel creates a channel holding at most capacity packets. name labels
// the depth metric.
func NewChannel(name string, capacity int, policy OverflowPolicy) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = OverflowReject
	}
	return &Channel{
		name:   name,
		items:  make(chan Packet, capacity),
		policy: policy,
		depth:  queueDepth.WithLabelValues(name),
		done:   make(chan struct{}),
	}
}

// TryEnqueue hands p to the consumer without blocking. It returns false when
// the channel is closed, or when it is full and the policy is reject. Under
// drop_oldest the evicted head is counted as dropped and p is accepted.
func (c *Channel) TryEnqueue(p Packet) bool {
	return c.Enqueue(p).Accepted
}

// Enqueue is TryEnqueue reporting which packets were lost, so callers can
// attribute an eviction to the packet that was actually discarded.
func (c *Channel) Enqueue(p Packet) Outcome {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	if c.closed.Load() {
		return Outcome{Closed: true}
	}

	select {
	case c.items <- p:
		c.accepted()
		return Outcome{Accepted: true}
	default:
	}

	if c.policy != OverflowDropOldest {
		c.dropped.Add(1)
		return Outcome{}
	}

	var out Outcome
	// Evict the head. The consumer may have taken it concurrently, in
	// which case there is room already.
	select {
	case old := <-c.items:
		c.dropped.Add(1)
		out.Evicted, out.HasEvicted = old, true
	default:
	}

	select {
	case c.items <- p:
		c.accepted()
		out.Accepted = true
	default:
		c.dropped.Add(1)
	}
	return out
}

func (c *Channel) accepted() {
	c.enqueued.Add(1)
	c.depth.Set(float64(len(c.items)))
}

// Dequeue blocks until a packet is available, the channel is closed and
// drained (ErrChannelClosed), or ctx is done.
func (c *Channel) Dequeue(ctx context.Context) (Packet, error) {
	select {
	case p := <-c.items:
		return c.took(p), nil
	default:
	}

	select {
	case p := <-c.items:
		return c.took(p), nil
	case <-c.done:
		// A producer that passed its closed check before Close may still
		// be sending.
		for c.inflight.Load() > 0 {
			runtime.Gosched()
		}
		select {
		case p := <-c.items:
			return c.took(p), nil
		default:
			return Packet{}, ErrChannelClosed
		}
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (c *Channel) took(p Packet) Packet {
	c.dequeued.Add(1)
	c.depth.Set(float64(len(c.items)))
	return p
}

// Close signals that no more packets will be enqueued. Packets already queued
// remain available to Dequeue. Close is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Done is closed when Close is called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Len returns the number of queued packets.
func (c *Channel) Len() int {
	return len(c.items)
}

// Cap returns the channel capacity.
func (c *Channel) Cap() int {
	return cap(c.items)
}

// Dropped returns how many packets were lost to overflow.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Capacity: cap(c.items),
		Depth:    len(c.items),
		Policy:   c.policy,
		Enqueued: c.enqueued.Load(),
		Dequeued: c.dequeued.Load(),
		Dropped:  c.dropped.Load(),
		Closed:   c.closed.Load(),
	}
}
