package events

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zsiec/sensorlink/internal/metrics"
)

// DefaultAsyncBuffer is used when NewAsync is given a non-positive size.
const DefaultAsyncBuffer = 4096

type forgetEvent string

// Async decouples callers from a slow sink. Events go onto a bounded queue
// drained by one goroutine; when the queue is full the event is discarded and
// counted instead of waiting. The inner sink sees events in call order.
type Async struct {
	inner  Sink
	events chan any

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	inflight  atomic.Int64

	dropped atomic.Uint64
}

// NewAsync starts the drain goroutine. Call Close to stop it.
func NewAsync(inner Sink, size int) *Async {
	if inner == nil {
		inner = Discard
	}
	if size <= 0 {
		size = DefaultAsyncBuffer
	}
	a := &Async{
		inner:  inner,
		events: make(chan any, size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case e := <-a.events:
			a.deliver(e)
		case <-a.quit:
			for a.inflight.Load() > 0 {
				runtime.Gosched()
			}
			for {
				select {
				case e := <-a.events:
					a.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(e any) {
	switch e := e.(type) {
	case LossEvent:
		a.inner.OnLoss(e)
	case RateSample:
		a.inner.OnRate(e)
	case MalformedEvent:
		a.inner.OnMalformed(e)
	case BackpressureEvent:
		a.inner.OnBackpressure(e)
	case OrientationSample:
		a.inner.OnOrientation(e)
	case forgetEvent:
		if f, ok := a.inner.(forgetter); ok {
			f.Forget(string(e))
		}
	}
}

func (a *Async) push(e any) {
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	if a.closed.Load() {
		a.overflow()
		return
	}
	select {
	case a.events <- e:
	default:
		a.overflow()
	}
}

func (a *Async) overflow() {
	a.dropped.Add(1)
	metrics.RecordEventDropped()
}

func (a *Async) OnLoss(e LossEvent)                 { a.push(e) }
func (a *Async) OnRate(e RateSample)                { a.push(e) }
func (a *Async) OnMalformed(e MalformedEvent)       { a.push(e) }
func (a *Async) OnBackpressure(e BackpressureEvent) { a.push(e) }
func (a *Async) OnOrientation(e OrientationSample)  { a.push(e) }

// Forget is queued behind the device's pending events so the inner sink does
// not rebuild state for it afterwards. Unlike events it waits for room, since
// it is called from the supervisor rather than the transport goroutine.
func (a *Async) Forget(device string) {
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	if a.closed.Load() {
		return
	}
	select {
	case a.events <- forgetEvent(device):
	case <-a.quit:
	}
}

// Dropped returns how many events were discarded because the queue was full
// or the sink was closed.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close delivers what is queued and stops the drain goroutine. Later events
// are counted as dropped. Close is idempotent.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.quit)
	})
	<-a.done
}
