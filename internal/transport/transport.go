// Package transport abstracts the link to a notifying peripheral. A
// Connection delivers raw notification buffers to a subscribed handler and
// accepts command writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConnectionLost is wrapped by Connection.Err when the link drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnknownCharacteristic is returned for characteristics the link does
	// not expose.
	ErrUnknownCharacteristic = errors.New("unknown characteristic")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrAlreadyConnected is returned when a device already has a live
	// connection on the transport.
	ErrAlreadyConnected = errors.New("device already connected")
)

// NotificationHandler receives one notification. It is called sequentially
// from the transport's goroutine, and raw is only valid for the duration of
// the call.
type NotificationHandler func(raw []byte)

// Transport opens connections to devices.
type Transport interface {
	Connect(ctx context.Context, deviceID string) (Connection, error)
	Name() string
}

// Connection is one live link to a device.
type Connection interface {
	Subscribe(characteristic string, handler NotificationHandler) error
	Write(ctx context.Context, characteristic string, data []byte) error
	// Done is closed when the link is lost or closed.
	Done() <-chan struct{}
	// Err wraps ErrConnectionLost after a loss and is nil after a local Close.
	Err() error
	Close() error
}

// Link tracks the lifecycle shared by connection implementations.
type Link struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func NewLink() *Link {
	return &Link{done: make(chan struct{})}
}

func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Fail ends the link as lost. Only the first call to Fail or Shutdown wins.
func (l *Link) Fail(cause error) bool {
	won := false
	l.once.Do(func() {
		l.mu.Lock()
		if cause == nil {
			l.err = ErrConnectionLost
		} else if errors.Is(cause, ErrConnectionLost) {
			l.err = cause
		} else {
			l.err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		}
		l.mu.Unlock()
		close(l.done)
		won = true
	})
	return won
}

// Shutdown ends the link after a local Close.
func (l *Link) Shutdown() bool {
	won := false
	l.once.Do(func() {
		close(l.done)
		won = true
	})
	return won
}

// Closed reports whether the link has ended.
func (l *Link) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Handlers holds per-characteristic subscriptions for a connection.
type Handlers struct {
	mu       sync.RWMutex
	allowed  map[string]bool
	handlers map[string]NotificationHandler
}

// NewHandlers accepts subscriptions only for the named characteristics.
func NewHandlers(characteristics ...string) *Handlers {
	allowed := make(map[string]bool, len(characteristics))
	for _, c := range characteristics {
		allowed[c] = true
	}
	return &Handlers{allowed: allowed, handlers: make(map[string]NotificationHandler)}
}

// Set installs handler, replacing any previous one.
func (h *Handlers) Set(characteristic string, handler NotificationHandler) error {
	if !h.allowed[characteristic] {
		return fmt.Errorf("%w: %q", ErrUnknownCharacteristic, characteristic)
	}
	h.mu.Lock()
	h.handlers[characteristic] = handler
	h.mu.Unlock()
	return nil
}

// Dispatch calls the handler for characteristic, if any. It reports whether a
// handler ran.
func (h *Handlers) Dispatch(characteristic string, raw []byte) bool {
	h.mu.RLock()
	handler := h.handlers[characteristic]
	h.mu.RUnlock()

	if handler == nil {
		return false
	}
	handler(raw)
	return true
}
