// Package mock is an in-memory transport driven directly by tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zsiec/sensorlink/internal/transport"
)

// Write is one recorded command write.
type Write struct {
	Characteristic string
	Data           []byte
}

// Transport hands out mock connections and remembers them by device ID.
type Transport struct {
	notifyChar  string
	commandChar string

	mu         sync.Mutex
	conns      map[string]*Conn
	connects   map[string]int
	connectErr error
	ready      chan string
}

func New(notifyChar, commandChar string) *Transport {
	return &Transport{
		notifyChar:  notifyChar,
		commandChar: commandChar,
		conns:       make(map[string]*Conn),
		connects:    make(map[string]int),
		ready:       make(chan string, 64),
	}
}

func (t *Transport) Name() string {
	return "mock"
}

// FailConnects makes subsequent Connect calls return err until cleared with nil.
func (t *Transport) FailConnects(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects[deviceID]++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	if c, ok := t.conns[deviceID]; ok && !c.link.Closed() {
		return nil, fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, deviceID)
	}

	c := &Conn{
		deviceID:    deviceID,
		commandChar: t.commandChar,
		link:        transport.NewLink(),
		handlers:    transport.NewHandlers(t.notifyChar),
		notifyChar:  t.notifyChar,
	}
	t.conns[deviceID] = c

	select {
	case t.ready <- deviceID:
	default:
	}
	return c, nil
}

// Conn returns the latest connection for deviceID.
func (t *Transport) Conn(deviceID string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[deviceID]
	return c, ok
}

// Connects returns how many times Connect was called for deviceID.
func (t *Transport) Connects(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[deviceID]
}

// Connected delivers device IDs as connections are made.
func (t *Transport) Connected() <-chan string {
	return t.ready
}

// Conn is a mock connection. Emit plays the role of the radio stack.
type Conn struct {
	deviceID    string
	notifyChar  string
	commandChar string
	link        *transport.Link
	handlers    *transport.Handlers

	mu     sync.Mutex
	writes []Write
	emitMu sync.Mutex
}

func (c *Conn) Subscribe(characteristic string, handler transport.NotificationHandler) error {
	if c.link.Closed() {
		return transport.ErrClosed
	}
	return c.handlers.Set(characteristic, handler)
}

// Emit delivers raw as one notification. It reports whether a handler ran.
// Calls are serialised like a real transport goroutine.
func (c *Conn) Emit(raw []byte) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.link.Closed() {
		return false
	}
	return c.handlers.Dispatch(c.notifyChar, raw)
}

// Lose ends the connection as if the link dropped.
func (c *Conn) Lose(cause error) {
	c.link.Fail(cause)
}

func (c *Conn) Write(ctx context.Context, characteristic string, data []byte) error {
	if characteristic != c.commandChar {
		return fmt.Errorf("%w: %q", transport.ErrUnknownCharacteristic, characteristic)
	}
	if c.link.Closed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, Write{Characteristic: characteristic, Data: append([]byte(nil), data...)})
	return nil
}

// Writes returns the commands written so far.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

func (c *Conn) Done() <-chan struct{} { return c.link.Done() }
func (c *Conn) Err() error            { return c.link.Err() }

func (c *Conn) Close() error {
	c.link.Shutdown()
	return nil
}

// DeviceID returns the ID the connection was opened for.
func (c *Conn) DeviceID() string {
	return c.deviceID
}
