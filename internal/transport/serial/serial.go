// Package serial carries notifications over a serial line as COBS frames
// delimited by 0x00.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	bugserial "go.bug.st/serial"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/transport"
)

// Port is the subset of a serial port the transport needs.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path.
type Opener func(path string, mode *bugserial.Mode) (Port, error)

// OpenPort opens a real serial device.
func OpenPort(path string, mode *bugserial.Mode) (Port, error) {
	port, err := bugserial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	return bugserial.GetPortsList()
}

// Mode converts the configured line settings.
func Mode(cfg config.SerialConfig) (*bugserial.Mode, error) {
	mode := &bugserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = bugserial.OneStopBit
	case 2:
		mode.StopBits = bugserial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", cfg.StopBits)
	}

	switch cfg.Parity {
	case "", "N":
		mode.Parity = bugserial.NoParity
	case "E":
		mode.Parity = bugserial.EvenParity
	case "O":
		mode.Parity = bugserial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", cfg.Parity)
	}

	return mode, nil
}

// Transport opens one serial port per device; the device ID is the port path.
type Transport struct {
	cfg         config.SerialConfig
	notifyChar  string
	commandChar string
	open        Opener
	logger      logger.Logger
}

func New(cfg config.TransportConfig, log logger.Logger) *Transport {
	return NewWithOpener(cfg, OpenPort, log)
}

// NewWithOpener lets tests substitute the port.
func NewWithOpener(cfg config.TransportConfig, open Opener, log logger.Logger) *Transport {
	return &Transport{
		cfg:         cfg.Serial,
		notifyChar:  cfg.NotifyCharacteristic,
		commandChar: cfg.CommandCharacteristic,
		open:        open,
		logger:      logger.WithComponent(log, "serial_transport"),
	}
}

func (t *Transport) Name() string {
	return "serial"
}

func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode, err := Mode(t.cfg)
	if err != nil {
		return nil, err
	}

	port, err := t.open(deviceID, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", deviceID, err)
	}

	c := &Conn{
		path:        deviceID,
		port:        port,
		maxFrame:    t.cfg.MaxFrame,
		notifyChar:  t.notifyChar,
		commandChar: t.commandChar,
		link:        transport.NewLink(),
		handlers:    transport.NewHandlers(t.notifyChar),
		logger:      t.logger.WithField("port", deviceID),
		readDone:    make(chan struct{}),
	}
	go c.readLoop()

	c.logger.WithField("baud_rate", mode.BaudRate).Info("Serial port opened")
	return c, nil
}

// Conn is one open serial port.
type Conn struct {
	path        string
	port        Port
	maxFrame    int
	notifyChar  string
	commandChar string
	link        *transport.Link
	handlers    *transport.Handlers
	logger      logger.Logger

	writeMu  sync.Mutex
	readDone chan struct{}

	corrupt atomic.Uint64
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	maxFrame := c.maxFrame
	if maxFrame <= 0 {
		maxFrame = 512
	}

	scanner := bufio.NewScanner(c.port)
	// COBS adds one byte per 254 plus the code byte.
	scanner.Buffer(make([]byte, 0, maxFrame+maxFrame/254+2), maxFrame+maxFrame/254+2)
	scanner.Split(splitFrames)

	for scanner.Scan() {
		frame, err := DecodeCOBS(scanner.Bytes())
		if err != nil {
			c.corrupt.Add(1)
			c.logger.WithError(err).Debug("Dropping corrupt frame")
			continue
		}
		if c.link.Closed() {
			return
		}
		c.handlers.Dispatch(c.notifyChar, frame)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, bufio.ErrTooLong) {
		err = fmt.Errorf("frame exceeds %d bytes: %w", maxFrame, err)
	}

	if c.link.Fail(fmt.Errorf("read %s: %w", c.path, err)) {
		c.logger.WithError(err).Warn("Serial link lost")
		_ = c.port.Close()
	}
}

// CorruptFrames counts frames that failed COBS decoding.
func (c *Conn) CorruptFrames() uint64 {
	return c.corrupt.Load()
}

func (c *Conn) Subscribe(characteristic string, handler transport.NotificationHandler) error {
	if c.link.Closed() {
		return transport.ErrClosed
	}
	return c.handlers.Set(characteristic, handler)
}

// Write sends data as one COBS frame.
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

	frame := append(EncodeCOBS(data), Delimiter)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.path, err)
	}
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.link.Done() }
func (c *Conn) Err() error            { return c.link.Err() }

// Close releases the port and waits for the reader to exit.
func (c *Conn) Close() error {
	var err error
	if c.link.Shutdown() {
		err = c.port.Close()
	}
	<-c.readDone
	return err
}
