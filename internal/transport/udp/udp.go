// Package udp carries notifications as datagrams. One listening socket serves
// every device; datagrams are routed to connections by source address.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/transport"
)

const maxDatagram = 1500

// Transport is a UDP listener that demultiplexes peers into connections.
type Transport struct {
	cfg         config.UDPConfig
	notifyChar  string
	commandChar string
	logger      logger.Logger

	startOnce sync.Once
	startErr  error
	conn      *net.UDPConn

	mu    sync.RWMutex
	peers map[string]*Conn

	unknownPeers atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Configurable for testing
	sweepInterval time.Duration
}

func New(cfg config.TransportConfig, log logger.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	sweep := cfg.UDP.PeerIdleTimeout / 4
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}

	return &Transport{
		cfg:           cfg.UDP,
		notifyChar:    cfg.NotifyCharacteristic,
		commandChar:   cfg.CommandCharacteristic,
		logger:        logger.WithComponent(log, "udp_transport"),
		peers:         make(map[string]*Conn),
		ctx:           ctx,
		cancel:        cancel,
		sweepInterval: sweep,
	}
}

func (t *Transport) Name() string {
	return "udp"
}

// Start binds the socket. Connect calls it on first use.
func (t *Transport) Start() error {
	t.startOnce.Do(func() {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", t.cfg.ListenAddr, t.cfg.Port))
		if err != nil {
			t.startErr = fmt.Errorf("failed to resolve listen address: %w", err)
			return
		}

		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			t.startErr = fmt.Errorf("failed to listen: %w", err)
			return
		}

		if t.cfg.BufferSize > 0 {
			if err := conn.SetReadBuffer(t.cfg.BufferSize); err != nil {
				t.logger.WithError(err).Warn("Failed to set UDP read buffer size")
			}
		}
		t.conn = conn

		t.logger.WithField("address", conn.LocalAddr().String()).Info("UDP transport listening")

		t.wg.Add(2)
		go t.readLoop()
		go t.sweepIdle()
	})
	return t.startErr
}

// Addr returns the bound address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// UnknownPeers counts datagrams from addresses with no connection.
func (t *Transport) UnknownPeers() uint64 {
	return t.unknownPeers.Load()
}

// Connect registers deviceID (a host:port) as a peer. The idle clock starts
// now, so a peer that never sends is reported lost after the idle timeout.
func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.Start(); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", deviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", deviceID, err)
	}
	key := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	if existing, ok := t.peers[key]; ok && !existing.link.Closed() {
		return nil, fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, deviceID)
	}

	c := &Conn{
		owner:    t,
		key:      key,
		addr:     addr,
		link:     transport.NewLink(),
		handlers: transport.NewHandlers(t.notifyChar),
	}
	c.touch(time.Now())
	t.peers[key] = c

	t.logger.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"peer":      key,
	}).Info("UDP peer connected")

	return c, nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			if t.ctx.Err() != nil {
				return
			}
		}

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.WithError(err).Error("Failed to read datagram")
			continue
		}

		t.mu.RLock()
		peer, ok := t.peers[addr.String()]
		t.mu.RUnlock()

		if !ok {
			if t.unknownPeers.Add(1) == 1 {
				t.logger.WithField("peer", addr.String()).Debug("Datagram from unknown peer ignored")
			}
			continue
		}

		peer.deliver(buf[:n])
	}
}

func (t *Transport) sweepIdle() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			var idle []*Conn
			t.mu.Lock()
			for key, peer := range t.peers {
				if now.Sub(peer.lastSeen()) > t.cfg.PeerIdleTimeout {
					idle = append(idle, peer)
					delete(t.peers, key)
				}
			}
			t.mu.Unlock()

			for _, peer := range idle {
				t.logger.WithField("peer", peer.key).Warn("UDP peer idle, connection lost")
				peer.link.Fail(fmt.Errorf("no datagram for %s", t.cfg.PeerIdleTimeout))
			}
		}
	}
}

func (t *Transport) remove(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[c.key] == c {
		delete(t.peers, c.key)
	}
}

// Close stops the listener and fails every open connection.
func (t *Transport) Close() error {
	t.cancel()

	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*Conn)
	t.mu.Unlock()

	for _, peer := range peers {
		peer.link.Fail(errors.New("transport closed"))
	}

	return err
}

// Conn is one UDP peer.
type Conn struct {
	owner    *Transport
	key      string
	addr     *net.UDPAddr
	link     *transport.Link
	handlers *transport.Handlers
	seen     atomic.Int64
}

func (c *Conn) touch(now time.Time) {
	c.seen.Store(now.UnixNano())
}

func (c *Conn) lastSeen() time.Time {
	return time.Unix(0, c.seen.Load())
}

func (c *Conn) deliver(raw []byte) {
	if c.link.Closed() {
		return
	}
	c.touch(time.Now())
	c.handlers.Dispatch(c.owner.notifyChar, raw)
}

func (c *Conn) Subscribe(characteristic string, handler transport.NotificationHandler) error {
	if c.link.Closed() {
		return transport.ErrClosed
	}
	return c.handlers.Set(characteristic, handler)
}

// Write sends data to the peer as a single datagram.
func (c *Conn) Write(ctx context.Context, characteristic string, data []byte) error {
	if characteristic != c.owner.commandChar {
		return fmt.Errorf("%w: %q", transport.ErrUnknownCharacteristic, characteristic)
	}
	if c.link.Closed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.owner.conn.WriteToUDP(data, c.addr); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.key, err)
	}
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.link.Done() }
func (c *Conn) Err() error            { return c.link.Err() }

func (c *Conn) Close() error {
	if c.link.Shutdown() {
		c.owner.remove(c)
	}
	return nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}
