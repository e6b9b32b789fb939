package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/ingestion/events"
	"github.com/zsiec/sensorlink/internal/ingestion/fusion"
	"github.com/zsiec/sensorlink/internal/ingestion/imu"
	"github.com/zsiec/sensorlink/internal/ingestion/reconnect"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/metrics"
	"github.com/zsiec/sensorlink/internal/transport"
)

// registryTimeout bounds each registry call made by a supervisor.
const registryTimeout = 2 * time.Second

// DeviceState is the manager's view of one supervised device.
type DeviceState struct {
	ID         string                `json:"id"`
	Transport  string                `json:"transport"`
	Status     registry.DeviceStatus `json:"status"`
	SessionID  string                `json:"session_id,omitempty"`
	Reconnects uint64                `json:"reconnects"`
	LastError  string                `json:"last_error,omitempty"`
	Session    *SessionStats         `json:"session,omitempty"`
}

// supervisor owns the connect/run/retry loop for one device.
type supervisor struct {
	id     string
	logger logger.Logger

	mu         sync.RWMutex
	status     registry.DeviceStatus
	session    *Session
	reconnects uint64
	lastErr    error
}

func (s *supervisor) setStatus(status registry.DeviceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *supervisor) current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Manager supervises one session per configured device, reconnecting on loss
// and mirroring device state into the registry.
type Manager struct {
	config    *config.Config
	transport transport.Transport
	registry  registry.Registry
	parser    imu.Parser
	filters   fusion.Factory
	sink      events.Sink
	logger    logger.Logger

	// newStrategy builds a reconnect strategy per device.
	newStrategy func() reconnect.Strategy

	supervisors   map[string]*supervisor
	supervisorsMu sync.RWMutex
	wg            sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewManager validates the payload layout and prepares supervisors for
// cfg.Devices. Nothing connects until Start.
func NewManager(cfg *config.Config, tr transport.Transport, reg registry.Registry, sink events.Sink, log logger.Logger) (*Manager, error) {
	if tr == nil {
		return nil, fmt.Errorf("ingestion manager requires a transport")
	}
	if reg == nil {
		reg = registry.NewMockRegistry()
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logger.NewNop()
	}

	parser, err := imu.NewParser(imu.Options{
		Layout:     cfg.Pipeline.Payload.Layout,
		Magic:      cfg.Pipeline.Payload.Magic,
		GyroScale:  cfg.Pipeline.Payload.GyroScale,
		AccelScale: cfg.Pipeline.Payload.AccelScale,
	})
	if err != nil {
		return nil, fmt.Errorf("payload parser: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:      cfg,
		transport:   tr,
		registry:    reg,
		parser:      parser,
		filters:     fusion.NewMadgwickFactory(cfg.Fusion.Beta),
		sink:        sink,
		logger:      log.WithField("component", "ingestion_manager"),
		newStrategy: func() reconnect.Strategy { return reconnect.New(cfg.Reconnect) },
		supervisors: make(map[string]*supervisor),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, id := range cfg.Devices {
		m.supervisors[id] = m.newSupervisor(id)
	}
	return m, nil
}

func (m *Manager) newSupervisor(id string) *supervisor {
	return &supervisor{
		id:     id,
		logger: logger.WithDevice(m.logger, id, ""),
		status: registry.StatusConnecting,
	}
}

// Start launches a supervisor goroutine for every configured device.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("ingestion manager already started")
	}
	if m.stopped {
		return ErrManagerStopped
	}

	m.logger.WithFields(map[string]interface{}{
		"transport": m.transport.Name(),
		"devices":   len(m.supervisors),
	}).Info("Starting ingestion manager")

	m.supervisorsMu.RLock()
	for _, sup := range m.supervisors {
		m.wg.Add(1)
		go m.supervise(sup)
	}
	m.supervisorsMu.RUnlock()

	m.started = true
	return nil
}

// AddDevice starts supervising a device that was not in the configuration.
func (m *Manager) AddDevice(id string) error {
	if id == "" {
		return fmt.Errorf("device id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}

	m.supervisorsMu.Lock()
	if _, exists := m.supervisors[id]; exists {
		m.supervisorsMu.Unlock()
		return fmt.Errorf("device %s already supervised", id)
	}
	sup := m.newSupervisor(id)
	m.supervisors[id] = sup
	m.supervisorsMu.Unlock()

	if m.started {
		m.wg.Add(1)
		go m.supervise(sup)
	}
	return nil
}

// Stop cancels every supervisor, waits for their sessions to drain and
// removes the devices from the registry.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("Stopping ingestion manager")
	m.cancel()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	var errs []error
	for _, id := range m.deviceIDs() {
		if err := m.registry.Unregister(ctx, id); err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
			errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
		}
		metrics.DeleteDevice(id)
	}

	m.logger.Info("Ingestion manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) supervise(sup *supervisor) {
	defer m.wg.Done()

	ctx := m.ctx
	strategy := m.newStrategy()
	log := sup.logger

	for {
		sup.setStatus(registry.StatusConnecting)
		m.register(ctx, sup, "", time.Time{})

		conn, err := m.transport.Connect(ctx, sup.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Warn("Connect failed")
			sup.mu.Lock()
			sup.lastErr = err
			sup.mu.Unlock()
			if !m.backoff(ctx, sup, strategy) {
				break
			}
			continue
		}

		session, err := NewSession(conn, SessionOptions{
			DeviceID:  sup.id,
			Transport: m.transport.Name(),
			Link:      m.config.Transport,
			Pipeline:  m.config.Pipeline,
			Parser:    m.parser,
			NewFilter: m.filters,
			Sink:      m.sink,
			Logger:    m.logger,
		})
		if err != nil {
			// Configuration problem; retrying cannot help.
			_ = conn.Close()
			log.WithError(err).Error("Cannot build session")
			sup.mu.Lock()
			sup.lastErr = err
			sup.mu.Unlock()
			break
		}

		runErr := m.runSession(ctx, sup, session)
		if ctx.Err() != nil {
			break
		}
		if runErr == nil {
			log.Info("Connection closed locally")
			break
		}

		log.WithError(runErr).Warn("Connection lost")
		if session.Stats().Received > 0 {
			// The link was healthy; start the backoff over.
			strategy.Reset()
		}
		if !m.backoff(ctx, sup, strategy) {
			break
		}
	}

	sup.setStatus(registry.StatusClosed)
	m.updateStatus(sup, registry.StatusClosed)
}

func (m *Manager) runSession(ctx context.Context, sup *supervisor, session *Session) error {
	sup.mu.Lock()
	sup.session = session
	sup.status = registry.StatusActive
	sup.lastErr = nil
	sup.mu.Unlock()

	m.register(ctx, sup, session.ID(), session.StartedAt())
	metrics.SessionStarted(m.transport.Name())

	pushDone := make(chan struct{})
	pushCtx, stopPush := context.WithCancel(ctx)
	go func() {
		defer close(pushDone)
		m.pushStats(pushCtx, sup, session)
	}()

	err := session.Run(ctx)

	stopPush()
	<-pushDone
	m.updateStats(sup, session)
	metrics.SessionEnded(sup.id, m.transport.Name(), time.Since(session.StartedAt()))

	sup.mu.Lock()
	sup.session = nil
	sup.lastErr = err
	sup.mu.Unlock()

	if f, ok := m.sink.(interface{ Forget(string) }); ok {
		f.Forget(sup.id)
	}
	return err
}

// backoff waits for the strategy's next delay. It returns false when the
// supervisor should give up.
func (m *Manager) backoff(ctx context.Context, sup *supervisor, strategy reconnect.Strategy) bool {
	sup.setStatus(registry.StatusReconnecting)
	m.updateStatus(sup, registry.StatusReconnecting)

	delay, err := reconnect.Wait(ctx, strategy)
	if err != nil {
		if errors.Is(err, reconnect.ErrExhausted) {
			sup.logger.Error("Reconnect attempts exhausted")
		}
		return false
	}

	sup.mu.Lock()
	sup.reconnects++
	sup.mu.Unlock()
	metrics.RecordReconnect(sup.id)
	sup.logger.WithField("delay", delay.String()).Info("Reconnecting")
	return true
}

func (m *Manager) pushStats(ctx context.Context, sup *supervisor, session *Session) {
	interval := m.config.Registry.StatsInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateStats(sup, session)
		}
	}
}

func (m *Manager) register(ctx context.Context, sup *supervisor, sessionID string, connectedAt time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()

	sup.mu.RLock()
	device := &registry.Device{
		ID:          sup.id,
		Transport:   m.transport.Name(),
		SessionID:   sessionID,
		Status:      sup.status,
		ConnectedAt: connectedAt,
		Reconnects:  sup.reconnects,
	}
	sup.mu.RUnlock()

	if err := m.registry.Register(rctx, device); err != nil {
		sup.logger.WithError(err).Warn("Failed to register device")
	}
}

func (m *Manager) updateStatus(sup *supervisor, status registry.DeviceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if err := m.registry.UpdateStatus(ctx, sup.id, status); err != nil {
		sup.logger.WithError(err).Debug("Failed to update device status")
	}
}

func (m *Manager) updateStats(sup *supervisor, session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	s := session.Stats()
	sup.mu.RLock()
	reconnects := sup.reconnects
	sup.mu.RUnlock()

	err := m.registry.UpdateStats(ctx, sup.id, &registry.DeviceStats{
		PacketsReceived:   s.Received,
		DroppedTotal:      s.DroppedTotal,
		BackpressureDrops: s.BackpressureDrops,
		Malformed:         s.Malformed,
		RateHz:            s.RateHz,
		Reconnects:        reconnects,
	})
	if err != nil {
		sup.logger.WithError(err).Debug("Failed to push device stats")
	}
}

func (m *Manager) deviceIDs() []string {
	m.supervisorsMu.RLock()
	defer m.supervisorsMu.RUnlock()

	ids := make([]string, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) lookup(id string) (*supervisor, bool) {
	m.supervisorsMu.RLock()
	defer m.supervisorsMu.RUnlock()
	sup, ok := m.supervisors[id]
	return sup, ok
}

// Devices returns the state of every supervised device, sorted by ID.
func (m *Manager) Devices() []DeviceState {
	ids := m.deviceIDs()
	out := make([]DeviceState, 0, len(ids))
	for _, id := range ids {
		if state, ok := m.Device(id); ok {
			out = append(out, state)
		}
	}
	return out
}

// Device returns the state of one supervised device.
func (m *Manager) Device(id string) (DeviceState, bool) {
	sup, ok := m.lookup(id)
	if !ok {
		return DeviceState{}, false
	}

	sup.mu.RLock()
	defer sup.mu.RUnlock()

	state := DeviceState{
		ID:         sup.id,
		Transport:  m.transport.Name(),
		Status:     sup.status,
		Reconnects: sup.reconnects,
	}
	if sup.lastErr != nil {
		state.LastError = sup.lastErr.Error()
	}
	if sup.session != nil {
		stats := sup.session.Stats()
		state.SessionID = stats.SessionID
		state.Session = &stats
	}
	return state, true
}

// Session returns the live session for a device.
func (m *Manager) Session(id string) (*Session, bool) {
	sup, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	s := sup.current()
	return s, s != nil
}

// SendCommand writes data to a device's command characteristic.
func (m *Manager) SendCommand(ctx context.Context, id string, data []byte) error {
	sup, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	s := sup.current()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return s.Write(ctx, data)
}

// Registry exposes the registry for API handlers.
func (m *Manager) Registry() registry.Registry {
	return m.registry
}
