package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
	"github.com/zsiec/sensorlink/internal/transport"
	"github.com/zsiec/sensorlink/internal/transport/mock"
)

func testConfig(devices ...string) *config.Config {
	return &config.Config{
		Transport: testTransportConfig(),
		Pipeline:  testPipelineConfig(),
		Fusion:    config.FusionConfig{Beta: 0.1},
		Reconnect: config.ReconnectConfig{
			Enabled:      true,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
		Registry: config.RegistryConfig{
			TTL:           time.Minute,
			StatsInterval: 10 * time.Millisecond,
		},
		Devices: devices,
	}
}

func setupTestManager(t *testing.T, cfg *config.Config) (*Manager, *mock.Transport, *registry.MockRegistry) {
	t.Helper()

	tr := mock.New(notifyChar, commandChar)
	reg := registry.NewMockRegistry()

	m, err := NewManager(cfg, tr, reg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	return m, tr, reg
}

func waitConnected(t *testing.T, tr *mock.Transport, deviceID string) *mock.Conn {
	t.Helper()
	select {
	case id := <-tr.Connected():
		require.Equal(t, deviceID, id)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never connected", deviceID)
	}
	conn, ok := tr.Conn(deviceID)
	require.True(t, ok)
	return conn
}

func TestManager_NewManager(t *testing.T) {
	m, _, _ := setupTestManager(t, testConfig("imu-1"))

	assert.NotNil(t, m.Registry())
	assert.False(t, m.started)

	devices := m.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "imu-1", devices[0].ID)
	assert.Equal(t, registry.StatusConnecting, devices[0].Status)
}

func TestManager_RejectsBadPayloadLayout(t *testing.T) {
	cfg := testConfig("imu-1")
	cfg.Pipeline.Payload.Layout = "csv"

	_, err := NewManager(cfg, mock.New(notifyChar, commandChar), nil, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(testConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestManager_StartStop(t *testing.T) {
	m, tr, reg := setupTestManager(t, testConfig("imu-1"))

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "second start fails")

	conn := waitConnected(t, tr, "imu-1")
	emit(t, conn, imuNotification(1))

	require.Eventually(t, func() bool {
		d, err := reg.Get(context.Background(), "imu-1")
		return err == nil && d.Status == registry.StatusActive && d.PacketsReceived == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "stop is idempotent")

	_, err := reg.Get(context.Background(), "imu-1")
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
	assert.ErrorIs(t, m.Start(), ErrManagerStopped)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still open after Stop")
	}
}

func TestManager_ReconnectsWithFreshSession(t *testing.T) {
	m, tr, reg := setupTestManager(t, testConfig("imu-1"))
	require.NoError(t, m.Start())

	conn := waitConnected(t, tr, "imu-1")
	emit(t, conn, imuNotification(10))
	emit(t, conn, imuNotification(14))

	first, ok := m.Session("imu-1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), first.Stats().DroppedTotal)

	conn.Lose(errors.New("link supervision timeout"))

	conn2 := waitConnected(t, tr, "imu-1")
	assert.NotSame(t, conn, conn2)
	emit(t, conn2, imuNotification(500))

	second, ok := m.Session("imu-1")
	require.True(t, ok)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Zero(t, second.Stats().DroppedTotal, "sequence state restarts with the session")
	assert.Equal(t, 2, tr.Connects("imu-1"))

	state, ok := m.Device("imu-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusActive, state.Status)
	assert.Equal(t, uint64(1), state.Reconnects)
	assert.Equal(t, second.ID(), state.SessionID)
	assert.Empty(t, state.LastError)

	require.Eventually(t, func() bool {
		d, err := reg.Get(context.Background(), "imu-1")
		return err == nil && d.SessionID == second.ID() && d.Reconnects == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_GivesUpWhenRetriesExhausted(t *testing.T) {
	cfg := testConfig("imu-1")
	cfg.Reconnect.MaxRetries = 1

	m, tr, reg := setupTestManager(t, cfg)
	tr.FailConnects(errors.New("adapter powered off"))
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool {
		state, _ := m.Device("imu-1")
		return state.Status == registry.StatusClosed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, tr.Connects("imu-1"))

	state, _ := m.Device("imu-1")
	assert.Contains(t, state.LastError, "adapter powered off")

	require.Eventually(t, func() bool {
		d, err := reg.Get(context.Background(), "imu-1")
		return err == nil && d.Status == registry.StatusClosed
	}, time.Second, 5*time.Millisecond)
}

func TestManager_DisabledReconnectStopsAfterLoss(t *testing.T) {
	cfg := testConfig("imu-1")
	cfg.Reconnect.Enabled = false

	m, tr, _ := setupTestManager(t, cfg)
	require.NoError(t, m.Start())

	conn := waitConnected(t, tr, "imu-1")
	emit(t, conn, imuNotification(1))
	conn.Lose(nil)

	require.Eventually(t, func() bool {
		state, _ := m.Device("imu-1")
		return state.Status == registry.StatusClosed
	}, time.Second, 5*time.Millisecond)

	state, _ := m.Device("imu-1")
	assert.Contains(t, state.LastError, transport.ErrConnectionLost.Error())
	assert.Equal(t, 1, tr.Connects("imu-1"))
}

func TestManager_SendCommand(t *testing.T) {
	m, tr, _ := setupTestManager(t, testConfig("imu-1", "imu-2"))
	tr.FailConnects(errors.New("out of range"))

	ctx := context.Background()
	assert.ErrorIs(t, m.SendCommand(ctx, "nope", []byte("a")), ErrUnknownDevice)
	assert.ErrorIs(t, m.SendCommand(ctx, "imu-1", []byte("a")), ErrNotConnected)

	tr.FailConnects(nil)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool {
		_, ok := m.Session("imu-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendCommand(ctx, "imu-1", []byte("a")))

	conn, ok := tr.Conn("imu-1")
	require.True(t, ok)
	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte("a"), writes[0].Data)
}

func TestManager_AddDevice(t *testing.T) {
	m, tr, _ := setupTestManager(t, testConfig())
	require.NoError(t, m.Start())

	require.NoError(t, m.AddDevice("imu-9"))
	assert.Error(t, m.AddDevice("imu-9"))
	assert.Error(t, m.AddDevice(""))

	waitConnected(t, tr, "imu-9")
	require.Len(t, m.Devices(), 1)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.AddDevice("imu-10"), ErrManagerStopped)
}
