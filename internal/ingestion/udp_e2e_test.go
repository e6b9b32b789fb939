package ingestion

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/ingestion/registry"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/sim"
	"github.com/zsiec/sensorlink/internal/transport/udp"
)

// expectedCounts replays the generator to learn which packets a simulated
// device will deliver.
func expectedCounts(opts sim.Options) (received, dropped uint64) {
	g := sim.NewGenerator(opts)
	var first, last uint16
	for {
		dgs, ok := g.Next()
		if !ok {
			break
		}
		for _, dg := range dgs {
			seq := binary.LittleEndian.Uint16(dg)
			if received == 0 {
				first = seq
			}
			last = seq
			received++
		}
	}
	span := uint64(last-first) + 1
	return received, span - received
}

func TestEndToEnd_UDPSimulatedDevice(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := registry.NewRedisRegistry(client, logger.NewNop(), time.Minute)

	deviceConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = deviceConn.Close() })
	deviceID := deviceConn.LocalAddr().String()

	cfg := testConfig(deviceID)
	cfg.Transport.Kind = "udp"
	cfg.Transport.StartCommand = "START"
	cfg.Pipeline.ChannelCapacity = 1024
	cfg.Transport.UDP = config.UDPConfig{ListenAddr: "127.0.0.1", Port: 0, PeerIdleTimeout: 10 * time.Second}

	tr := udp.New(cfg.Transport, logger.NewNop())
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Close() })

	opts := sim.Options{
		RateHz:        1000,
		DropRate:      0.05,
		StartSequence: 65450,
		YawRate:       1,
		Count:         300,
		WaitFor:       []byte("START"),
		Seed:          42,
	}
	wantReceived, wantDropped := expectedCounts(opts)

	dev, err := sim.NewDevice(deviceConn, tr.Addr().(*net.UDPAddr), opts, nil)
	require.NoError(t, err)

	m, err := NewManager(cfg, tr, reg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	require.NoError(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, dev.Run(ctx))

	require.Eventually(t, func() bool {
		st, ok := m.Device(deviceID)
		return ok && st.Session != nil && st.Session.Processed == wantReceived
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := m.Device(deviceID)
	assert.Equal(t, registry.StatusActive, st.Status)
	assert.Equal(t, wantReceived, st.Session.Received)
	assert.Equal(t, wantDropped, st.Session.DroppedTotal)
	assert.Zero(t, st.Session.Malformed)
	assert.Equal(t, uint64(1), dev.Stats().Commands, "start command written once")

	sess, ok := m.Session(deviceID)
	require.True(t, ok)
	_, ok = sess.Orientation()
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		rec, err := reg.Get(context.Background(), deviceID)
		return err == nil && rec.PacketsReceived == wantReceived
	}, 2*time.Second, 10*time.Millisecond)
}
