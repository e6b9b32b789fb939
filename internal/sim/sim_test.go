package sim

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sensorlink/internal/ingestion/imu"
	"github.com/zsiec/sensorlink/internal/ingestion/sequence"
)

func sequences(t *testing.T, g *Generator) []uint16 {
	t.Helper()
	var out []uint16
	for {
		dgs, ok := g.Next()
		if !ok {
			return out
		}
		for _, dg := range dgs {
			out = append(out, binary.LittleEndian.Uint16(dg))
		}
	}
}

func TestGenerator_SequenceWraps(t *testing.T) {
	g := NewGenerator(Options{RateHz: 100, StartSequence: 65534, Count: 4})
	assert.Equal(t, []uint16{65534, 65535, 0, 1}, sequences(t, g))
	assert.Equal(t, uint64(4), g.Stats().Sent)
}

func TestGenerator_DropsLeaveGaps(t *testing.T) {
	g := NewGenerator(Options{RateHz: 100, DropRate: 0.3, Count: 500, Seed: 7})
	seqs := sequences(t, g)
	stats := g.Stats()

	require.Greater(t, stats.Dropped, uint64(0))
	assert.Equal(t, 500, len(seqs)+int(stats.Dropped))

	tracker := sequence.NewTracker()
	var lost uint64
	for _, s := range seqs {
		lost += tracker.Observe(s).Dropped
	}
	// Only drops between the first and last delivered packet are visible.
	span := uint64(seqs[len(seqs)-1]-seqs[0]) + 1
	assert.Equal(t, span-uint64(len(seqs)), lost)
}

func TestGenerator_Duplicates(t *testing.T) {
	g := NewGenerator(Options{RateHz: 100, DuplicateRate: 0.5, Count: 200, Seed: 3})
	seqs := sequences(t, g)

	stats := g.Stats()
	require.Greater(t, stats.Duplicated, uint64(0))
	assert.Equal(t, 200+int(stats.Duplicated), len(seqs))
	assert.Equal(t, uint64(len(seqs)), stats.Sent)
}

func TestPacket_ParsesBack(t *testing.T) {
	magic := []byte{0xA5}
	want := imu.Sample{Gyro: [3]float64{0, 0, 1}, Accel: [3]float64{0, 0, gravity}}
	pkt := Packet(513, magic, want)

	assert.Equal(t, uint16(513), binary.LittleEndian.Uint16(pkt))

	got, err := imu.Float32Layout{Magic: magic}.Parse(pkt[2:])
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Gyro[2], 1e-6)
	assert.InDelta(t, gravity, got.Accel[2], 1e-4)
}

func TestNewDevice_Validation(t *testing.T) {
	_, err := NewDevice(nil, nil, Options{RateHz: 0}, nil)
	assert.Error(t, err)

	_, err = NewDevice(nil, nil, Options{RateHz: 100, DropRate: 1}, nil)
	assert.Error(t, err)
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDevice_StreamsAfterStartCommand(t *testing.T) {
	service := listen(t)
	deviceConn := listen(t)

	dev, err := NewDevice(deviceConn, service.LocalAddr().(*net.UDPAddr), Options{
		RateHz:  1000,
		Count:   5,
		WaitFor: []byte("START"),
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	// Nothing arrives before the start command.
	_ = service.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 128)
	_, _, err = service.ReadFromUDP(buf)
	require.Error(t, err)

	_, err = service.WriteToUDP([]byte("START"), deviceConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, service.SetReadDeadline(time.Now().Add(2*time.Second)))
	for want := uint16(0); want < 5; want++ {
		n, from, err := service.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, deviceConn.LocalAddr().String(), from.String())
		assert.Equal(t, 26, n)
		assert.Equal(t, want, binary.LittleEndian.Uint16(buf[:n]))
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("device did not finish")
	}
	assert.Equal(t, uint64(1), dev.Stats().Commands)
	assert.Equal(t, uint64(5), dev.Stats().Sent)
}
