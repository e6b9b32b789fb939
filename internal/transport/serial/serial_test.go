package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bugserial "go.bug.st/serial"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/transport"
)

// pipePort feeds reads from a pipe and records writes.
type pipePort struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error { return p.r.Close() }

func (p *pipePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func testConfig() config.TransportConfig {
	return config.TransportConfig{
		Kind:                  "serial",
		NotifyCharacteristic:  "imu",
		CommandCharacteristic: "command",
		Serial:                config.SerialConfig{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", MaxFrame: 64},
	}
}

func openPipe(t *testing.T) (*Transport, *pipePort, *io.PipeWriter) {
	t.Helper()
	r, w := io.Pipe()
	port := &pipePort{r: r}

	tr := NewWithOpener(testConfig(), func(path string, mode *bugserial.Mode) (Port, error) {
		assert.Equal(t, "/dev/ttyTEST", path)
		assert.Equal(t, 115200, mode.BaudRate)
		return port, nil
	}, logger.NewNop())

	return tr, port, w
}

func frame(data []byte) []byte {
	return append(EncodeCOBS(data), Delimiter)
}

func TestSerial_DeliversDecodedFrames(t *testing.T) {
	tr, _, remote := openPipe(t)
	conn, err := tr.Connect(context.Background(), "/dev/ttyTEST")
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan []byte, 4)
	require.NoError(t, conn.Subscribe("imu", func(raw []byte) {
		received <- append([]byte(nil), raw...)
	}))

	go func() {
		_, _ = remote.Write(frame([]byte{0x00, 0x00, 0x10}))
		_, _ = remote.Write(frame([]byte{0x01, 0x00, 0x00, 0x20}))
	}()

	for _, want := range [][]byte{{0x00, 0x00, 0x10}, {0x01, 0x00, 0x00, 0x20}} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
}

func TestSerial_CorruptFrameSkipped(t *testing.T) {
	tr, _, remote := openPipe(t)
	conn, err := tr.Connect(context.Background(), "/dev/ttyTEST")
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan []byte, 4)
	require.NoError(t, conn.Subscribe("imu", func(raw []byte) {
		received <- append([]byte(nil), raw...)
	}))

	go func() {
		_, _ = remote.Write([]byte{0x09, 0x01, Delimiter})
		_, _ = remote.Write(frame([]byte{0x05, 0x00}))
	}()

	select {
	case got := <-received:
		assert.Equal(t, []byte{0x05, 0x00}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
	assert.Equal(t, uint64(1), conn.(*Conn).CorruptFrames())
}

func TestSerial_ReadErrorIsConnectionLost(t *testing.T) {
	tr, _, remote := openPipe(t)
	conn, err := tr.Connect(context.Background(), "/dev/ttyTEST")
	require.NoError(t, err)

	unplugged := errors.New("device disconnected")
	require.NoError(t, remote.CloseWithError(unplugged))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read error did not end the link")
	}
	assert.ErrorIs(t, conn.Err(), transport.ErrConnectionLost)
	assert.ErrorIs(t, conn.Err(), unplugged)
}

func TestSerial_CloseIsClean(t *testing.T) {
	tr, _, _ := openPipe(t)
	conn, err := tr.Connect(context.Background(), "/dev/ttyTEST")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Write(context.Background(), "command", []byte("a")), transport.ErrClosed)
}

func TestSerial_WriteEncodesFrame(t *testing.T) {
	tr, port, _ := openPipe(t)
	conn, err := tr.Connect(context.Background(), "/dev/ttyTEST")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), "command", []byte{0x61, 0x00}))
	assert.Equal(t, []byte{0x02, 0x61, 0x01, Delimiter}, port.Written())

	err = conn.Write(context.Background(), "imu", []byte("a"))
	assert.ErrorIs(t, err, transport.ErrUnknownCharacteristic)
}

func TestSerial_OpenFailure(t *testing.T) {
	boom := errors.New("permission denied")
	tr := NewWithOpener(testConfig(), func(string, *bugserial.Mode) (Port, error) {
		return nil, boom
	}, logger.NewNop())

	_, err := tr.Connect(context.Background(), "/dev/ttyUSB9")
	assert.ErrorIs(t, err, boom)
}

func TestMode(t *testing.T) {
	mode, err := Mode(config.SerialConfig{BaudRate: 921600, DataBits: 8, StopBits: 2, Parity: "E"})
	require.NoError(t, err)
	assert.Equal(t, 921600, mode.BaudRate)
	assert.Equal(t, bugserial.TwoStopBits, mode.StopBits)
	assert.Equal(t, bugserial.EvenParity, mode.Parity)

	_, err = Mode(config.SerialConfig{BaudRate: 9600, StopBits: 3})
	assert.Error(t, err)

	_, err = Mode(config.SerialConfig{BaudRate: 9600, Parity: "M"})
	assert.Error(t, err)
}
