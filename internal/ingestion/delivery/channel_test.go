package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacket(seq uint16) Packet {
	return NewPacket(seq, []byte{byte(seq)}, time.Now(), 0)
}

func TestChannel_FIFO(t *testing.T) {
	ch := NewChannel("fifo", 16, OverflowReject)
	ctx := context.Background()

	for i := uint16(0); i < 10; i++ {
		require.True(t, ch.TryEnqueue(testPacket(i)))
	}

	for i := uint16(0); i < 10; i++ {
		p, err := ch.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, p.Sequence)
	}

	stats := ch.Stats()
	assert.Equal(t, uint64(10), stats.Enqueued)
	assert.Equal(t, uint64(10), stats.Dequeued)
	assert.Equal(t, 0, stats.Depth)
}

func TestChannel_RejectWhenFull(t *testing.T) {
	ch := NewChannel("reject", 1, OverflowReject)

	first := testPacket(1)
	require.True(t, ch.TryEnqueue(first))
	assert.False(t, ch.TryEnqueue(testPacket(2)))
	assert.Equal(t, uint64(1), ch.Dropped())
	assert.Equal(t, 1, ch.Len())

	p, err := ch.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Sequence, p.Sequence)
	assert.Equal(t, first.Payload, p.Payload)
}

func TestChannel_DropOldest(t *testing.T) {
	ch := NewChannel("drop-oldest", 2, OverflowDropOldest)
	ctx := context.Background()

	require.True(t, ch.TryEnqueue(testPacket(1)))
	require.True(t, ch.TryEnqueue(testPacket(2)))
	require.True(t, ch.TryEnqueue(testPacket(3)))

	assert.Equal(t, uint64(1), ch.Dropped())

	p, err := ch.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), p.Sequence)

	p, err = ch.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), p.Sequence)
}

func TestChannel_CloseDrainsThenReportsClosed(t *testing.T) {
	ch := NewChannel("drain", 8, OverflowReject)
	ctx := context.Background()

	require.True(t, ch.TryEnqueue(testPacket(7)))
	require.True(t, ch.TryEnqueue(testPacket(8)))
	ch.Close()
	ch.Close() // idempotent

	assert.False(t, ch.TryEnqueue(testPacket(9)))

	p, err := ch.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), p.Sequence)

	p, err = ch.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), p.Sequence)

	_, err = ch.Dequeue(ctx)
	assert.True(t, errors.Is(err, ErrChannelClosed))
	assert.True(t, ch.Stats().Closed)
}

func TestChannel_CloseWakesBlockedDequeue(t *testing.T) {
	ch := NewChannel("wake", 4, OverflowReject)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after close")
	}
}

func TestChannel_DequeueHonoursContext(t *testing.T) {
	ch := NewChannel("ctx", 4, OverflowReject)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_TryEnqueueNeverBlocks(t *testing.T) {
	ch := NewChannel("nonblocking", 1, OverflowReject)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			ch.TryEnqueue(testPacket(uint16(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TryEnqueue blocked with no consumer")
	}
	assert.Equal(t, uint64(9999), ch.Dropped())
}

func TestChannel_ConcurrentProducerConsumerPreservesOrder(t *testing.T) {
	const n = 5000
	ch := NewChannel("concurrent", 64, OverflowReject)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var received []uint16
	go func() {
		defer wg.Done()
		for {
			p, err := ch.Dequeue(ctx)
			if err != nil {
				return
			}
			received = append(received, p.Sequence)
		}
	}()

	for i := 0; i < n; i++ {
		for !ch.TryEnqueue(testPacket(uint16(i))) {
			time.Sleep(time.Microsecond)
		}
	}
	ch.Close()
	wg.Wait()

	require.Len(t, received, n)
	for i, seq := range received {
		require.Equal(t, uint16(i), seq)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		name    string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", OverflowReject, false},
		{"reject", OverflowReject, false},
		{"drop_oldest", OverflowDropOldest, false},
		{"block", "", true},
	}

	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewPacket_CopiesPayload(t *testing.T) {
	buf := []byte{1, 2, 3}
	p := NewPacket(1, buf, time.Now(), 12.5)
	buf[0] = 99

	assert.Equal(t, []byte{1, 2, 3}, p.Payload)
	assert.Equal(t, 12.5, p.RateHz)
}

func TestChannel_EnqueueReportsEvictedPacket(t *testing.T) {
	ch := NewChannel("evicted", 2, OverflowDropOldest)

	assert.Equal(t, Outcome{Accepted: true}, ch.Enqueue(testPacket(1)))
	assert.Equal(t, Outcome{Accepted: true}, ch.Enqueue(testPacket(2)))

	out := ch.Enqueue(testPacket(3))
	assert.True(t, out.Accepted)
	require.True(t, out.HasEvicted)
	assert.Equal(t, uint16(1), out.Evicted.Sequence)
	assert.Equal(t, []byte{1}, out.Evicted.Payload)

	reject := NewChannel("evicted-reject", 1, OverflowReject)
	require.True(t, reject.Enqueue(testPacket(1)).Accepted)
	out = reject.Enqueue(testPacket(2))
	assert.False(t, out.Accepted)
	assert.False(t, out.HasEvicted)
	assert.False(t, out.Closed)

	reject.Close()
	assert.Equal(t, Outcome{Closed: true}, reject.Enqueue(testPacket(3)))
}

func TestChannel_CloseDuringEnqueueLosesNothing(t *testing.T) {
	for i := 0; i < 200; i++ {
		ch := NewChannel("close-race", 64, OverflowReject)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint16(0); seq < 32; seq++ {
				ch.TryEnqueue(testPacket(seq))
			}
		}()

		var got uint64
		consumed := make(chan struct{})
		go func() {
			defer close(consumed)
			for {
				if _, err := ch.Dequeue(context.Background()); err != nil {
					return
				}
				got++
			}
		}()

		ch.Close()
		wg.Wait()
		<-consumed

		stats := ch.Stats()
		require.Equal(t, stats.Enqueued, got, "iteration %d", i)
		require.Zero(t, stats.Depth, "iteration %d", i)
	}
	DeleteMetrics("close-race")
}
