package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sensorlink/internal/config"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		name         string
		initialDelay time.Duration
		maxDelay     time.Duration
		multiplier   float64
		maxRetries   int
		wantDelays   []time.Duration
	}{
		{
			name:         "basic exponential backoff",
			initialDelay: 100 * time.Millisecond,
			maxDelay:     2 * time.Second,
			multiplier:   2.0,
			maxRetries:   5,
			wantDelays: []time.Duration{
				100 * time.Millisecond,
				200 * time.Millisecond,
				400 * time.Millisecond,
				800 * time.Millisecond,
				1600 * time.Millisecond,
			},
		},
		{
			name:         "backoff with max delay cap",
			initialDelay: 500 * time.Millisecond,
			maxDelay:     1 * time.Second,
			multiplier:   3.0,
			maxRetries:   4,
			wantDelays: []time.Duration{
				500 * time.Millisecond,
				1 * time.Second, // capped
				1 * time.Second,
				1 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backoff := NewExponentialBackoff(tt.initialDelay, tt.maxDelay, tt.multiplier, 0, tt.maxRetries)

			for i, want := range tt.wantDelays {
				delay, ok := backoff.NextDelay()
				require.True(t, ok, "retry %d should continue", i+1)
				assert.Equal(t, want, delay)
			}

			_, ok := backoff.NextDelay()
			assert.False(t, ok, "should stop after max retries")
			assert.Equal(t, tt.maxRetries, backoff.Attempts())

			backoff.Reset()
			delay, ok := backoff.NextDelay()
			assert.True(t, ok)
			assert.Equal(t, tt.initialDelay, delay)
		})
	}
}

func TestExponentialBackoff_JitterBounds(t *testing.T) {
	backoff := NewExponentialBackoff(time.Second, time.Second, 1, 0.2, 0)

	backoff.rand = func() float64 { return 0 }
	low, _ := backoff.NextDelay()
	backoff.rand = func() float64 { return 1 }
	high, _ := backoff.NextDelay()

	assert.Equal(t, 800*time.Millisecond, low)
	assert.Equal(t, 1200*time.Millisecond, high)
}

func TestExponentialBackoff_UnlimitedRetries(t *testing.T) {
	backoff := NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2, 0, 0)
	for i := 0; i < 1000; i++ {
		_, ok := backoff.NextDelay()
		require.True(t, ok)
	}
}

func TestNew(t *testing.T) {
	s := New(config.ReconnectConfig{})
	_, ok := s.NextDelay()
	assert.False(t, ok)

	s = New(config.ReconnectConfig{
		Enabled:      true,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxRetries:   1,
	})
	delay, ok := s.NextDelay()
	assert.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, delay)
	_, ok = s.NextDelay()
	assert.False(t, ok)
}

func TestWait(t *testing.T) {
	s := NewExponentialBackoff(5*time.Millisecond, 5*time.Millisecond, 1, 0, 1)

	start := time.Now()
	delay, err := Wait(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, delay)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	_, err = Wait(context.Background(), s)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestWait_ContextCancelled(t *testing.T) {
	s := NewExponentialBackoff(time.Hour, time.Hour, 1, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Wait(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNever(t *testing.T) {
	_, err := Wait(context.Background(), Never{})
	assert.ErrorIs(t, err, ErrExhausted)
}
