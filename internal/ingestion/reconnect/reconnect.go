package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/zsiec/sensorlink/internal/config"
)

// ErrExhausted is returned by Wait once the strategy allows no more attempts.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Strategy defines the reconnection strategy interface
type Strategy interface {
	// NextDelay returns the next delay duration and whether to continue retrying
	NextDelay() (time.Duration, bool)
	// Reset resets the strategy to initial state
	Reset()
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, applied symmetrically
	MaxRetries   int     // 0 retries forever

	currentDelay time.Duration
	retryCount   int
	rand         func() float64
	mu           sync.Mutex
}

// NewExponentialBackoff creates a new exponential backoff strategy
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier, jitter float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		Jitter:       jitter,
		MaxRetries:   maxRetries,
		currentDelay: initialDelay,
		rand:         rand.Float64,
	}
}

// New builds the strategy described by cfg. A disabled config never retries.
func New(cfg config.ReconnectConfig) Strategy {
	if !cfg.Enabled {
		return Never{}
	}
	return NewExponentialBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.Multiplier, cfg.Jitter, cfg.MaxRetries)
}

// NextDelay returns the next delay with exponential backoff and jitter
func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MaxRetries > 0 && e.retryCount >= e.MaxRetries {
		return 0, false
	}

	delay := e.currentDelay
	if e.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 - e.Jitter + 2*e.Jitter*e.rand()))
	}

	e.currentDelay = time.Duration(float64(e.currentDelay) * e.Multiplier)
	if e.currentDelay > e.MaxDelay {
		e.currentDelay = e.MaxDelay
	}
	e.retryCount++

	return delay, true
}

// Reset resets the backoff strategy
func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentDelay = e.InitialDelay
	e.retryCount = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (e *ExponentialBackoff) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}

// Never is a Strategy that refuses every retry.
type Never struct{}

func (Never) NextDelay() (time.Duration, bool) { return 0, false }
func (Never) Reset()                           {}

// Wait sleeps for the strategy's next delay. It returns ErrExhausted when the
// strategy gives up and ctx.Err() if the context ends first.
func Wait(ctx context.Context, s Strategy) (time.Duration, error) {
	delay, ok := s.NextDelay()
	if !ok {
		return 0, ErrExhausted
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return delay, ctx.Err()
	case <-timer.C:
		return delay, nil
	}
}
