package rate

import "time"

// DefaultWindow is the number of arrivals averaged over.
const DefaultWindow = 50

// Estimator computes a windowed average arrival rate from the most recent
// arrival timestamps. It is not safe for concurrent use.
type Estimator struct {
	window []time.Time
	head   int // index of the oldest entry
	count  int
}

// NewEstimator creates an estimator over the last size arrivals. Sizes below 2
// cannot produce a rate and are raised to 2.
func NewEstimator(size int) *Estimator {
	if size < 2 {
		size = 2
	}
	return &Estimator{
		window: make([]time.Time, size),
	}
}

// Record appends ts to the window, evicting the oldest entry when full, and
// returns the current rate in Hz.
func (e *Estimator) Record(ts time.Time) float64 {
	if e.count < len(e.window) {
		e.window[(e.head+e.count)%len(e.window)] = ts
		e.count++
	} else {
		e.window[e.head] = ts
		e.head = (e.head + 1) % len(e.window)
	}
	return e.Rate()
}

// Rate returns (n-1)/(newest-oldest), or 0 when fewer than two arrivals are
// recorded or no time has elapsed between them.
func (e *Estimator) Rate() float64 {
	if e.count < 2 {
		return 0
	}

	oldest := e.window[e.head]
	newest := e.window[(e.head+e.count-1)%len(e.window)]

	elapsed := newest.Sub(oldest).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.count-1) / elapsed
}

// Len returns the number of timestamps currently in the window.
func (e *Estimator) Len() int {
	return e.count
}

// Capacity returns the window size.
func (e *Estimator) Capacity() int {
	return len(e.window)
}

// Reset empties the window.
func (e *Estimator) Reset() {
	e.head = 0
	e.count = 0
	for i := range e.window {
		e.window[i] = time.Time{}
	}
}
