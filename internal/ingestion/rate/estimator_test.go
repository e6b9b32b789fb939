package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_FewerThanTwoSamples(t *testing.T) {
	e := NewEstimator(DefaultWindow)
	assert.Equal(t, 0.0, e.Rate())

	rate := e.Record(time.Now())
	assert.Equal(t, 0.0, rate)
	assert.Equal(t, 1, e.Len())
}

func TestEstimator_FiftySamplesAtHundredHertz(t *testing.T) {
	e := NewEstimator(DefaultWindow)
	base := time.Now()

	var rate float64
	for i := 0; i < 50; i++ {
		rate = e.Record(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}

	assert.InDelta(t, 100.0, rate, 1e-6)
	assert.Equal(t, 50, e.Len())
}

func TestEstimator_ZeroElapsed(t *testing.T) {
	e := NewEstimator(DefaultWindow)
	ts := time.Now()

	e.Record(ts)
	assert.Equal(t, 0.0, e.Record(ts))
}

func TestEstimator_EvictsOldest(t *testing.T) {
	e := NewEstimator(5)
	base := time.Now()

	// 1s gap at the start should fall out of the window
	e.Record(base)
	start := base.Add(time.Second)
	var rate float64
	for i := 0; i < 5; i++ {
		rate = e.Record(start.Add(time.Duration(i) * 20 * time.Millisecond))
	}

	assert.Equal(t, 5, e.Len())
	assert.InDelta(t, 50.0, rate, 1e-6) // 4 intervals over 80ms
}

func TestEstimator_WindowClampedToTwo(t *testing.T) {
	e := NewEstimator(0)
	assert.Equal(t, 2, e.Capacity())

	base := time.Now()
	e.Record(base)
	e.Record(base.Add(500 * time.Millisecond))
	rate := e.Record(base.Add(600 * time.Millisecond))

	assert.InDelta(t, 10.0, rate, 1e-6)
}

func TestEstimator_Reset(t *testing.T) {
	e := NewEstimator(10)
	base := time.Now()
	e.Record(base)
	e.Record(base.Add(10 * time.Millisecond))

	e.Reset()
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, 0.0, e.Rate())
}

func TestEstimator_JitterSmoothed(t *testing.T) {
	e := NewEstimator(DefaultWindow)
	base := time.Now()

	offsets := []time.Duration{0, 2 * time.Millisecond, -2 * time.Millisecond}
	var rate float64
	for i := 0; i < 200; i++ {
		jitter := offsets[i%len(offsets)]
		rate = e.Record(base.Add(time.Duration(i)*10*time.Millisecond + jitter))
	}

	assert.InDelta(t, 100.0, rate, 1.0)
}
