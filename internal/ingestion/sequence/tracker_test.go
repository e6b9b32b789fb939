package sequence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_FirstObservationHasNoGap(t *testing.T) {
	tr := NewTracker()

	report := tr.Observe(4242)
	assert.False(t, report.HasPrevious)
	assert.Equal(t, uint64(0), report.Dropped)
	assert.Equal(t, uint64(0), report.DroppedTotal)
	assert.Equal(t, uint16(4242), report.Current)

	state := tr.State()
	assert.True(t, state.HasLast)
	assert.Equal(t, uint16(4242), state.LastSequence)
}

func TestTracker_ConsecutiveSequenceNoLoss(t *testing.T) {
	// Exhaustive over the whole sequence space
	for a := 0; a < Space; a++ {
		tr := NewTracker()
		tr.Observe(uint16(a))
		report := tr.Observe(uint16((a + 1) % Space))
		if report.Dropped != 0 {
			t.Fatalf("a=%d: expected no drop, got %d", a, report.Dropped)
		}
	}
}

func TestTracker_GapReportsKMinusOne(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		a := uint16(rng.Intn(Space))
		k := 2 + rng.Intn(Space-2)

		tr := NewTracker()
		tr.Observe(a)
		before := tr.DroppedTotal()

		report := tr.Observe(uint16((int(a) + k) % Space))
		require.Equal(t, uint64(k-1), report.Dropped, "a=%d k=%d", a, k)
		assert.Equal(t, before+uint64(k-1), report.DroppedTotal)
		assert.Equal(t, a, report.Previous)
		assert.True(t, report.Gap())
	}
}

func TestTracker_Wraparound(t *testing.T) {
	tr := NewTracker()

	sequences := []uint16{65533, 65534, 65535, 0, 1, 2}
	for _, seq := range sequences {
		report := tr.Observe(seq)
		assert.Equal(t, uint64(0), report.Dropped, "seq %d", seq)
	}
	assert.Equal(t, uint64(0), tr.DroppedTotal())
}

func TestTracker_GapAcrossWraparound(t *testing.T) {
	tr := NewTracker()
	tr.Observe(65534)

	report := tr.Observe(1)
	assert.Equal(t, uint64(2), report.Dropped) // 65535 and 0
	assert.Equal(t, uint16(65534), report.Previous)
	assert.Equal(t, uint16(1), report.Current)
}

func TestTracker_DuplicateAndBackwardsAreReportedArithmetically(t *testing.T) {
	tr := NewTracker()
	tr.Observe(10)

	dup := tr.Observe(10)
	assert.Equal(t, uint64(Space-1), dup.Dropped)

	// last advanced to 10 again; stepping back to 9 is a near-full wrap
	back := tr.Observe(9)
	assert.Equal(t, uint64(Space-2), back.Dropped)
	assert.Equal(t, uint16(9), tr.State().LastSequence)
}

func TestTracker_DroppedTotalMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr := NewTracker()

	var prev uint64
	for i := 0; i < 10000; i++ {
		report := tr.Observe(uint16(rng.Intn(Space)))
		require.GreaterOrEqual(t, report.DroppedTotal, prev)
		prev = report.DroppedTotal
	}
}

func TestTracker_LastAlwaysAdvances(t *testing.T) {
	tr := NewTracker()

	for _, seq := range []uint16{5, 9, 3, 3, 65535, 0} {
		tr.Observe(seq)
		assert.Equal(t, seq, tr.State().LastSequence)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker()
	tr.Observe(1)
	tr.Observe(10)
	require.Equal(t, uint64(8), tr.DroppedTotal())

	tr.Reset()
	assert.Equal(t, State{}, tr.State())

	report := tr.Observe(500)
	assert.False(t, report.HasPrevious)
	assert.Equal(t, uint64(0), report.DroppedTotal)
}
