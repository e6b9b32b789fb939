package sequence

// Space is the size of the wrapping sequence number space.
const Space = 1 << 16

// GapReport describes the outcome of observing one sequence number.
type GapReport struct {
	// Previous is the last sequence observed before this call. It is only
	// meaningful when HasPrevious is true.
	Previous    uint16
	HasPrevious bool
	Current     uint16

	// Dropped is the number of sequence values skipped between Previous and
	// Current under modulo 2^16 arithmetic.
	Dropped      uint64
	DroppedTotal uint64
}

// Gap reports whether any sequence values were skipped.
func (r GapReport) Gap() bool {
	return r.Dropped > 0
}

// State is a copy of the tracker's internal state.
type State struct {
	LastSequence uint16
	HasLast      bool
	DroppedTotal uint64
}

// Tracker computes sequence gaps for a single logical stream. It is not safe
// for concurrent use; one goroutine (the transport callback) owns it.
type Tracker struct {
	last         uint16
	hasLast      bool
	droppedTotal uint64
}

// NewTracker creates a tracker with no observed sequence.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records seq and reports the gap from the previously observed value.
// The tracker performs no reordering or duplicate suppression: a duplicate or
// a backwards step is reported as whatever forward distance the wraparound
// arithmetic yields.
func (t *Tracker) Observe(seq uint16) GapReport {
	report := GapReport{
		Previous:    t.last,
		HasPrevious: t.hasLast,
		Current:     seq,
	}

	if t.hasLast {
		expected := t.last + 1
		if seq != expected {
			// uint16 subtraction wraps modulo 2^16
			dropped := uint64(seq - t.last - 1)
			t.droppedTotal += dropped
			report.Dropped = dropped
		}
	}

	t.last = seq
	t.hasLast = true
	report.DroppedTotal = t.droppedTotal

	return report
}

// DroppedTotal returns the cumulative number of skipped sequence values.
func (t *Tracker) DroppedTotal() uint64 {
	return t.droppedTotal
}

// State returns a copy of the tracker state.
func (t *Tracker) State() State {
	return State{
		LastSequence: t.last,
		HasLast:      t.hasLast,
		DroppedTotal: t.droppedTotal,
	}
}

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() {
	t.last = 0
	t.hasLast = false
	t.droppedTotal = 0
}
