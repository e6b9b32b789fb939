package events

import "sync"

// Recorder is an in-memory Sink that keeps every event it sees.
type Recorder struct {
	mu           sync.Mutex
	Losses       []LossEvent
	Rates        []RateSample
	Malformed    []MalformedEvent
	Backpressure []BackpressureEvent
	Orientations []OrientationSample
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnLoss(e LossEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Losses = append(r.Losses, e)
}

func (r *Recorder) OnRate(e RateSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rates = append(r.Rates, e)
}

func (r *Recorder) OnMalformed(e MalformedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Malformed = append(r.Malformed, e)
}

func (r *Recorder) OnBackpressure(e BackpressureEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Backpressure = append(r.Backpressure, e)
}

func (r *Recorder) OnOrientation(e OrientationSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Orientations = append(r.Orientations, e)
}

// Snapshot returns a copy safe to inspect while events keep arriving.
func (r *Recorder) Snapshot() Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Recorder{
		Losses:       append([]LossEvent(nil), r.Losses...),
		Rates:        append([]RateSample(nil), r.Rates...),
		Malformed:    append([]MalformedEvent(nil), r.Malformed...),
		Backpressure: append([]BackpressureEvent(nil), r.Backpressure...),
		Orientations: append([]OrientationSample(nil), r.Orientations...),
	}
}
