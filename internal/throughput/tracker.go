// Package throughput derives a smoothed generation-speed estimate from the
// monotonically growing assistant text observed across streamed frames.
package throughput

import (
	"sync"
	"time"
)

// minElapsed floors the elapsed-time divisor so rapid early frames do not
// produce divide-by-near-zero spikes.
const minElapsed = 100 * time.Millisecond

// Sample is the timing state for one assistant turn.
type Sample struct {
	Start  time.Time
	Length int
	Speed  float64
}

// sampleKey identifies a sample: one per (session, assistant turn).
type sampleKey struct {
	sessionID string
	turn      int
}

// Tracker accumulates throughput samples across sessions. A sample is reset
// only when the observed assistant-turn index changes, never per frame, so
// rapid small frames produce a smoothed rather than jittery estimate.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	samples  map[sampleKey]*Sample
	lastTurn map[string]int

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		samples:  make(map[sampleKey]*Sample),
		lastTurn: make(map[string]int),
		now:      time.Now,
	}
}

// SetClock overrides the tracker's clock. Intended for tests.
func (tr *Tracker) SetClock(now func() time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.now = now
}

// Observe records the cumulative assistant-text length for the given turn
// and returns the current speed estimate in characters per second. The
// sample restarts when the turn index differs from the previously observed
// one for this session, or when no sample exists yet.
func (tr *Tracker) Observe(sessionID string, turn, length int) float64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := tr.now()
	key := sampleKey{sessionID, turn}

	last, seen := tr.lastTurn[sessionID]
	sample := tr.samples[key]
	if sample == nil || !seen || last != turn {
		tr.samples[key] = &Sample{Start: now, Length: length}
		tr.lastTurn[sessionID] = turn
		return 0
	}

	elapsed := now.Sub(sample.Start)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	sample.Length = length
	sample.Speed = float64(length) / elapsed.Seconds()
	return sample.Speed
}

// Speed returns the last computed estimate for a turn. It remains
// retrievable after streaming ends.
func (tr *Tracker) Speed(sessionID string, turn int) (float64, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	sample := tr.samples[sampleKey{sessionID, turn}]
	if sample == nil {
		return 0, false
	}
	return sample.Speed, true
}

// Forget drops all samples belonging to a session.
func (tr *Tracker) Forget(sessionID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for key := range tr.samples {
		if key.sessionID == sessionID {
			delete(tr.samples, key)
		}
	}
	delete(tr.lastTurn, sessionID)
}
