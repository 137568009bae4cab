package health

import (
	"sync"
	"time"
)

// Outcome is one finished call attempt through a gateway.
type Outcome struct {
	At       time.Time
	Answered bool
	// Failed marks a network or carrier failure, as opposed to the callee
	// being busy or not answering.
	Failed        bool
	PostDialDelay time.Duration
}

// OutcomeWindow keeps a trailing window of call outcomes per gateway.
type OutcomeWindow struct {
	span time.Duration
	now  func() time.Time

	mu       sync.Mutex
	outcomes map[int64][]Outcome
}

func NewOutcomeWindow(span time.Duration) *OutcomeWindow {
	return &OutcomeWindow{
		span:     span,
		now:      time.Now,
		outcomes: make(map[int64][]Outcome),
	}
}

// Record adds an outcome. A zero At means now.
func (w *OutcomeWindow) Record(gatewayID int64, o Outcome) {
	if o.At.IsZero() {
		o.At = w.now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[gatewayID] = append(w.prune(gatewayID), o)
}

// WindowStats summarizes a gateway's window.
type WindowStats struct {
	Samples       int
	ASR           float64 // percent
	FailureRate   float64 // percent
	PostDialDelay time.Duration
}

// Stats reports ASR, failure rate and mean post-dial delay. With no samples
// the gateway is given full marks; the probe alone decides.
func (w *OutcomeWindow) Stats(gatewayID int64) WindowStats {
	w.mu.Lock()
	list := w.prune(gatewayID)
	w.outcomes[gatewayID] = list
	w.mu.Unlock()

	if len(list) == 0 {
		return WindowStats{ASR: 100}
	}

	var answered, failed, pddCount int
	var pdd time.Duration
	for _, o := range list {
		if o.Answered {
			answered++
		}
		if o.Failed {
			failed++
		}
		if o.PostDialDelay > 0 {
			pdd += o.PostDialDelay
			pddCount++
		}
	}

	n := float64(len(list))
	st := WindowStats{
		Samples:     len(list),
		ASR:         float64(answered) / n * 100,
		FailureRate: float64(failed) / n * 100,
	}
	if pddCount > 0 {
		st.PostDialDelay = pdd / time.Duration(pddCount)
	}
	return st
}

// Forget drops a gateway's history.
func (w *OutcomeWindow) Forget(gatewayID int64) {
	w.mu.Lock()
	delete(w.outcomes, gatewayID)
	w.mu.Unlock()
}

// prune must be called with mu held.
func (w *OutcomeWindow) prune(gatewayID int64) []Outcome {
	list := w.outcomes[gatewayID]
	cutoff := w.now().Add(-w.span)
	i := 0
	for i < len(list) && list[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append([]Outcome(nil), list[i:]...)
}
