package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/health"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Action is what the dialplan does after an attempt ended.
type Action string

const (
	ActionAdvance   Action = "advance"
	ActionStop      Action = "stop"
	ActionExhausted Action = "exhausted"
)

// Decision is the result of Next. Attempt and Route are set only for advance.
type Decision struct {
	Action  Action                `json:"action"`
	Attempt int                   `json:"attempt,omitempty"`
	Route   *models.ResolvedRoute `json:"route,omitempty"`
	Cause   Cause                 `json:"cause"`
	// Skipped lists routes passed over because their carrier is tripped.
	Skipped []int64 `json:"skipped,omitempty"`
}

// Policies looks up a carrier's failover policy.
type Policies interface {
	FailoverPolicy(carrierID int64) (models.FailoverPolicy, bool)
}

// OutcomeRecorder receives every attempt outcome for health scoring.
type OutcomeRecorder interface {
	Record(gatewayID int64, o health.Outcome)
}

type breaker struct {
	cb     *gobreaker.TwoStepCircuitBreaker
	policy models.FailoverPolicy
}

// Coordinator walks dial sequences. It is safe for concurrent use.
type Coordinator struct {
	policies Policies
	outcomes OutcomeRecorder
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	bmu      sync.Mutex
	breakers map[int64]*breaker

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(policies Policies, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		policies: policies,
		logger:   logger.Named("failover"),
		now:      time.Now,
		breakers: make(map[int64]*breaker),
		sessions: make(map[string]*Session),
	}
}

func (c *Coordinator) WithOutcomes(o OutcomeRecorder) *Coordinator {
	c.outcomes = o
	return c
}

// WithRecorder persists call records.
func (c *Coordinator) WithRecorder(r Recorder) *Coordinator {
	c.recorder = r
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

func (c *Coordinator) policy(carrierID int64) models.FailoverPolicy {
	var p models.FailoverPolicy
	if c.policies != nil {
		p, _ = c.policies.FailoverPolicy(carrierID)
	}
	if p.Threshold <= 0 {
		p.Threshold = 5
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

// Retryable reports whether cause moves a call on under policy p. Plain
// "user busy" only does when the carrier reports congestion as busy.
func Retryable(p models.FailoverPolicy, cause Cause) bool {
	if cause == UserBusy && p.BusyIsCongestion {
		return true
	}
	if len(p.Causes) == 0 {
		for _, c := range DefaultFailoverCauses {
			if c == cause {
				return true
			}
		}
		return false
	}
	for _, c := range p.Causes {
		if Cause(c) == cause {
			return true
		}
	}
	return false
}

func (c *Coordinator) breaker(carrierID int64) *gobreaker.TwoStepCircuitBreaker {
	p := c.policy(carrierID)

	c.bmu.Lock()
	defer c.bmu.Unlock()
	if b, ok := c.breakers[carrierID]; ok && b.policy.Threshold == p.Threshold && b.policy.Window == p.Window {
		return b.cb
	}

	threshold := uint32(p.Threshold)
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("carrier-%d", carrierID),
		MaxRequests: 1,
		Interval:    p.Window,
		Timeout:     p.Window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("carrier breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[carrierID] = &breaker{cb: cb, policy: p}
	return cb
}

// Tripped reports whether a carrier is currently skipped.
func (c *Coordinator) Tripped(carrierID int64) bool {
	return c.breaker(carrierID).State() == gobreaker.StateOpen
}

func (c *Coordinator) report(carrierID int64, ok bool) {
	done, err := c.breaker(carrierID).Allow()
	if err != nil {
		return
	}
	done(ok)
}

// Next handles the end of attempt (1-based rank into routes) with cause. A
// cause the carrier lists as failover-class advances to the next route whose
// carrier is not tripped; anything else stops the call. Running out of routes
// is terminal.
func (c *Coordinator) Next(routes []models.ResolvedRoute, attempt int, cause Cause) Decision {
	if attempt < 1 || attempt > len(routes) {
		return c.decide(Decision{Action: ActionExhausted, Cause: cause})
	}
	cur := routes[attempt-1]
	retry := Retryable(c.policy(cur.CarrierID), cause)

	c.report(cur.CarrierID, !retry)
	if c.outcomes != nil {
		c.outcomes.Record(cur.GatewayID, health.Outcome{At: c.now(), Failed: retry})
	}

	if !retry {
		return c.decide(Decision{Action: ActionStop, Cause: cause})
	}

	d := Decision{Action: ActionExhausted, Cause: cause}
	for i := attempt; i < len(routes); i++ {
		if c.Tripped(routes[i].CarrierID) {
			d.Skipped = append(d.Skipped, routes[i].RouteID)
			continue
		}
		next := routes[i]
		d.Action, d.Attempt, d.Route = ActionAdvance, i+1, &next
		break
	}
	return c.decide(d)
}

func (c *Coordinator) decide(d Decision) Decision {
	c.metrics.FailoverDecision(string(d.Action), int(d.Cause))
	c.logger.Debug("failover decision",
		zap.String("action", string(d.Action)),
		zap.String("cause", d.Cause.String()),
		zap.Int("next_attempt", d.Attempt))
	return d
}

// Answered records a connected attempt.
func (c *Coordinator) Answered(route models.ResolvedRoute, pdd time.Duration) {
	c.report(route.CarrierID, true)
	if c.outcomes != nil {
		c.outcomes.Record(route.GatewayID, health.Outcome{At: c.now(), Answered: true, PostDialDelay: pdd})
	}
}

// Begin opens the call record for a resolved call.
func (c *Coordinator) Begin(ctx context.Context, callID, org string, res *models.Resolution) (*Session, error) {
	if callID == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "call id is required")
	}
	s := &Session{
		CallID:         callID,
		OrganizationID: org,
		Destination:    res.NormalizedDestination,
		ProfileID:      res.Metadata.ProfileID,
		Routes:         append([]models.ResolvedRoute(nil), res.Routes...),
		Outcome:        OutcomeInProgress,
		StartedAt:      c.now(),
	}

	c.mu.Lock()
	c.sessions[callID] = s
	snapshot := s.clone()
	c.mu.Unlock()

	c.save(ctx, snapshot)
	return snapshot, nil
}

// Fail records a failed attempt of callID and decides what happens next.
func (c *Coordinator) Fail(ctx context.Context, callID string, attempt int, cause Cause) (Decision, error) {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return Decision{}, apperrors.NotFound(apperrors.CodeRouteNotFound, fmt.Sprintf("no active call %s", callID))
	}
	if s.Outcome != OutcomeInProgress {
		c.mu.Unlock()
		return Decision{}, apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("call %s already finished", callID))
	}
	routes := s.Routes
	c.mu.Unlock()

	d := c.Next(routes, attempt, cause)

	c.mu.Lock()
	if attempt >= 1 && attempt <= len(routes) {
		s.Attempts = append(s.Attempts, newAttempt(routes[attempt-1], c.now(), cause, false, 0))
	}
	switch d.Action {
	case ActionStop:
		s.finish(OutcomeStopped, cause, c.now())
	case ActionExhausted:
		s.finish(OutcomeExhausted, cause, c.now())
	}
	snapshot := s.clone()
	if s.Outcome != OutcomeInProgress {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()

	c.save(ctx, snapshot)
	return d, nil
}

// Answer closes callID as connected on attempt.
func (c *Coordinator) Answer(ctx context.Context, callID string, attempt int, pdd time.Duration) error {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound(apperrors.CodeRouteNotFound, fmt.Sprintf("no active call %s", callID))
	}
	if attempt < 1 || attempt > len(s.Routes) {
		c.mu.Unlock()
		return apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("attempt %d out of range", attempt))
	}
	route := s.Routes[attempt-1]
	s.Attempts = append(s.Attempts, newAttempt(route, c.now(), NormalClearing, true, pdd))
	s.finish(OutcomeAnswered, NormalClearing, c.now())
	snapshot := s.clone()
	delete(c.sessions, callID)
	c.mu.Unlock()

	c.Answered(route, pdd)
	c.save(ctx, snapshot)
	return nil
}

// Session returns a copy of an active call record.
func (c *Coordinator) Session(callID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Sweep closes calls that have been in progress longer than maxAge, for
// channels that hung up without reporting back.
func (c *Coordinator) Sweep(ctx context.Context, maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var stale []*Session
	for id, s := range c.sessions {
		if s.StartedAt.Before(cutoff) {
			s.finish(OutcomeAbandoned, 0, c.now())
			stale = append(stale, s.clone())
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.save(ctx, s)
	}
	if len(stale) > 0 {
		c.logger.Info("abandoned stale calls", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, maxAge)
		}
	}
}

func (c *Coordinator) save(ctx context.Context, s *Session) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveCall(ctx, s); err != nil {
		c.logger.Error("save call record", zap.String("call_id", s.CallID), zap.Error(err))
	}
}
