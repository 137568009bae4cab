package failover

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/db"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Outcome is the state of a call record.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeAnswered   Outcome = "answered"
	OutcomeStopped    Outcome = "stopped"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeAbandoned  Outcome = "abandoned"
)

// Attempt is one dial through one route.
type Attempt struct {
	Rank          int       `json:"rank"`
	RouteID       int64     `json:"routeId"`
	CarrierID     int64     `json:"carrierId"`
	GatewayID     int64     `json:"gatewayId"`
	DialString    string    `json:"dialString"`
	Cause         Cause     `json:"cause"`
	Answered      bool      `json:"answered"`
	PostDialDelay int64     `json:"pddMs,omitempty"`
	At            time.Time `json:"at"`
}

func newAttempt(r models.ResolvedRoute, at time.Time, cause Cause, answered bool, pdd time.Duration) Attempt {
	return Attempt{
		Rank:          r.Rank,
		RouteID:       r.RouteID,
		CarrierID:     r.CarrierID,
		GatewayID:     r.GatewayID,
		DialString:    r.DialString,
		Cause:         cause,
		Answered:      answered,
		PostDialDelay: pdd.Milliseconds(),
		At:            at,
	}
}

// Session is the single record kept for a call across all its attempts.
type Session struct {
	CallID         string                 `json:"callId"`
	OrganizationID string                 `json:"organizationId"`
	Destination    string                 `json:"destination"`
	ProfileID      int64                  `json:"profileId"`
	Routes         []models.ResolvedRoute `json:"routes"`
	Attempts       []Attempt              `json:"attempts"`
	Outcome        Outcome                `json:"outcome"`
	FinalCause     Cause                  `json:"finalCause"`
	StartedAt      time.Time              `json:"startedAt"`
	EndedAt        *time.Time             `json:"endedAt,omitempty"`
}

func (s *Session) finish(o Outcome, cause Cause, at time.Time) {
	s.Outcome = o
	s.FinalCause = cause
	s.EndedAt = &at
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Routes = append([]models.ResolvedRoute(nil), s.Routes...)
	cp.Attempts = append([]Attempt(nil), s.Attempts...)
	return &cp
}

// Recorder persists call records. SaveCall is called on every change and
// must upsert by call id.
type Recorder interface {
	SaveCall(ctx context.Context, s *Session) error
}

// SQLRecorder writes call records to the call_records table.
type SQLRecorder struct {
	db *db.DB
}

func NewSQLRecorder(store *db.DB) *SQLRecorder {
	return &SQLRecorder{db: store}
}

func (r *SQLRecorder) SaveCall(ctx context.Context, s *Session) error {
	attempts, err := json.Marshal(s.Attempts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO call_records (call_id, organization_id, destination, profile_id, attempts,
		                          outcome, final_cause, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			attempts = excluded.attempts,
			outcome = excluded.outcome,
			final_cause = excluded.final_cause,
			ended_at = excluded.ended_at`
	if r.db.Driver == "mysql" {
		query = `
		INSERT INTO call_records (call_id, organization_id, destination, profile_id, attempts,
		                          outcome, final_cause, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			attempts = VALUES(attempts),
			outcome = VALUES(outcome),
			final_cause = VALUES(final_cause),
			ended_at = VALUES(ended_at)`
	}

	var ended any
	if s.EndedAt != nil {
		ended = s.EndedAt.UTC()
	}
	_, err = r.db.ExecContext(ctx, query,
		s.CallID, s.OrganizationID, s.Destination, s.ProfileID, string(attempts),
		string(s.Outcome), int(s.FinalCause), s.StartedAt.UTC(), ended)
	return err
}
