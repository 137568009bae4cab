// Package notify delivers change notifications to webhooks and brokers.
// Delivery is at-least-once; consumers dedupe by event id.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

const (
	EventRouteChanged         = "lcr.route.changed"
	EventGatewayStatusChanged = "lcr.gateway.status_changed"
)

// Event is the envelope every sink receives.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Data           any       `json:"data"`
}

func NewEvent(typ, org string, data any) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		OccurredAt:     time.Now().UTC(),
		OrganizationID: org,
		Data:           data,
	}
}

// RouteChange is the payload of lcr.route.changed.
type RouteChange struct {
	Action string        `json:"action"` // created, deleted
	Route  *models.Route `json:"route"`
}

// GatewayStatusChange is the payload of lcr.gateway.status_changed.
type GatewayStatusChange struct {
	GatewayID     int64                `json:"gatewayId"`
	GatewayName   string               `json:"gatewayName"`
	CarrierID     int64                `json:"carrierId"`
	Previous      models.HealthBucket  `json:"previousStatus"`
	Current       models.HealthBucket  `json:"currentStatus"`
	GatewayStatus models.GatewayStatus `json:"gatewayStatus"`
	Score         int                  `json:"score"`
	Metrics       models.HealthMetrics `json:"metrics"`
	Probes        int                  `json:"consecutiveProbes"`
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Publisher fans an event out to every sink.
type Publisher struct {
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPublisher(logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{sinks: sinks, logger: logger.Named("notify"), metrics: m}
}

// Publish sends e to all sinks and joins their errors. A failing sink does not
// stop delivery to the others.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, s := range p.sinks {
		err := s.Send(ctx, e)
		p.metrics.Notification(s.Name(), err)
		if err != nil {
			p.logger.Warn("notification failed",
				zap.String("sink", s.Name()),
				zap.String("event", e.Type),
				zap.String("event_id", e.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		p.logger.Debug("notification sent",
			zap.String("sink", s.Name()),
			zap.String("event", e.Type),
			zap.String("event_id", e.ID))
	}
	return errors.Join(errs...)
}

func (p *Publisher) RouteChanged(ctx context.Context, org, action string, r *models.Route) error {
	return p.Publish(ctx, NewEvent(EventRouteChanged, org, RouteChange{Action: action, Route: r}))
}

func (p *Publisher) GatewayStatusChanged(ctx context.Context, c GatewayStatusChange) error {
	return p.Publish(ctx, NewEvent(EventGatewayStatusChanged, "", c))
}

// Close releases sinks holding connections.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, s := range p.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
