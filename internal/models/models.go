package models

import (
	"time"
)

// GatewayStatus is the operational state of a carrier gateway.
type GatewayStatus string

const (
	GatewayActive      GatewayStatus = "active"
	GatewayDegraded    GatewayStatus = "degraded"
	GatewayMaintenance GatewayStatus = "maintenance"
	GatewayFailed      GatewayStatus = "failed"
	GatewayDisabled    GatewayStatus = "disabled"
)

// Valid reports whether s is a known gateway status.
func (s GatewayStatus) Valid() bool {
	switch s {
	case GatewayActive, GatewayDegraded, GatewayMaintenance, GatewayFailed, GatewayDisabled:
		return true
	}
	return false
}

// Routable reports whether a gateway in this status may be offered for a call.
// Maintenance is treated like disabled: an operator took it out of rotation.
func (s GatewayStatus) Routable() bool {
	return s == GatewayActive || s == GatewayDegraded
}

// AdminHeld reports whether the status was set by an operator and must not be
// overwritten by the health monitor.
func (s GatewayStatus) AdminHeld() bool {
	return s == GatewayMaintenance || s == GatewayDisabled
}

// RoutingStrategy selects how candidate routes are ranked.
type RoutingStrategy string

const (
	StrategyLowestCost     RoutingStrategy = "lowest_cost"
	StrategyHighestQuality RoutingStrategy = "highest_quality"
	StrategyPriority       RoutingStrategy = "priority"
	StrategyRoundRobin     RoutingStrategy = "round_robin"
	StrategyWeighted       RoutingStrategy = "weighted"
)

// Strategies lists every supported strategy.
var Strategies = []RoutingStrategy{
	StrategyLowestCost,
	StrategyHighestQuality,
	StrategyPriority,
	StrategyRoundRobin,
	StrategyWeighted,
}

func (s RoutingStrategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// Carrier is an upstream telephony provider owning one or more gateways.
type Carrier struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Code        string         `json:"code"`
	Enabled     bool           `json:"enabled"`
	CLIOverride bool           `json:"cli_override"`
	Fax         bool           `json:"fax"`
	SMS         bool           `json:"sms"`
	MaxChannels int            `json:"max_channels"` // 0 = unlimited
	Failover    FailoverPolicy `json:"failover"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// FailoverPolicy controls how call failures on a carrier are treated.
type FailoverPolicy struct {
	// Threshold consecutive failover-class failures trip the carrier for Window.
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	// Causes are Q.850 cause codes that advance to the next route. Empty means
	// the coordinator's default set.
	Causes []int `json:"causes,omitempty"`
	// BusyIsCongestion marks plain "user busy" from this carrier as carrier-level
	// congestion, making it retryable.
	BusyIsCongestion bool `json:"busy_is_congestion"`
}

// Gateway is a signaling endpoint of a carrier.
type Gateway struct {
	ID              int64         `json:"id"`
	CarrierID       int64         `json:"carrier_id"`
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Transport       string        `json:"transport"` // udp, tcp, tls
	TechPrefix      string        `json:"tech_prefix,omitempty"`
	Codecs          []string      `json:"codecs"`
	MaxChannels     int           `json:"max_channels"` // 0 = unlimited
	CurrentChannels int           `json:"current_channels"`
	Status          GatewayStatus `json:"status"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Endpoint returns the PJSIP endpoint name the dialplan dials through.
func (g *Gateway) Endpoint() string {
	return "endpoint-" + g.Name
}

// TimeWindow restricts a route to part of the week. Start and End are "15:04"
// in UTC; an End before Start wraps past midnight. Empty Days means every day.
type TimeWindow struct {
	Days  []time.Weekday `json:"days,omitempty"`
	Start string         `json:"start"`
	End   string         `json:"end"`
}

// RouteConstraints are optional per-route limits.
type RouteConstraints struct {
	MaxDuration int          `json:"max_duration,omitempty"` // seconds
	TimeWindows []TimeWindow `json:"time_windows,omitempty"`
}

// Route binds a destination prefix to a carrier gateway under a profile.
type Route struct {
	ID               int64            `json:"id"`
	ProfileID        int64            `json:"profile_id"`
	CarrierID        int64            `json:"carrier_id"`
	GatewayID        int64            `json:"gateway_id"`
	Prefix           string           `json:"prefix"`
	Priority         int              `json:"priority"`
	Weight           int              `json:"weight"`
	RatePerMinute    float64          `json:"rate_per_minute"`
	ConnectionFee    float64          `json:"connection_fee"`
	Currency         string           `json:"currency"`
	BillingIncrement int              `json:"billing_increment"`
	Enabled          bool             `json:"enabled"`
	Constraints      RouteConstraints `json:"constraints"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Profile is an organization-scoped routing policy.
type Profile struct {
	ID                int64           `json:"id"`
	OrganizationID    string          `json:"organization_id"`
	Name              string          `json:"name"`
	Strategy          RoutingStrategy `json:"routing_strategy"`
	QualityThreshold  float64         `json:"quality_threshold"`
	MaxRetries        int             `json:"max_retries"`
	Enabled           bool            `json:"enabled"`
	SelectionPriority int             `json:"selection_priority"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// HealthBucket is the coarse health class derived from a score.
type HealthBucket string

const (
	HealthHealthy   HealthBucket = "healthy"
	HealthDegraded  HealthBucket = "degraded"
	HealthUnhealthy HealthBucket = "unhealthy"
)

// GatewayStatus maps a bucket onto the persisted gateway status.
func (b HealthBucket) GatewayStatus() GatewayStatus {
	switch b {
	case HealthHealthy:
		return GatewayActive
	case HealthDegraded:
		return GatewayDegraded
	default:
		return GatewayFailed
	}
}

// HealthMetrics are the inputs that produced a health score.
type HealthMetrics struct {
	ProbeLatency  time.Duration `json:"probe_latency"`
	ProbeOK       bool          `json:"probe_ok"`
	ASR           float64       `json:"asr"`          // 0-100
	FailureRate   float64       `json:"failure_rate"` // 0-100
	Utilization   float64       `json:"utilization"`  // 0-100
	PostDialDelay time.Duration `json:"post_dial_delay"`
	Samples       int           `json:"samples"`
}

// HealthStatus is the derived, non-persisted health of one gateway.
type HealthStatus struct {
	GatewayID  int64         `json:"gateway_id"`
	Score      int           `json:"score"`
	Bucket     HealthBucket  `json:"status"`
	Metrics    HealthMetrics `json:"metrics"`
	ComputedAt time.Time     `json:"computed_at"`
}

// RouteRequest is one lookup for an outbound call.
type RouteRequest struct {
	Destination    string       `json:"destination"`
	OrganizationID string       `json:"organizationId"`
	UserID         string       `json:"userId,omitempty"`
	CallType       string       `json:"callType,omitempty"`
	Options        RouteOptions `json:"options"`
}

// RouteOptions tune a lookup.
type RouteOptions struct {
	MaxRoutes         int     `json:"maxRoutes"`
	IncludeRates      bool    `json:"includeRates"`
	PreferredCarriers []int64 `json:"preferredCarriers,omitempty"`
	ExcludeCarriers   []int64 `json:"excludeCarriers,omitempty"`
	MinQualityScore   float64 `json:"minQualityScore"`
}

// RateInfo is attached to a resolved route when rates are requested.
type RateInfo struct {
	PerMinute        float64 `json:"perMinute"`
	ConnectionFee    float64 `json:"connectionFee"`
	Currency         string  `json:"currency"`
	BillingIncrement int     `json:"billingIncrement"`
}

// QualityInfo is the gateway health seen at resolution time.
type QualityInfo struct {
	Score         int     `json:"score"`
	ASR           float64 `json:"asr"`
	PostDialDelay int64   `json:"pddMs"`
}

// Availability describes remaining gateway capacity.
type Availability struct {
	Status            GatewayStatus `json:"status"`
	MaxChannels       int           `json:"maxChannels"`
	CurrentChannels   int           `json:"currentChannels"`
	RemainingChannels int           `json:"remainingChannels"` // -1 = unlimited
}

// ResolvedRoute is one entry of the dial sequence.
type ResolvedRoute struct {
	Rank         int               `json:"rank"`
	RouteID      int64             `json:"routeId"`
	CarrierID    int64             `json:"carrierId"`
	CarrierCode  string            `json:"carrierCode"`
	GatewayID    int64             `json:"gatewayId"`
	DialString   string            `json:"dialString"`
	Prefix       string            `json:"prefix"`
	Rate         *RateInfo         `json:"rate,omitempty"`
	Quality      *QualityInfo      `json:"quality,omitempty"`
	Availability *Availability     `json:"availability,omitempty"`
	Constraints  *RouteConstraints `json:"constraints,omitempty"`
}

// ResolutionMetadata describes how a resolution was produced.
type ResolutionMetadata struct {
	CacheHit        bool            `json:"cacheHit"`
	LookupTimeMs    int64           `json:"lookupTimeMs"`
	ProfileID       int64           `json:"profileId"`
	RoutingStrategy RoutingStrategy `json:"routingStrategy"`
}

// Resolution is the result of a route lookup.
type Resolution struct {
	Destination           string             `json:"destination"`
	NormalizedDestination string             `json:"normalizedDestination"`
	CountryCode           string             `json:"countryCode"`
	Routes                []ResolvedRoute    `json:"routes"`
	Metadata              ResolutionMetadata `json:"metadata"`
}

// CarrierIDs returns the distinct carriers referenced by the resolution.
func (r *Resolution) CarrierIDs() []int64 {
	seen := make(map[int64]bool, len(r.Routes))
	var ids []int64
	for _, rt := range r.Routes {
		if !seen[rt.CarrierID] {
			seen[rt.CarrierID] = true
			ids = append(ids, rt.CarrierID)
		}
	}
	return ids
}
