// Package router resolves a destination into an ordered dial sequence.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/loadbalancer"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/numbering"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/retry"
)

// ConfigSource serves configuration snapshots. Current must not block.
type ConfigSource interface {
	Current() *carrier.Snapshot
	Load(ctx context.Context) error
}

// HealthSource returns the last published health of a gateway without
// blocking.
type HealthSource interface {
	Status(gatewayID int64) models.HealthStatus
}

// CapacityReader reports channels in use on a gateway. The counters belong to
// an external admission system and may lag.
type CapacityReader interface {
	CurrentChannels(gw *models.Gateway) int
}

// snapshotCapacity reads the counter stored with the gateway.
type snapshotCapacity struct{}

func (snapshotCapacity) CurrentChannels(gw *models.Gateway) int { return gw.CurrentChannels }

type Options struct {
	MaxRoutesDefault int
	MaxRoutesLimit   int
	StoreTimeout     time.Duration
	StoreRetries     int
	SnapshotMaxAge   time.Duration
	QualityBand      int
}

func DefaultOptions() Options {
	return Options{
		MaxRoutesDefault: 5,
		MaxRoutesLimit:   10,
		StoreTimeout:     200 * time.Millisecond,
		StoreRetries:     2,
		SnapshotMaxAge:   5 * time.Minute,
		QualityBand:      5,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	opts     Options
	config   ConfigSource
	health   HealthSource
	capacity CapacityReader
	cache    *cache.RouteCache
	lb       *loadbalancer.LoadBalancer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	// seen holds, per organization, the cache generation the current
	// snapshot was loaded under. An invalidation moves the generation and
	// forces the next lookup to reload.
	seen    sync.Map
	reloads singleflight.Group
}

func NewEngine(opts Options, config ConfigSource, health HealthSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MaxRoutesLimit <= 0 {
		opts.MaxRoutesLimit = def.MaxRoutesLimit
	}
	if opts.MaxRoutesDefault <= 0 || opts.MaxRoutesDefault > opts.MaxRoutesLimit {
		opts.MaxRoutesDefault = min(def.MaxRoutesDefault, opts.MaxRoutesLimit)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.SnapshotMaxAge <= 0 {
		opts.SnapshotMaxAge = def.SnapshotMaxAge
	}
	return &Engine{
		opts:     opts,
		config:   config,
		health:   health,
		capacity: snapshotCapacity{},
		lb:       loadbalancer.New(opts.QualityBand),
		logger:   logger.Named("router"),
		now:      time.Now,
	}
}

func (e *Engine) WithCache(c *cache.RouteCache) *Engine {
	e.cache = c
	return e
}

func (e *Engine) WithCapacity(c CapacityReader) *Engine {
	e.capacity = c
	return e
}

func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Resolve returns the ordered routes for one call.
func (e *Engine) Resolve(ctx context.Context, req models.RouteRequest) (*models.Resolution, error) {
	start := e.now()
	res, strategy, err := e.resolve(ctx, req)

	result := "ok"
	if err != nil {
		result = "error"
		if app, ok := apperrors.As(err); ok {
			result = string(app.Type)
		}
	}
	hit := res != nil && res.Metadata.CacheHit
	e.metrics.ObserveLookup(result, string(strategy), hit, e.now().Sub(start))

	if err != nil {
		e.logger.Debug("lookup failed",
			zap.String("org", req.OrganizationID),
			zap.String("destination", req.Destination),
			zap.Error(err))
		return nil, err
	}
	res.Metadata.LookupTimeMs = e.now().Sub(start).Milliseconds()
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, req models.RouteRequest) (*models.Resolution, models.RoutingStrategy, error) {
	org := strings.TrimSpace(req.OrganizationID)
	if org == "" {
		return nil, "", apperrors.Validation(apperrors.CodeInvalidOrganization, "organizationId is required")
	}
	num, err := numbering.Normalize(req.Destination)
	if err != nil {
		return nil, "", err
	}
	opts, err := e.options(req.Options)
	if err != nil {
		return nil, "", err
	}

	var gen uint64
	cached, force := false, false
	if e.cache != nil {
		g, err := e.cache.Generation(ctx, org)
		if err != nil {
			e.logger.Warn("cache generation unavailable, bypassing cache", zap.String("org", org), zap.Error(err))
		} else {
			gen, cached = g, true
			force = g != e.seenGeneration(org)
		}
	}

	snap, fresh, err := e.snapshot(ctx, org, gen, force)
	if err != nil {
		return nil, "", err
	}
	if force && fresh {
		e.seen.Store(org, gen)
	}
	profile, ok := snap.ProfileFor(org)
	if !ok {
		return nil, "", apperrors.NotFound(apperrors.CodeNoRoutesFound,
			fmt.Sprintf("no enabled routing profile for organization %s", org))
	}

	var key string
	if cached {
		key = cache.Key(org, num.Digits, profile.ID, profile.Strategy, opts)
		if res, ok := e.cache.Get(ctx, key); ok {
			if e.stillEligible(snap, profile, res, opts) {
				res.Destination = req.Destination
				res.Metadata.CacheHit = true
				return res, profile.Strategy, nil
			}
			e.logger.Debug("cached routes no longer eligible",
				zap.String("org", org),
				zap.String("digits", num.Digits))
		}
	}

	cands := e.candidates(snap, profile, num.Digits, opts)
	if len(cands) == 0 {
		return nil, profile.Strategy, apperrors.NotFound(apperrors.CodeNoRoutesFound,
			fmt.Sprintf("no route available for %s", num.E164))
	}

	e.lb.Order(org, profile.Strategy, cands)
	loadbalancer.PreferCarriers(cands, opts.PreferredCarriers)

	limit := opts.MaxRoutes
	if profile.MaxRetries > 0 && profile.MaxRetries+1 < limit {
		limit = profile.MaxRetries + 1
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}

	res := &models.Resolution{
		Destination:           req.Destination,
		NormalizedDestination: num.E164,
		CountryCode:           num.CountryCode,
		Routes:                make([]models.ResolvedRoute, len(cands)),
		Metadata: models.ResolutionMetadata{
			ProfileID:       profile.ID,
			RoutingStrategy: profile.Strategy,
		},
	}
	for i := range cands {
		res.Routes[i] = e.build(i+1, &cands[i], num.Digits, opts.IncludeRates)
	}

	// Routes picked from a fallback snapshot are served but not cached.
	if cached && fresh {
		e.cache.Set(ctx, key, org, num.Digits, res, gen)
	}
	return res, profile.Strategy, nil
}

func (e *Engine) options(o models.RouteOptions) (models.RouteOptions, error) {
	switch {
	case o.MaxRoutes == 0:
		o.MaxRoutes = e.opts.MaxRoutesDefault
	case o.MaxRoutes < 0 || o.MaxRoutes > e.opts.MaxRoutesLimit:
		return o, apperrors.Validation(apperrors.CodeInvalidRequest,
			fmt.Sprintf("maxRoutes must be between 1 and %d", e.opts.MaxRoutesLimit))
	}
	if o.MinQualityScore < 0 || o.MinQualityScore > 100 {
		return o, apperrors.Validation(apperrors.CodeInvalidRequest, "minQualityScore must be between 0 and 100")
	}
	return o, nil
}

func (e *Engine) seenGeneration(org string) uint64 {
	if v, ok := e.seen.Load(org); ok {
		return v.(uint64)
	}
	return 0
}

// snapshot returns a configuration snapshot no older than SnapshotMaxAge when
// the store can be reached. force reloads regardless of age; concurrent forced
// reloads for the same organization and generation share one load. If the
// store cannot be reached, the last loaded snapshot is used, the fallback is
// counted and fresh is false; with no snapshot at all the lookup fails.
func (e *Engine) snapshot(ctx context.Context, org string, gen uint64, force bool) (snap *carrier.Snapshot, fresh bool, err error) {
	cur := e.config.Current()
	if !force && cur != nil && e.now().Sub(cur.LoadedAt) < e.opts.SnapshotMaxAge {
		return cur, true, nil
	}

	key := "age"
	if force {
		key = org + "@" + strconv.FormatUint(gen, 10)
	}
	_, err, _ = e.reloads.Do(key, func() (interface{}, error) {
		return nil, e.load(ctx)
	})
	if err == nil {
		if s := e.config.Current(); s != nil {
			return s, true, nil
		}
	}

	if cur != nil {
		e.metrics.StoreFallback()
		e.logger.Warn("config store unreachable, using last snapshot",
			zap.Time("loaded_at", cur.LoadedAt),
			zap.Error(err))
		return cur, false, nil
	}
	return nil, false, apperrors.Unavailable("configuration store unavailable", 5*time.Second, err)
}

func (e *Engine) load(ctx context.Context) error {
	cfg := retry.Config{
		MaxAttempts:  e.opts.StoreRetries + 1,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Factor:       2,
		Retryable:    apperrors.Retryable,
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		lctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		defer cancel()
		if err := e.config.Load(lctx); err != nil {
			if apperrors.IsType(err, apperrors.TypeValidation) {
				return err
			}
			return apperrors.Transient("config store", err)
		}
		return nil
	})
}

// candidates keeps, per carrier and gateway, only the longest enabled prefix
// matching digits, then drops what cannot take the call.
func (e *Engine) candidates(snap *carrier.Snapshot, profile *models.Profile, digits string, opts models.RouteOptions) []loadbalancer.Candidate {
	type pair struct{ carrier, gateway int64 }
	best := make(map[pair]*models.Route)
	var order []pair
	for _, r := range snap.Routes(profile.ID) {
		if !r.Enabled || r.Prefix == "" || !strings.HasPrefix(digits, r.Prefix) {
			continue
		}
		k := pair{r.CarrierID, r.GatewayID}
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || len(r.Prefix) > len(cur.Prefix) {
			best[k] = r
		}
	}

	f := e.newFilter(profile, opts)
	out := make([]loadbalancer.Candidate, 0, len(order))
	for _, k := range order {
		if c, ok := f.admit(snap, best[k]); ok {
			out = append(out, c)
		}
	}
	return out
}

// stillEligible reports whether every cached route could be picked again from
// snap right now. A cached list is served whole or not at all.
func (e *Engine) stillEligible(snap *carrier.Snapshot, profile *models.Profile, res *models.Resolution, opts models.RouteOptions) bool {
	byID := make(map[int64]*models.Route)
	for _, r := range snap.Routes(profile.ID) {
		byID[r.ID] = r
	}
	f := e.newFilter(profile, opts)
	for _, rr := range res.Routes {
		r, ok := byID[rr.RouteID]
		if !ok || !r.Enabled || r.Prefix != rr.Prefix || r.CarrierID != rr.CarrierID || r.GatewayID != rr.GatewayID {
			return false
		}
		if _, ok := f.admit(snap, r); !ok {
			return false
		}
	}
	return true
}

// filter drops routes that cannot take a call at now.
type filter struct {
	e           *Engine
	excluded    map[int64]bool
	minQuality  float64
	now         time.Time
	carrierLoad map[int64]int
}

func (e *Engine) newFilter(profile *models.Profile, opts models.RouteOptions) *filter {
	f := &filter{
		e:           e,
		excluded:    make(map[int64]bool, len(opts.ExcludeCarriers)),
		minQuality:  opts.MinQualityScore,
		now:         e.now().UTC(),
		carrierLoad: make(map[int64]int),
	}
	for _, id := range opts.ExcludeCarriers {
		f.excluded[id] = true
	}
	if profile.QualityThreshold > f.minQuality {
		f.minQuality = profile.QualityThreshold
	}
	return f
}

func (f *filter) admit(snap *carrier.Snapshot, r *models.Route) (loadbalancer.Candidate, bool) {
	c, gw := snap.Carriers[r.CarrierID], snap.Gateways[r.GatewayID]
	switch {
	case c == nil || !c.Enabled || f.excluded[c.ID]:
		return loadbalancer.Candidate{}, false
	case gw == nil || gw.CarrierID != c.ID || !gw.Status.Routable():
		return loadbalancer.Candidate{}, false
	case !openAt(r.Constraints.TimeWindows, f.now):
		return loadbalancer.Candidate{}, false
	}

	h := f.e.health.Status(gw.ID)
	if h.Bucket == models.HealthUnhealthy || float64(h.Score) < f.minQuality {
		return loadbalancer.Candidate{}, false
	}
	if remaining(gw.MaxChannels, f.e.capacity.CurrentChannels(gw)) == 0 {
		return loadbalancer.Candidate{}, false
	}
	if c.MaxChannels > 0 {
		used, ok := f.carrierLoad[c.ID]
		if !ok {
			used = f.e.carrierChannels(snap, c.ID)
			f.carrierLoad[c.ID] = used
		}
		if used >= c.MaxChannels {
			return loadbalancer.Candidate{}, false
		}
	}
	return loadbalancer.Candidate{Route: r, Gateway: gw, Carrier: c, Health: h}, true
}

func (e *Engine) carrierChannels(snap *carrier.Snapshot, carrierID int64) int {
	n := 0
	for _, gw := range snap.Gateways {
		if gw.CarrierID == carrierID {
			n += e.capacity.CurrentChannels(gw)
		}
	}
	return n
}

// remaining returns free channels, -1 for unlimited.
func remaining(limit, current int) int {
	if limit <= 0 {
		return -1
	}
	if current >= limit {
		return 0
	}
	return limit - current
}

// openAt reports whether t falls in any window. No windows means always open.
func openAt(windows []models.TimeWindow, t time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	for _, w := range windows {
		start, err1 := clock(w.Start)
		end, err2 := clock(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		day := t.Weekday()
		inside := false
		switch {
		case start <= end:
			inside = minute >= start && minute < end
		case minute >= start:
			inside = true
		case minute < end:
			// After midnight the window started the previous day.
			inside = true
			day = (day + 6) % 7
		}
		if inside && dayAllowed(w.Days, day) {
			return true
		}
	}
	return false
}

func clock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dayAllowed(days []time.Weekday, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func (e *Engine) build(rank int, c *loadbalancer.Candidate, digits string, includeRates bool) models.ResolvedRoute {
	gw := c.Gateway
	current := e.capacity.CurrentChannels(gw)
	out := models.ResolvedRoute{
		Rank:        rank,
		RouteID:     c.Route.ID,
		CarrierID:   c.Carrier.ID,
		CarrierCode: c.Carrier.Code,
		GatewayID:   gw.ID,
		DialString:  DialString(gw, digits),
		Prefix:      c.Route.Prefix,
		Quality: &models.QualityInfo{
			Score:         c.Health.Score,
			ASR:           c.Health.Metrics.ASR,
			PostDialDelay: c.Health.Metrics.PostDialDelay.Milliseconds(),
		},
		Availability: &models.Availability{
			Status:            gw.Status,
			MaxChannels:       gw.MaxChannels,
			CurrentChannels:   current,
			RemainingChannels: remaining(gw.MaxChannels, current),
		},
	}
	if includeRates {
		out.Rate = &models.RateInfo{
			PerMinute:        c.Route.RatePerMinute,
			ConnectionFee:    c.Route.ConnectionFee,
			Currency:         c.Route.Currency,
			BillingIncrement: c.Route.BillingIncrement,
		}
	}
	if rc := c.Route.Constraints; rc.MaxDuration > 0 || len(rc.TimeWindows) > 0 {
		out.Constraints = &rc
	}
	return out
}

// DialString is the channel the dialplan dials: the gateway's tech prefix and
// the destination digits through its PJSIP endpoint.
func DialString(gw *models.Gateway, digits string) string {
	return "PJSIP/" + gw.TechPrefix + digits + "@" + gw.Endpoint()
}
