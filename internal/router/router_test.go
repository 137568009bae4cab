package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/db"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

type fakeSource struct {
	snap    *carrier.Snapshot
	loadErr error
	loads   int
}

func (f *fakeSource) Current() *carrier.Snapshot { return f.snap }

func (f *fakeSource) Load(ctx context.Context) error {
	f.loads++
	return f.loadErr
}

type fakeHealth map[int64]models.HealthStatus

func (f fakeHealth) Status(id int64) models.HealthStatus {
	if st, ok := f[id]; ok {
		return st
	}
	return models.HealthStatus{GatewayID: id, Score: 70, Bucket: models.HealthHealthy}
}

// world builds a snapshot one carrier at a time. Each carrier gets a single
// gateway with the same id.
type world struct {
	carriers []*models.Carrier
	gateways []*models.Gateway
	profiles []*models.Profile
	routes   []*models.Route
}

func newWorld(strategy models.RoutingStrategy) *world {
	return &world{profiles: []*models.Profile{{
		ID: 1, OrganizationID: "org-1", Name: "default", Strategy: strategy, Enabled: true, UpdatedAt: t0,
	}}}
}

func (w *world) carrier(id int64) *models.Gateway {
	w.carriers = append(w.carriers, &models.Carrier{ID: id, Code: "c" + string(rune('0'+id)), Enabled: true})
	gw := &models.Gateway{ID: id, CarrierID: id, Name: "gw" + string(rune('0'+id)), Status: models.GatewayActive}
	w.gateways = append(w.gateways, gw)
	return gw
}

func (w *world) route(id, carrierID int64, prefix string, rate float64, priority int) *models.Route {
	r := &models.Route{
		ID: id, ProfileID: 1, CarrierID: carrierID, GatewayID: carrierID, Prefix: prefix,
		RatePerMinute: rate, Priority: priority, Weight: 1, Currency: "USD", BillingIncrement: 60, Enabled: true,
	}
	w.routes = append(w.routes, r)
	return r
}

func (w *world) source() *fakeSource {
	return &fakeSource{snap: carrier.NewSnapshot(w.carriers, w.gateways, w.profiles, w.routes, t0)}
}

func newEngine(src ConfigSource, health HealthSource) *Engine {
	if health == nil {
		health = fakeHealth{}
	}
	e := NewEngine(DefaultOptions(), src, health, nil)
	e.now = func() time.Time { return t0 }
	return e
}

func lookup(dest string, opts models.RouteOptions) models.RouteRequest {
	return models.RouteRequest{Destination: dest, OrganizationID: "org-1", Options: opts}
}

func routeIDs(res *models.Resolution) []int64 {
	ids := make([]int64, len(res.Routes))
	for i, r := range res.Routes {
		ids[i] = r.RouteID
	}
	return ids
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	app, ok := apperrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, code, app.Code)
}

func TestResolve_LongestPrefixPerGateway(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.route(1, 1, "44", 0.015, 1)
	w.route(2, 1, "4420", 0.0125, 1)

	res, err := newEngine(w.source(), nil).Resolve(context.Background(),
		lookup("+442012345678", models.RouteOptions{IncludeRates: true}))
	require.NoError(t, err)

	require.Len(t, res.Routes, 1)
	r := res.Routes[0]
	assert.Equal(t, 1, r.Rank)
	assert.Equal(t, int64(2), r.RouteID)
	assert.Equal(t, "4420", r.Prefix)
	require.NotNil(t, r.Rate)
	assert.Equal(t, 0.0125, r.Rate.PerMinute)
	assert.Equal(t, "+442012345678", res.NormalizedDestination)
	assert.Equal(t, "44", res.CountryCode)
	assert.Equal(t, models.StrategyLowestCost, res.Metadata.RoutingStrategy)
	assert.False(t, res.Metadata.CacheHit)
}

func TestResolve_LongerPrefixWinsUnderEveryStrategy(t *testing.T) {
	for _, strategy := range models.Strategies {
		t.Run(string(strategy), func(t *testing.T) {
			w := newWorld(strategy)
			w.carrier(1)
			w.carrier(2)
			short := w.route(1, 1, "44", 0.001, 1)
			short.Weight = 100
			w.route(2, 2, "4420", 0.05, 9)

			health := fakeHealth{
				1: {GatewayID: 1, Score: 100, Bucket: models.HealthHealthy},
				2: {GatewayID: 2, Score: 70, Bucket: models.HealthHealthy},
			}
			e := newEngine(w.source(), health)
			for i := 0; i < 3; i++ {
				res, err := e.Resolve(context.Background(), lookup("+442099999999", models.RouteOptions{}))
				require.NoError(t, err)
				assert.Equal(t, []int64{2, 1}, routeIDs(res))
			}
		})
	}
}

func TestResolve_LowestCostOrdering(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	rates := []float64{0.03, 0.01, 0.02, 0.01, 0.05}
	for i, rate := range rates {
		id := int64(i + 1)
		w.carrier(id)
		w.route(id, id, "1", rate, 5-i)
	}

	res, err := newEngine(w.source(), nil).Resolve(context.Background(),
		lookup("+12025550100", models.RouteOptions{MaxRoutes: 10, IncludeRates: true}))
	require.NoError(t, err)
	require.Len(t, res.Routes, 5)

	for i := 0; i+1 < len(res.Routes); i++ {
		assert.LessOrEqual(t, res.Routes[i].Rate.PerMinute, res.Routes[i+1].Rate.PerMinute)
		assert.True(t, strings.HasPrefix("12025550100", res.Routes[i].Prefix))
	}
	// Equal rates are ordered by priority: route 4 (priority 2) before route 2 (priority 4).
	assert.Equal(t, []int64{4, 2, 3, 1, 5}, routeIDs(res))
	for i, r := range res.Routes {
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestResolve_CacheHitAndInvalidate(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.route(1, 1, "44", 0.01, 1)

	rc := cache.New(cache.NewLocalBackend(time.Minute), time.Minute, nil, nil)
	e := newEngine(w.source(), nil).WithCache(rc)
	ctx := context.Background()
	req := lookup("+44 20 1234 5678", models.RouteOptions{})

	first, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Routes, second.Routes)

	_, err = rc.Invalidate(ctx, "org-1", cache.ScopeAll, "")
	require.NoError(t, err)

	third, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Metadata.CacheHit)
}

func TestResolve_InvalidateReloadsConfiguration(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer store.Close()
	m := carrier.NewManager(store, nil)

	c := &models.Carrier{Name: "Acme Telecom", Code: "acme", Enabled: true}
	require.NoError(t, m.CreateCarrier(ctx, c))
	gw := &models.Gateway{CarrierID: c.ID, Name: "acme-lon", Host: "10.0.0.1"}
	require.NoError(t, m.CreateGateway(ctx, gw))
	p := &models.Profile{OrganizationID: "org-1", Name: "default", Strategy: models.StrategyLowestCost, Enabled: true}
	require.NoError(t, m.CreateProfile(ctx, p))
	require.NoError(t, m.CreateRoute(ctx, &models.Route{
		ProfileID: p.ID, CarrierID: c.ID, GatewayID: gw.ID, Prefix: "44", RatePerMinute: 0.01, Enabled: true,
	}))

	rc := cache.New(cache.NewLocalBackend(time.Minute), time.Minute, nil, nil)
	e := NewEngine(DefaultOptions(), m, fakeHealth{}, nil).WithCache(rc)
	req := lookup("+442012345678", models.RouteOptions{IncludeRates: true})

	first, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Routes, 1)
	assert.Equal(t, "44", first.Routes[0].Prefix)

	// Written behind the manager's back, the way another admin process would.
	_, err = store.ExecContext(ctx, `UPDATE routes SET prefix = '4420', rate_per_minute = 0.02`)
	require.NoError(t, err)
	_, err = rc.Invalidate(ctx, "org-1", cache.ScopeAll, "")
	require.NoError(t, err)

	second, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Metadata.CacheHit)
	require.Len(t, second.Routes, 1)
	assert.Equal(t, "4420", second.Routes[0].Prefix)
	require.NotNil(t, second.Routes[0].Rate)
	assert.Equal(t, 0.02, second.Routes[0].Rate.PerMinute)

	third, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Metadata.CacheHit)
	assert.Equal(t, "4420", third.Routes[0].Prefix)
}

func TestResolve_CacheHitDropsUnhealthyGateway(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.carrier(2)
	w.route(1, 1, "44", 0.01, 1)
	w.route(2, 2, "44", 0.02, 1)
	health := fakeHealth{}

	rc := cache.New(cache.NewLocalBackend(time.Minute), time.Minute, nil, nil)
	e := newEngine(w.source(), health).WithCache(rc)
	ctx := context.Background()
	req := lookup("+442012345678", models.RouteOptions{})

	first, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, routeIDs(first))

	health[1] = models.HealthStatus{GatewayID: 1, Score: 20, Bucket: models.HealthUnhealthy}

	second, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Metadata.CacheHit)
	assert.Equal(t, []int64{2}, routeIDs(second))

	third, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Metadata.CacheHit)
	assert.Equal(t, []int64{2}, routeIDs(third))
}

func TestResolve_CacheHitDropsFailedGateway(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	failing := w.carrier(1)
	w.carrier(2)
	w.route(1, 1, "44", 0.01, 1)
	w.route(2, 2, "44", 0.02, 1)
	src := w.source()

	rc := cache.New(cache.NewLocalBackend(time.Minute), time.Minute, nil, nil)
	e := newEngine(src, nil).WithCache(rc)
	ctx := context.Background()
	req := lookup("+442012345678", models.RouteOptions{})

	_, err := e.Resolve(ctx, req)
	require.NoError(t, err)

	failing.Status = models.GatewayFailed
	src.snap = carrier.NewSnapshot(w.carriers, w.gateways, w.profiles, w.routes, t0)

	res, err := e.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Metadata.CacheHit)
	assert.Equal(t, []int64{2}, routeIDs(res))
}

func TestResolve_NoMatchingPrefix(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.route(1, 1, "33", 0.01, 1)

	_, err := newEngine(w.source(), nil).Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
	assert.True(t, apperrors.IsType(err, apperrors.TypeNotFound))
}

func TestResolve_AllGatewaysFailed(t *testing.T) {
	w := newWorld(models.StrategyPriority)
	w.carrier(1).Status = models.GatewayFailed
	w.carrier(2).Status = models.GatewayDisabled
	w.carrier(3).Status = models.GatewayMaintenance
	w.route(1, 1, "44", 0.01, 1)
	w.route(2, 2, "44", 0.01, 1)
	w.route(3, 3, "44", 0.01, 1)

	_, err := newEngine(w.source(), nil).Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
}

func TestResolve_ExcludeOnlyCarrier(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(7)
	w.route(1, 7, "44", 0.01, 1)

	_, err := newEngine(w.source(), nil).Resolve(context.Background(),
		lookup("+442012345678", models.RouteOptions{ExcludeCarriers: []int64{7}}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
}

func TestResolve_InvalidInput(t *testing.T) {
	e := newEngine(newWorld(models.StrategyLowestCost).source(), nil)
	ctx := context.Background()

	_, err := e.Resolve(ctx, lookup("12345", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeInvalidDestination)

	_, err = e.Resolve(ctx, models.RouteRequest{Destination: "+442012345678"})
	requireCode(t, err, apperrors.CodeInvalidOrganization)

	_, err = e.Resolve(ctx, lookup("+442012345678", models.RouteOptions{MaxRoutes: 11}))
	requireCode(t, err, apperrors.CodeInvalidRequest)
}

func TestResolve_UnknownOrganization(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.profiles[0].Enabled = false

	_, err := newEngine(w.source(), nil).Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
}

func TestResolve_HealthAndQualityFilters(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	for id := int64(1); id <= 3; id++ {
		w.carrier(id)
		w.route(id, id, "44", float64(id)/100, 1)
	}
	health := fakeHealth{
		1: {GatewayID: 1, Score: 30, Bucket: models.HealthUnhealthy},
		2: {GatewayID: 2, Score: 55, Bucket: models.HealthDegraded},
		3: {GatewayID: 3, Score: 90, Bucket: models.HealthHealthy},
	}
	e := newEngine(w.source(), health)
	ctx := context.Background()

	res, err := e.Resolve(ctx, lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, routeIDs(res))
	assert.Equal(t, 55, res.Routes[0].Quality.Score)

	res, err = e.Resolve(ctx, lookup("+442012345678", models.RouteOptions{MinQualityScore: 60}))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, routeIDs(res))

	w.profiles[0].QualityThreshold = 95
	_, err = newEngine(w.source(), health).Resolve(ctx, lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
}

func TestResolve_Capacity(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	full := w.carrier(1)
	full.MaxChannels, full.CurrentChannels = 10, 10
	open := w.carrier(2)
	open.MaxChannels, open.CurrentChannels = 10, 4
	w.carrier(3)
	w.carriers[2].MaxChannels = 5
	w.gateways[2].CurrentChannels = 5
	w.carrier(4)
	w.route(1, 1, "44", 0.01, 1)
	w.route(2, 2, "44", 0.02, 1)
	w.route(3, 3, "44", 0.03, 1)
	w.route(4, 4, "44", 0.04, 1)

	res, err := newEngine(w.source(), nil).Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, routeIDs(res))
	assert.Equal(t, 6, res.Routes[0].Availability.RemainingChannels)
	assert.Equal(t, -1, res.Routes[1].Availability.RemainingChannels)
}

type fixedCapacity map[int64]int

func (f fixedCapacity) CurrentChannels(gw *models.Gateway) int { return f[gw.ID] }

func TestResolve_InjectedCapacity(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1).MaxChannels = 2
	w.route(1, 1, "44", 0.01, 1)

	e := newEngine(w.source(), nil).WithCapacity(fixedCapacity{1: 2})
	_, err := e.Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeNoRoutesFound)
}

func TestResolve_DisabledCarrier(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.carrier(2)
	w.carriers[0].Enabled = false
	w.route(1, 1, "44", 0.01, 1)
	w.route(2, 2, "44", 0.02, 1)
	w.route(3, 2, "447", 0.02, 1).Enabled = false

	res, err := newEngine(w.source(), nil).Resolve(context.Background(), lookup("+447700900123", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, routeIDs(res))
}

func TestResolve_PreferredCarriersAndTruncation(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	for id := int64(1); id <= 6; id++ {
		w.carrier(id)
		w.route(id, id, "1", float64(id)/100, 1)
	}
	e := newEngine(w.source(), nil)
	ctx := context.Background()

	res, err := e.Resolve(ctx, lookup("+12025550100", models.RouteOptions{MaxRoutes: 4, PreferredCarriers: []int64{5, 3}}))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 1, 2}, routeIDs(res))

	res, err = e.Resolve(ctx, lookup("+12025550100", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Len(t, res.Routes, 5)

	w.profiles[0].MaxRetries = 1
	res, err = newEngine(w.source(), nil).Resolve(ctx, lookup("+12025550100", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, routeIDs(res))
}

func TestResolve_TimeWindows(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.carrier(2)
	night := w.route(1, 1, "44", 0.001, 1)
	night.Constraints.TimeWindows = []models.TimeWindow{{Start: "22:00", End: "06:00"}}
	w.route(2, 2, "44", 0.02, 1)

	e := newEngine(w.source(), nil)
	res, err := e.Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, routeIDs(res))

	e.now = func() time.Time { return t0.Add(13 * time.Hour) } // 23:00
	e.opts.SnapshotMaxAge = 24 * time.Hour
	res, err = e.Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, routeIDs(res))
	require.NotNil(t, res.Routes[0].Constraints)
	assert.Nil(t, res.Routes[1].Constraints)
}

func TestOpenAt(t *testing.T) {
	weekdays := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	office := []models.TimeWindow{{Days: weekdays, Start: "08:00", End: "18:00"}}
	overnight := []models.TimeWindow{{Days: []time.Weekday{time.Friday}, Start: "22:00", End: "02:00"}}

	monday10 := t0
	saturday01 := time.Date(2026, 3, 7, 1, 0, 0, 0, time.UTC)
	sunday01 := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)

	assert.True(t, openAt(nil, monday10))
	assert.True(t, openAt(office, monday10))
	assert.False(t, openAt(office, monday10.Add(9*time.Hour)))
	assert.True(t, openAt(overnight, saturday01), "window opened friday night")
	assert.False(t, openAt(overnight, sunday01))
	assert.False(t, openAt([]models.TimeWindow{{Start: "bad", End: "06:00"}}, monday10))
}

func TestResolve_StoreUnavailable(t *testing.T) {
	src := &fakeSource{loadErr: apperrors.Transient("load carriers", errors.New("connection refused"))}
	e := newEngine(src, nil)
	e.opts.StoreRetries = 1

	_, err := e.Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	requireCode(t, err, apperrors.CodeServiceUnavailable)
	app, _ := apperrors.As(err)
	assert.Greater(t, app.RetryAfter, time.Duration(0))
	assert.Equal(t, 2, src.loads)
}

func TestResolve_StaleSnapshotFallback(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.route(1, 1, "44", 0.01, 1)
	src := w.source()
	src.loadErr = apperrors.Transient("load routes", errors.New("timeout"))

	e := newEngine(src, nil)
	e.now = func() time.Time { return t0.Add(time.Hour) }

	res, err := e.Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, routeIDs(res))
	assert.Equal(t, DefaultOptions().StoreRetries+1, src.loads)
}

func TestResolve_FreshSnapshotSkipsStore(t *testing.T) {
	w := newWorld(models.StrategyLowestCost)
	w.carrier(1)
	w.route(1, 1, "44", 0.01, 1)
	src := w.source()

	_, err := newEngine(src, nil).Resolve(context.Background(), lookup("+442012345678", models.RouteOptions{}))
	require.NoError(t, err)
	assert.Zero(t, src.loads)
}

func TestDialString(t *testing.T) {
	gw := &models.Gateway{Name: "acme-lon", TechPrefix: "0099#"}
	assert.Equal(t, "PJSIP/0099#442012345678@endpoint-acme-lon", DialString(gw, "442012345678"))
}
