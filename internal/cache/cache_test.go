package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

func resolution(digits string, carriers ...int64) *models.Resolution {
	res := &models.Resolution{NormalizedDestination: "+" + digits}
	for i, c := range carriers {
		res.Routes = append(res.Routes, models.ResolvedRoute{Rank: i + 1, RouteID: int64(i + 1), CarrierID: c})
	}
	return res
}

func generation(t *testing.T, c *RouteCache, org string) uint64 {
	t.Helper()
	gen, err := c.Generation(context.Background(), org)
	require.NoError(t, err)
	return gen
}

type backendCase struct {
	name string
	make func(t *testing.T) Backend
}

func backends() []backendCase {
	return []backendCase{
		{"local", func(t *testing.T) Backend { return NewLocalBackend(time.Minute) }},
		{"redis", func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisBackend(client)
		}},
	}
}

func TestRouteCache_GetSet(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			c := New(bc.make(t), time.Minute, nil, nil)
			key := Key("org-1", "442012345678", 1, models.StrategyLowestCost, models.RouteOptions{MaxRoutes: 5})

			_, ok := c.Get(ctx, key)
			assert.False(t, ok)

			c.Set(ctx, key, "org-1", "442012345678", resolution("442012345678", 10), generation(t, c, "org-1"))
			got, ok := c.Get(ctx, key)
			require.True(t, ok)
			require.Len(t, got.Routes, 1)
			assert.Equal(t, int64(10), got.Routes[0].CarrierID)

			got.Routes[0].CarrierID = 99
			again, _ := c.Get(ctx, key)
			assert.Equal(t, int64(10), again.Routes[0].CarrierID)
		})
	}
}

func TestRouteCache_InvalidateScopes(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			c := New(bc.make(t), time.Minute, nil, nil)
			opts := models.RouteOptions{MaxRoutes: 5}

			put := func(org, digits string, carriers ...int64) string {
				key := Key(org, digits, 1, models.StrategyLowestCost, opts)
				c.Set(ctx, key, org, digits, resolution(digits, carriers...), generation(t, c, org))
				return key
			}
			london := put("org-1", "442012345678", 1, 2)
			mobile := put("org-1", "447700900123", 3)
			paris := put("org-1", "33142685300", 2)
			other := put("org-2", "442012345678", 1)

			n, err := c.Invalidate(ctx, "org-1", ScopePrefix, "+4420")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok := c.Get(ctx, london)
			assert.False(t, ok)
			_, ok = c.Get(ctx, mobile)
			assert.True(t, ok)

			n, err = c.Invalidate(ctx, "org-1", ScopeCarrier, "2")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok = c.Get(ctx, paris)
			assert.False(t, ok)

			n, err = c.Invalidate(ctx, "org-1", ScopeAll, "")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok = c.Get(ctx, mobile)
			assert.False(t, ok)

			_, ok = c.Get(ctx, other)
			assert.True(t, ok, "other organizations are untouched")
		})
	}
}

func TestRouteCache_StaleSetAfterInvalidateIsDropped(t *testing.T) {
	ctx := context.Background()
	c := New(NewLocalBackend(time.Minute), time.Minute, nil, nil)
	key := Key("org-1", "4420", 1, models.StrategyPriority, models.RouteOptions{})

	gen := generation(t, c, "org-1")
	_, err := c.Invalidate(ctx, "org-1", ScopeAll, "")
	require.NoError(t, err)

	assert.False(t, c.Set(ctx, key, "org-1", "4420", resolution("4420", 1), gen))
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestRouteCache_InvalidateFromAnotherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newCache := func() *RouteCache {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return New(NewRedisBackend(client), time.Minute, nil, nil)
	}
	a, b := newCache(), newCache()
	key := Key("org-1", "4420", 1, models.StrategyLowestCost, models.RouteOptions{})

	gen := generation(t, b, "org-1")
	_, err := a.Invalidate(ctx, "org-1", ScopeAll, "")
	require.NoError(t, err)
	assert.Equal(t, gen+1, generation(t, b, "org-1"))

	assert.False(t, b.Set(ctx, key, "org-1", "4420", resolution("4420", 1), gen))
	_, ok := a.Get(ctx, key)
	assert.False(t, ok, "write computed before the invalidation is dropped")

	gen = generation(t, b, "org-1")
	assert.True(t, b.Set(ctx, key, "org-1", "4420", resolution("4420", 2), gen))
	got, ok := a.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Routes[0].CarrierID)
}

func TestRouteCache_InvalidateValidation(t *testing.T) {
	c := New(NewLocalBackend(time.Minute), time.Minute, nil, nil)
	ctx := context.Background()

	_, err := c.Invalidate(ctx, "", ScopeAll, "")
	assert.True(t, apperrors.IsType(err, apperrors.TypeValidation))

	_, err = c.Invalidate(ctx, "org-1", ScopePrefix, "")
	assert.True(t, apperrors.IsType(err, apperrors.TypeValidation))

	_, err = c.Invalidate(ctx, "org-1", ScopeCarrier, "acme")
	assert.True(t, apperrors.IsType(err, apperrors.TypeValidation))
}

func TestRouteCache_Metrics(t *testing.T) {
	m := metrics.New()
	c := New(NewLocalBackend(time.Minute), time.Minute, m, nil)
	ctx := context.Background()

	c.Get(ctx, "missing")
	require.True(t, c.Set(ctx, "k", "org-1", "44", resolution("44", 1), 0))
	c.Get(ctx, "k")
	_, err := c.Invalidate(ctx, "org-1", ScopeAll, "")
	require.NoError(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "lcr_cache_invalidated_keys_total"))
}

func TestRedisBackend_ExpiredKeysLeaveIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	b := NewRedisBackend(client)
	ok, err := b.SetIfGeneration(ctx, "a", &Entry{Org: "org-1", Digits: "44"}, time.Second, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.SetIfGeneration(ctx, "b", &Entry{Org: "org-1", Digits: "33"}, time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	n, err := b.DeleteMatching(ctx, "org-1", func(*Entry) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := client.SMembers(ctx, indexPrefix+"org-1").Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestBackend_SetIfGeneration(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.make(t)

			gen, err := b.Generation(ctx, "org-1")
			require.NoError(t, err)
			assert.Zero(t, gen)

			next, err := b.Bump(ctx, "org-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), next)

			ok, err := b.SetIfGeneration(ctx, "k", &Entry{Org: "org-1", Digits: "44"}, time.Minute, gen)
			require.NoError(t, err)
			assert.False(t, ok)
			_, found, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			ok, err = b.SetIfGeneration(ctx, "k", &Entry{Org: "org-1", Digits: "44"}, time.Minute, next)
			require.NoError(t, err)
			assert.True(t, ok)
			e, found, err := b.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "44", e.Digits)

			other, err := b.Generation(ctx, "org-2")
			require.NoError(t, err)
			assert.Zero(t, other, "generations are per organization")
		})
	}
}

func TestKey_Fingerprint(t *testing.T) {
	a := Key("org", "44", 1, models.StrategyLowestCost, models.RouteOptions{PreferredCarriers: []int64{3, 1}})
	b := Key("org", "44", 1, models.StrategyLowestCost, models.RouteOptions{PreferredCarriers: []int64{1, 3}})
	c := Key("org", "44", 1, models.StrategyLowestCost, models.RouteOptions{IncludeRates: true})
	d := Key("org", "44", 1, models.StrategyPriority, models.RouteOptions{PreferredCarriers: []int64{1, 3}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, d)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeAll, s)

	s, err = ParseScope("Carrier")
	require.NoError(t, err)
	assert.Equal(t, ScopeCarrier, s)

	_, err = ParseScope("everything")
	assert.Error(t, err)
}
