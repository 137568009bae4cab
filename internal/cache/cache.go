// Package cache memoizes resolved route lists per organization and
// destination with a TTL and explicit, synchronous invalidation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Scope selects which of an organization's entries an invalidation removes.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopePrefix  Scope = "prefix"
	ScopeCarrier Scope = "carrier"
)

// ParseScope validates a scope name; empty means all.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopePrefix:
		return ScopePrefix, nil
	case ScopeCarrier:
		return ScopeCarrier, nil
	}
	return "", apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown invalidation scope %q", s))
}

// Entry is what a backend stores. Org, Digits and Carriers let invalidation
// evaluate its predicate without decoding keys.
type Entry struct {
	Org        string             `json:"org"`
	Digits     string             `json:"digits"`
	Carriers   []int64            `json:"carriers"`
	Resolution *models.Resolution `json:"resolution"`
}

// Backend stores entries and per-organization generations. SetIfGeneration
// must check the generation and write as one step, and Bump must be visible to
// every process sharing the backend. DeleteMatching must remove every matching
// entry of org before returning.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	SetIfGeneration(ctx context.Context, key string, e *Entry, ttl time.Duration, gen uint64) (bool, error)
	Generation(ctx context.Context, org string) (uint64, error)
	Bump(ctx context.Context, org string) (uint64, error)
	DeleteMatching(ctx context.Context, org string, match func(*Entry) bool) (int, error)
}

// RouteCache wraps a Backend with key derivation and metrics. Every
// invalidation moves the organization's generation first; a Set whose
// generation predates it is dropped, so a lookup that raced an invalidation
// cannot resurrect the old entry, in this process or another.
type RouteCache struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *RouteCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  logger.Named("cache"),
	}
}

// Key derives the cache key. Options that change the result are folded into a
// fingerprint; carrier lists are order-insensitive.
func Key(org, digits string, profileID int64, strategy models.RoutingStrategy, opts models.RouteOptions) string {
	pref := sortedIDs(opts.PreferredCarriers)
	excl := sortedIDs(opts.ExcludeCarriers)

	h := sha256.New()
	fmt.Fprintf(h, "p=%d|max=%d|rates=%t|minq=%g|pref=%s|excl=%s",
		profileID, opts.MaxRoutes, opts.IncludeRates, opts.MinQualityScore, pref, excl)
	fp := hex.EncodeToString(h.Sum(nil))[:16]

	return org + ":" + digits + ":" + string(strategy) + ":" + fp
}

func sortedIDs(ids []int64) string {
	cp := append([]int64(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	parts := make([]string, len(cp))
	for i, id := range cp {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Generation returns the organization's current generation. Take it before
// computing a value to be stored with Set.
func (c *RouteCache) Generation(ctx context.Context, org string) (uint64, error) {
	return c.backend.Generation(ctx, org)
}

// Get returns a private copy of a cached resolution. Backend errors are
// logged and reported as a miss.
func (c *RouteCache) Get(ctx context.Context, key string) (*models.Resolution, bool) {
	e, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if err != nil || !ok || e.Resolution == nil {
		c.metrics.CacheMiss()
		return nil, false
	}
	c.metrics.CacheHit()

	res := *e.Resolution
	res.Routes = append([]models.ResolvedRoute(nil), e.Resolution.Routes...)
	return &res, true
}

// Set stores res unless org was invalidated after gen was taken. It reports
// whether the entry was written.
func (c *RouteCache) Set(ctx context.Context, key, org, digits string, res *models.Resolution, gen uint64) bool {
	cp := *res
	cp.Routes = append([]models.ResolvedRoute(nil), res.Routes...)
	e := &Entry{Org: org, Digits: digits, Carriers: res.CarrierIDs(), Resolution: &cp}
	ok, err := c.backend.SetIfGeneration(ctx, key, e, c.ttl, gen)
	if err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// Invalidate removes org's entries within scope and returns how many were
// removed. The prefix value is matched against normalized destination digits
// and the carrier value is a carrier id.
func (c *RouteCache) Invalidate(ctx context.Context, org string, scope Scope, value string) (int, error) {
	if org == "" {
		return 0, apperrors.Validation(apperrors.CodeInvalidOrganization, "organizationId is required")
	}
	match, err := predicate(scope, value)
	if err != nil {
		return 0, err
	}

	if _, err := c.backend.Bump(ctx, org); err != nil {
		return 0, apperrors.Unavailable("cache invalidation failed", time.Second, err)
	}
	n, err := c.backend.DeleteMatching(ctx, org, match)
	if err != nil {
		return n, apperrors.Unavailable("cache invalidation failed", time.Second, err)
	}
	c.metrics.Invalidated(string(scope), n)
	c.logger.Info("cache invalidated",
		zap.String("org", org),
		zap.String("scope", string(scope)),
		zap.String("value", value),
		zap.Int("keys", n))
	return n, nil
}

func predicate(scope Scope, value string) (func(*Entry) bool, error) {
	switch scope {
	case ScopeAll, "":
		return func(*Entry) bool { return true }, nil
	case ScopePrefix:
		prefix := strings.TrimPrefix(strings.TrimSpace(value), "+")
		if prefix == "" {
			return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "prefix scope requires a value")
		}
		return func(e *Entry) bool { return strings.HasPrefix(e.Digits, prefix) }, nil
	case ScopeCarrier:
		id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "carrier scope requires a numeric carrier id")
		}
		return func(e *Entry) bool {
			for _, c := range e.Carriers {
				if c == id {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown invalidation scope %q", scope))
}
