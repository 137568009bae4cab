// Package loadbalancer ranks candidate routes according to a profile's
// routing strategy.
package loadbalancer

import (
	"sort"
	"sync"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Candidate is a route that survived filtering, joined with its gateway,
// carrier and the health seen at resolution time.
type Candidate struct {
	Route   *models.Route
	Gateway *models.Gateway
	Carrier *models.Carrier
	Health  models.HealthStatus
}

// compareFunc returns <0 when a should be dialed before b, >0 for after, 0 for
// no preference.
type compareFunc func(a, b *Candidate) int

var comparators = map[models.RoutingStrategy]compareFunc{
	models.StrategyLowestCost: func(a, b *Candidate) int {
		if c := cmpFloat(a.Route.RatePerMinute, b.Route.RatePerMinute); c != 0 {
			return c
		}
		return cmpInt(a.Route.Priority, b.Route.Priority)
	},
	models.StrategyPriority: func(a, b *Candidate) int {
		return cmpInt(a.Route.Priority, b.Route.Priority)
	},
	models.StrategyWeighted: func(a, b *Candidate) int {
		if c := cmpInt(b.Route.Weight, a.Route.Weight); c != 0 {
			return c
		}
		return cmpInt(a.Route.Priority, b.Route.Priority)
	},
	// Rotation is applied after the base ordering, see rotate.
	models.StrategyRoundRobin: func(a, b *Candidate) int {
		return 0
	},
}

// LoadBalancer orders candidates. It is safe for concurrent use; the only
// mutable state is the round-robin offsets.
type LoadBalancer struct {
	mu              sync.Mutex
	roundRobinIndex map[string]int
	qualityBand     int
}

// New returns a LoadBalancer treating quality scores within band points of
// each other as equal.
func New(qualityBand int) *LoadBalancer {
	return &LoadBalancer{
		roundRobinIndex: make(map[string]int),
		qualityBand:     qualityBand,
	}
}

// Order sorts cands in place. A longer matching prefix always ranks ahead of a
// shorter one; the strategy only orders candidates sharing a prefix. Route id
// is the final tie-break so the result is deterministic.
func (lb *LoadBalancer) Order(org string, strategy models.RoutingStrategy, cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := &cands[i], &cands[j]
		if pa, pb := len(a.Route.Prefix), len(b.Route.Prefix); pa != pb {
			return pa > pb
		}
		if cmp, ok := comparators[strategy]; ok {
			if c := cmp(a, b); c != 0 {
				return c < 0
			}
		}
		return a.Route.ID < b.Route.ID
	})

	for _, group := range prefixGroups(cands) {
		switch strategy {
		case models.StrategyHighestQuality:
			lb.orderByQuality(group)
		case models.StrategyRoundRobin:
			lb.rotate(org, group)
		}
	}
}

// prefixGroups splits sorted cands into runs sharing the same prefix. Two
// prefixes of equal length that both match one destination are identical, so
// a run is exactly one prefix.
func prefixGroups(cands []Candidate) [][]Candidate {
	var groups [][]Candidate
	start := 0
	for i := 1; i <= len(cands); i++ {
		if i == len(cands) || cands[i].Route.Prefix != cands[start].Route.Prefix {
			groups = append(groups, cands[start:i])
			start = i
		}
	}
	return groups
}

// orderByQuality sorts by descending score. Scores within the quality band of
// a cluster's leader count as equal and are ordered by ascending post-dial
// delay, then ascending priority.
func (lb *LoadBalancer) orderByQuality(group []Candidate) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Health.Score != group[j].Health.Score {
			return group[i].Health.Score > group[j].Health.Score
		}
		return group[i].Route.ID < group[j].Route.ID
	})

	for start := 0; start < len(group); {
		leader := group[start].Health.Score
		end := start + 1
		for end < len(group) && leader-group[end].Health.Score <= lb.qualityBand {
			end++
		}
		cluster := group[start:end]
		sort.SliceStable(cluster, func(i, j int) bool {
			a, b := &cluster[i], &cluster[j]
			if a.Health.Metrics.PostDialDelay != b.Health.Metrics.PostDialDelay {
				return a.Health.Metrics.PostDialDelay < b.Health.Metrics.PostDialDelay
			}
			return a.Route.Priority < b.Route.Priority
		})
		start = end
	}
}

// rotate moves the start of group by a per (organization, prefix) counter
// that advances on every call.
func (lb *LoadBalancer) rotate(org string, group []Candidate) {
	if len(group) < 2 {
		return
	}
	key := org + "|" + group[0].Route.Prefix

	lb.mu.Lock()
	offset := lb.roundRobinIndex[key] % len(group)
	lb.roundRobinIndex[key]++
	lb.mu.Unlock()

	if offset == 0 {
		return
	}
	rotated := make([]Candidate, 0, len(group))
	rotated = append(rotated, group[offset:]...)
	rotated = append(rotated, group[:offset]...)
	copy(group, rotated)
}

// PreferCarriers moves candidates from preferred carriers to the front,
// keeping the relative order of both partitions.
func PreferCarriers(cands []Candidate, preferred []int64) {
	if len(preferred) == 0 {
		return
	}
	want := make(map[int64]bool, len(preferred))
	for _, id := range preferred {
		want[id] = true
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return want[cands[i].Route.CarrierID] && !want[cands[j].Route.CarrierID]
	})
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
