package carrier

import (
	"sort"
	"time"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Snapshot is an immutable view of the configuration store. Readers must not
// modify anything reachable from it.
type Snapshot struct {
	Carriers map[int64]*models.Carrier
	Gateways map[int64]*models.Gateway
	Profiles map[int64]*models.Profile
	LoadedAt time.Time

	byOrg  map[string][]*models.Profile
	routes map[int64][]*models.Route
}

// NewSnapshot indexes already loaded records.
func NewSnapshot(carriers []*models.Carrier, gateways []*models.Gateway, profiles []*models.Profile, routes []*models.Route, at time.Time) *Snapshot {
	s := &Snapshot{
		Carriers: make(map[int64]*models.Carrier, len(carriers)),
		Gateways: make(map[int64]*models.Gateway, len(gateways)),
		Profiles: make(map[int64]*models.Profile, len(profiles)),
		LoadedAt: at,
		byOrg:    make(map[string][]*models.Profile),
		routes:   make(map[int64][]*models.Route),
	}
	for _, c := range carriers {
		s.Carriers[c.ID] = c
	}
	for _, g := range gateways {
		s.Gateways[g.ID] = g
	}
	for _, p := range profiles {
		s.Profiles[p.ID] = p
		s.byOrg[p.OrganizationID] = append(s.byOrg[p.OrganizationID], p)
	}
	for _, r := range routes {
		s.routes[r.ProfileID] = append(s.routes[r.ProfileID], r)
	}

	for _, list := range s.byOrg {
		sortProfiles(list)
	}
	return s
}

// sortProfiles orders by selection priority descending, then most recently
// updated, then id for a total order.
func sortProfiles(list []*models.Profile) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.SelectionPriority != b.SelectionPriority {
			return a.SelectionPriority > b.SelectionPriority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}

// ProfileFor returns the single enabled profile that governs org's calls.
func (s *Snapshot) ProfileFor(org string) (*models.Profile, bool) {
	for _, p := range s.byOrg[org] {
		if p.Enabled {
			return p, true
		}
	}
	return nil, false
}

// ProfilesFor lists org's profiles in selection order.
func (s *Snapshot) ProfilesFor(org string) []*models.Profile {
	return s.byOrg[org]
}

// Routes returns every route under a profile, enabled or not.
func (s *Snapshot) Routes(profileID int64) []*models.Route {
	return s.routes[profileID]
}

// GatewaysSorted returns all gateways ordered by id.
func (s *Snapshot) GatewaysSorted() []*models.Gateway {
	out := make([]*models.Gateway, 0, len(s.Gateways))
	for _, g := range s.Gateways {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GatewayByName finds a gateway by its configured name.
func (s *Snapshot) GatewayByName(name string) (*models.Gateway, bool) {
	for _, g := range s.Gateways {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}
