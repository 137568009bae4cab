// Package carrier is the configuration store: carriers, gateways, routing
// profiles and routes, served to the routing core as atomic snapshots.
package carrier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/db"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Manager loads the store into memory and applies administrative writes.
type Manager struct {
	db     *db.DB
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex // serializes reloads
	snap atomic.Pointer[Snapshot]
}

func NewManager(store *db.DB, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:     store,
		logger: logger.Named("store"),
		now:    time.Now,
	}
}

// Current returns the last loaded snapshot or nil.
func (m *Manager) Current() *Snapshot {
	return m.snap.Load()
}

// Snapshot returns the current snapshot, loading it first if none exists.
// Store errors are reported as transient.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := m.snap.Load(); s != nil {
		return s, nil
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	return m.snap.Load(), nil
}

// Load reads everything from the store and publishes a new snapshot.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	carriers, err := m.loadCarriers(ctx)
	if err != nil {
		return apperrors.Transient("load carriers", err)
	}
	gateways, err := m.loadGateways(ctx)
	if err != nil {
		return apperrors.Transient("load gateways", err)
	}
	profiles, err := m.loadProfiles(ctx)
	if err != nil {
		return apperrors.Transient("load profiles", err)
	}
	routes, err := m.loadRoutes(ctx)
	if err != nil {
		return apperrors.Transient("load routes", err)
	}

	m.snap.Store(NewSnapshot(carriers, gateways, profiles, routes, m.now()))
	m.logger.Debug("snapshot loaded",
		zap.Int("carriers", len(carriers)),
		zap.Int("gateways", len(gateways)),
		zap.Int("profiles", len(profiles)),
		zap.Int("routes", len(routes)))
	return nil
}

func (m *Manager) loadCarriers(ctx context.Context) ([]*models.Carrier, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, code, enabled, cli_override, fax, sms, max_channels,
		       failover_threshold, failover_window_seconds, failover_causes, busy_is_congestion,
		       created_at, updated_at
		FROM carriers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Carrier
	for rows.Next() {
		var (
			c      models.Carrier
			window int
			causes sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.Enabled, &c.CLIOverride, &c.Fax, &c.SMS,
			&c.MaxChannels, &c.Failover.Threshold, &window, &causes, &c.Failover.BusyIsCongestion,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Failover.Window = time.Duration(window) * time.Second
		if causes.Valid && causes.String != "" {
			if err := json.Unmarshal([]byte(causes.String), &c.Failover.Causes); err != nil {
				m.logger.Warn("bad failover causes", zap.String("carrier", c.Code), zap.Error(err))
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (m *Manager) loadGateways(ctx context.Context) ([]*models.Gateway, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, carrier_id, name, host, port, transport, tech_prefix, codecs,
		       max_channels, current_channels, status, last_health_check, created_at, updated_at
		FROM gateways ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Gateway
	for rows.Next() {
		var (
			g         models.Gateway
			codecs    sql.NullString
			lastCheck sql.NullTime
			status    string
		)
		if err := rows.Scan(&g.ID, &g.CarrierID, &g.Name, &g.Host, &g.Port, &g.Transport, &g.TechPrefix,
			&codecs, &g.MaxChannels, &g.CurrentChannels, &status, &lastCheck,
			&g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Status = models.GatewayStatus(status)
		if codecs.Valid && codecs.String != "" {
			if err := json.Unmarshal([]byte(codecs.String), &g.Codecs); err != nil {
				m.logger.Warn("bad gateway codecs", zap.String("gateway", g.Name), zap.Error(err))
			}
		}
		if lastCheck.Valid {
			t := lastCheck.Time
			g.LastHealthCheck = &t
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (m *Manager) loadProfiles(ctx context.Context) ([]*models.Profile, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, organization_id, name, routing_strategy, quality_threshold, max_retries,
		       enabled, selection_priority, created_at, updated_at
		FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Profile
	for rows.Next() {
		var (
			p        models.Profile
			strategy string
		)
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &strategy, &p.QualityThreshold,
			&p.MaxRetries, &p.Enabled, &p.SelectionPriority, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Strategy = models.RoutingStrategy(strategy)
		out = append(out, &p)
	}
	return out, rows.Err()
}

const routeColumns = `id, profile_id, carrier_id, gateway_id, prefix, priority, weight,
		       rate_per_minute, connection_fee, currency, billing_increment, enabled, constraints,
		       created_at, updated_at`

func scanRoute(scan func(...any) error) (*models.Route, error) {
	var (
		r           models.Route
		constraints sql.NullString
	)
	if err := scan(&r.ID, &r.ProfileID, &r.CarrierID, &r.GatewayID, &r.Prefix, &r.Priority, &r.Weight,
		&r.RatePerMinute, &r.ConnectionFee, &r.Currency, &r.BillingIncrement, &r.Enabled, &constraints,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if constraints.Valid && constraints.String != "" {
		if err := json.Unmarshal([]byte(constraints.String), &r.Constraints); err != nil {
			return nil, fmt.Errorf("route %d constraints: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (m *Manager) loadRoutes(ctx context.Context) ([]*models.Route, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Route
	for rows.Next() {
		r, err := scanRoute(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateCarrier stores a carrier. Code must be unique.
func (m *Manager) CreateCarrier(ctx context.Context, c *models.Carrier) error {
	if c.Name == "" || c.Code == "" {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "carrier name and code are required")
	}
	if c.Failover.Threshold == 0 {
		c.Failover.Threshold = 5
	}
	if c.Failover.Window == 0 {
		c.Failover.Window = time.Minute
	}
	causes, _ := json.Marshal(c.Failover.Causes)
	now := m.now().UTC()

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO carriers (name, code, enabled, cli_override, fax, sms, max_channels,
		                      failover_threshold, failover_window_seconds, failover_causes, busy_is_congestion,
		                      created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Code, c.Enabled, c.CLIOverride, c.Fax, c.SMS, c.MaxChannels,
		c.Failover.Threshold, int(c.Failover.Window/time.Second), string(causes), c.Failover.BusyIsCongestion,
		now, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("carrier code %s already exists", c.Code))
		}
		return err
	}
	c.ID, _ = res.LastInsertId()
	c.CreatedAt, c.UpdatedAt = now, now

	m.logger.Info("carrier added", zap.String("code", c.Code), zap.Int64("id", c.ID))
	return m.Load(ctx)
}

// FailoverPolicy returns a carrier's failover policy from the current
// snapshot.
func (m *Manager) FailoverPolicy(carrierID int64) (models.FailoverPolicy, bool) {
	snap := m.snap.Load()
	if snap == nil {
		return models.FailoverPolicy{}, false
	}
	c, ok := snap.Carriers[carrierID]
	if !ok {
		return models.FailoverPolicy{}, false
	}
	return c.Failover, true
}

// SetCarrierEnabled toggles a carrier. Disabling makes all its gateways ineligible.
func (m *Manager) SetCarrierEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := m.db.ExecContext(ctx, `UPDATE carriers SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, m.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound(apperrors.CodeCarrierNotFound, fmt.Sprintf("carrier %d not found", id))
	}
	return m.Load(ctx)
}

// CreateGateway stores a gateway under an existing carrier.
func (m *Manager) CreateGateway(ctx context.Context, g *models.Gateway) error {
	if g.Name == "" || g.Host == "" {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "gateway name and host are required")
	}
	if g.Port == 0 {
		g.Port = 5060
	}
	if g.Transport == "" {
		g.Transport = "udp"
	}
	if len(g.Codecs) == 0 {
		g.Codecs = []string{"ulaw", "alaw"}
	}
	if g.Status == "" {
		g.Status = models.GatewayActive
	}
	if !g.Status.Valid() {
		return apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown gateway status %q", g.Status))
	}
	if err := m.requireCarrier(ctx, g.CarrierID); err != nil {
		return err
	}

	codecs, _ := json.Marshal(g.Codecs)
	now := m.now().UTC()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO gateways (carrier_id, name, host, port, transport, tech_prefix, codecs,
		                      max_channels, current_channels, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.CarrierID, g.Name, g.Host, g.Port, strings.ToLower(g.Transport), g.TechPrefix, string(codecs),
		g.MaxChannels, g.CurrentChannels, string(g.Status), now, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("gateway %s already exists", g.Name))
		}
		return err
	}
	g.ID, _ = res.LastInsertId()
	g.CreatedAt, g.UpdatedAt = now, now

	m.logger.Info("gateway added", zap.String("name", g.Name), zap.Int64("id", g.ID))
	return m.Load(ctx)
}

// SetGatewayStatus is the operator write path; it may set any status.
func (m *Manager) SetGatewayStatus(ctx context.Context, id int64, status models.GatewayStatus) error {
	if !status.Valid() {
		return apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown gateway status %q", status))
	}
	res, err := m.db.ExecContext(ctx, `UPDATE gateways SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), m.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound(apperrors.CodeGatewayNotFound, fmt.Sprintf("gateway %d not found", id))
	}
	return m.Load(ctx)
}

// UpdateGatewayStatus records a health-driven transition. A gateway an operator
// put in maintenance or disabled keeps that status; only its check time moves.
// It reports whether the persisted status changed.
func (m *Manager) UpdateGatewayStatus(ctx context.Context, id int64, status models.GatewayStatus, score int, at time.Time) (bool, error) {
	var current string
	err := m.db.QueryRowContext(ctx, `SELECT status FROM gateways WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFound(apperrors.CodeGatewayNotFound, fmt.Sprintf("gateway %d not found", id))
	}
	if err != nil {
		return false, err
	}

	prev := models.GatewayStatus(current)
	at = at.UTC()
	if prev.AdminHeld() || prev == status {
		_, err := m.db.ExecContext(ctx, `UPDATE gateways SET last_health_check = ? WHERE id = ?`, at, id)
		return false, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE gateways SET status = ?, last_health_check = ?, updated_at = ? WHERE id = ?`,
		string(status), at, at, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gateway_status_log (gateway_id, previous_status, status, score, changed_at) VALUES (?, ?, ?, ?, ?)`,
		id, current, string(status), score, at); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	m.logger.Info("gateway status changed",
		zap.Int64("gateway_id", id),
		zap.String("from", current),
		zap.String("to", string(status)),
		zap.Int("score", score))
	return true, m.Load(ctx)
}

// CreateProfile stores a routing profile for an organization.
func (m *Manager) CreateProfile(ctx context.Context, p *models.Profile) error {
	if p.OrganizationID == "" || p.Name == "" {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "organization and name are required")
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyLowestCost
	}
	if !p.Strategy.Valid() {
		return apperrors.Validation(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown routing strategy %q", p.Strategy))
	}

	now := m.now().UTC()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO profiles (organization_id, name, routing_strategy, quality_threshold, max_retries,
		                      enabled, selection_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OrganizationID, p.Name, string(p.Strategy), p.QualityThreshold, p.MaxRetries,
		p.Enabled, p.SelectionPriority, now, now)
	if err != nil {
		return err
	}
	p.ID, _ = res.LastInsertId()
	p.CreatedAt, p.UpdatedAt = now, now

	m.logger.Info("profile added", zap.String("org", p.OrganizationID), zap.Int64("id", p.ID))
	return m.Load(ctx)
}

// ListProfiles returns an organization's profiles in selection order, or all
// profiles when org is empty.
func (m *Manager) ListProfiles(ctx context.Context, org string) ([]*models.Profile, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if org != "" {
		return s.ProfilesFor(org), nil
	}
	out := make([]*models.Profile, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		out = append(out, p)
	}
	sortByID(out)
	return out, nil
}

func (m *Manager) GetProfile(ctx context.Context, id int64) (*models.Profile, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := s.Profiles[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeProfileNotFound, fmt.Sprintf("profile %d not found", id))
	}
	return p, nil
}

// CreateRoute stores a route. A second route for the same profile, carrier,
// gateway and prefix is a conflict.
func (m *Manager) CreateRoute(ctx context.Context, r *models.Route) error {
	if err := m.validateRoute(ctx, r); err != nil {
		return err
	}

	var existing int64
	err := m.db.QueryRowContext(ctx,
		`SELECT id FROM routes WHERE profile_id = ? AND carrier_id = ? AND gateway_id = ? AND prefix = ?`,
		r.ProfileID, r.CarrierID, r.GatewayID, r.Prefix).Scan(&existing)
	switch {
	case err == nil:
		return apperrors.Conflict(apperrors.CodeRouteConflict,
			fmt.Sprintf("route for prefix %s already exists (id %d)", r.Prefix, existing))
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	constraints, _ := json.Marshal(r.Constraints)
	now := m.now().UTC()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO routes (profile_id, carrier_id, gateway_id, prefix, priority, weight,
		                    rate_per_minute, connection_fee, currency, billing_increment, enabled, constraints,
		                    created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ProfileID, r.CarrierID, r.GatewayID, r.Prefix, r.Priority, r.Weight,
		r.RatePerMinute, r.ConnectionFee, r.Currency, r.BillingIncrement, r.Enabled, string(constraints),
		now, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Conflict(apperrors.CodeRouteConflict, fmt.Sprintf("route for prefix %s already exists", r.Prefix))
		}
		return err
	}
	r.ID, _ = res.LastInsertId()
	r.CreatedAt, r.UpdatedAt = now, now

	m.logger.Info("route added",
		zap.Int64("id", r.ID),
		zap.Int64("profile_id", r.ProfileID),
		zap.String("prefix", r.Prefix))
	return m.Load(ctx)
}

func (m *Manager) validateRoute(ctx context.Context, r *models.Route) error {
	r.Prefix = strings.TrimPrefix(strings.TrimSpace(r.Prefix), "+")
	if r.Prefix == "" || strings.Trim(r.Prefix, "0123456789") != "" {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "route prefix must be digits")
	}
	if r.RatePerMinute < 0 || r.ConnectionFee < 0 {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "rates must not be negative")
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	if r.BillingIncrement == 0 {
		r.BillingIncrement = 60
	}
	if r.Weight == 0 {
		r.Weight = 1
	}
	for _, w := range r.Constraints.TimeWindows {
		if _, err := time.Parse("15:04", w.Start); err != nil {
			return apperrors.Validation(apperrors.CodeInvalidRequest, "time window start must be HH:MM")
		}
		if _, err := time.Parse("15:04", w.End); err != nil {
			return apperrors.Validation(apperrors.CodeInvalidRequest, "time window end must be HH:MM")
		}
	}

	s, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	if _, ok := s.Profiles[r.ProfileID]; !ok {
		return apperrors.NotFound(apperrors.CodeProfileNotFound, fmt.Sprintf("profile %d not found", r.ProfileID))
	}
	if _, ok := s.Carriers[r.CarrierID]; !ok {
		return apperrors.NotFound(apperrors.CodeCarrierNotFound, fmt.Sprintf("carrier %d not found", r.CarrierID))
	}
	g, ok := s.Gateways[r.GatewayID]
	if !ok {
		return apperrors.NotFound(apperrors.CodeGatewayNotFound, fmt.Sprintf("gateway %d not found", r.GatewayID))
	}
	if g.CarrierID != r.CarrierID {
		return apperrors.Validation(apperrors.CodeInvalidRequest,
			fmt.Sprintf("gateway %d does not belong to carrier %d", r.GatewayID, r.CarrierID))
	}
	return nil
}

// DeleteRoute removes a route and returns what was deleted.
func (m *Manager) DeleteRoute(ctx context.Context, id int64) (*models.Route, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(apperrors.CodeRouteNotFound, fmt.Sprintf("route %d not found", id))
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
		return nil, err
	}
	m.logger.Info("route deleted", zap.Int64("id", id), zap.String("prefix", r.Prefix))
	return r, m.Load(ctx)
}

// ListRoutes returns a profile's routes ordered by id.
func (m *Manager) ListRoutes(ctx context.Context, profileID int64) ([]*models.Route, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Routes(profileID), nil
}

func (m *Manager) requireCarrier(ctx context.Context, id int64) error {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM carriers WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(apperrors.CodeCarrierNotFound, fmt.Sprintf("carrier %d not found", id))
	}
	return err
}

func sortByID(list []*models.Profile) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
