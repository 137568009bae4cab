package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/numbering"
)

type routeOptions struct {
	MaxRoutes         int     `json:"maxRoutes" validate:"gte=0,lte=10"`
	IncludeRates      bool    `json:"includeRates"`
	PreferredCarriers []int64 `json:"preferredCarriers" validate:"omitempty,dive,gt=0"`
	ExcludeCarriers   []int64 `json:"excludeCarriers" validate:"omitempty,dive,gt=0"`
	MinQualityScore   float64 `json:"minQualityScore" validate:"gte=0,lte=100"`
}

type routeRequest struct {
	Destination    string       `json:"destination" validate:"required"`
	OrganizationID string       `json:"organizationId" validate:"required,max=64"`
	UserID         string       `json:"userId"`
	CallType       string       `json:"callType"`
	Options        routeOptions `json:"options"`
}

type profileRequest struct {
	OrganizationID    string  `json:"organizationId" validate:"required,max=64"`
	Name              string  `json:"name" validate:"required,max=100"`
	RoutingStrategy   string  `json:"routingStrategy" validate:"omitempty,oneof=lowest_cost highest_quality priority round_robin weighted"`
	QualityThreshold  float64 `json:"qualityThreshold" validate:"gte=0,lte=100"`
	MaxRetries        int     `json:"maxRetries" validate:"gte=0,lte=9"`
	Enabled           *bool   `json:"enabled"`
	SelectionPriority int     `json:"selectionPriority"`
}

type createRouteRequest struct {
	ProfileID        int64                   `json:"profileId" validate:"required,gt=0"`
	CarrierID        int64                   `json:"carrierId" validate:"required,gt=0"`
	GatewayID        int64                   `json:"gatewayId" validate:"required,gt=0"`
	Prefix           string                  `json:"prefix" validate:"required,max=20"`
	Priority         int                     `json:"priority" validate:"gte=0"`
	Weight           int                     `json:"weight" validate:"gte=0"`
	RatePerMinute    float64                 `json:"ratePerMinute" validate:"gte=0"`
	ConnectionFee    float64                 `json:"connectionFee" validate:"gte=0"`
	Currency         string                  `json:"currency" validate:"omitempty,len=3"`
	BillingIncrement int                     `json:"billingIncrement" validate:"gte=0"`
	Enabled          *bool                   `json:"enabled"`
	Constraints      models.RouteConstraints `json:"constraints"`
}

type invalidateRequest struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	Scope          string `json:"scope" validate:"omitempty,oneof=all prefix carrier"`
	Value          string `json:"value"`
}

// decode reads a JSON body into v and validates it. Validation failures on
// destination and organization get their dedicated codes.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidRequest, "invalid JSON body: "+err.Error())
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return apperrors.Validation(apperrors.CodeInvalidRequest, err.Error())
		}
		fe := verrs[0]
		code := apperrors.CodeInvalidRequest
		switch fe.Field() {
		case "destination":
			code = apperrors.CodeInvalidDestination
		case "organizationId":
			code = apperrors.CodeInvalidOrganization
		}
		return apperrors.Validation(code, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation(apperrors.CodeInvalidRequest, "invalid id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if snap := s.deps.Store.Current(); snap != nil {
		body["configLoadedAt"] = snap.LoadedAt
	} else {
		body["status"] = "starting"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	if !s.limiter.Allow(req.OrganizationID) {
		writeError(w, apperrors.Validation(apperrors.CodeRateLimited, "lookup rate exceeded for organization"), nil)
		return
	}

	res, err := s.deps.Resolver.Resolve(r.Context(), models.RouteRequest{
		Destination:    req.Destination,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		CallType:       req.CallType,
		Options: models.RouteOptions{
			MaxRoutes:         req.Options.MaxRoutes,
			IncludeRates:      req.Options.IncludeRates,
			PreferredCarriers: req.Options.PreferredCarriers,
			ExcludeCarriers:   req.Options.ExcludeCarriers,
			MinQualityScore:   req.Options.MinQualityScore,
		},
	})
	if err != nil {
		var extra map[string]any
		if apperrors.IsType(err, apperrors.TypeNotFound) {
			if num, nerr := numbering.Normalize(req.Destination); nerr == nil {
				extra = map[string]any{
					"destination":           req.Destination,
					"normalizedDestination": num.E164,
				}
			}
		}
		if app := apperrors.Normalize(err); app.Type == apperrors.TypeInternal {
			s.logger.Error("lookup failed", zap.Error(err))
		}
		writeError(w, err, extra)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*models.Resolution
	}{true, res})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	org := strings.TrimSpace(r.URL.Query().Get("organizationId"))
	if org == "" {
		writeError(w, apperrors.Validation(apperrors.CodeInvalidOrganization, "organizationId query parameter is required"), nil)
		return
	}
	profiles, err := s.deps.Store.ListProfiles(r.Context(), org)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if profiles == nil {
		profiles = []*models.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profiles": profiles})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	p := &models.Profile{
		OrganizationID:    req.OrganizationID,
		Name:              req.Name,
		Strategy:          models.RoutingStrategy(req.RoutingStrategy),
		QualityThreshold:  req.QualityThreshold,
		MaxRetries:        req.MaxRetries,
		Enabled:           req.Enabled == nil || *req.Enabled,
		SelectionPriority: req.SelectionPriority,
	}
	if err := s.deps.Store.CreateProfile(r.Context(), p); err != nil {
		writeError(w, err, nil)
		return
	}
	s.invalidate(r, p.OrganizationID, cache.ScopeAll, "")
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "profile": p})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	p, err := s.deps.Store.GetProfile(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	routes, err := s.deps.Store.ListRoutes(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if routes == nil {
		routes = []*models.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profile": p, "routes": routes})
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req createRouteRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	profile, err := s.deps.Store.GetProfile(r.Context(), req.ProfileID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	route := &models.Route{
		ProfileID:        req.ProfileID,
		CarrierID:        req.CarrierID,
		GatewayID:        req.GatewayID,
		Prefix:           req.Prefix,
		Priority:         req.Priority,
		Weight:           req.Weight,
		RatePerMinute:    req.RatePerMinute,
		ConnectionFee:    req.ConnectionFee,
		Currency:         strings.ToUpper(req.Currency),
		BillingIncrement: req.BillingIncrement,
		Enabled:          req.Enabled == nil || *req.Enabled,
		Constraints:      req.Constraints,
	}
	if err := s.deps.Store.CreateRoute(r.Context(), route); err != nil {
		writeError(w, err, nil)
		return
	}

	s.invalidate(r, profile.OrganizationID, cache.ScopePrefix, route.Prefix)
	s.notify(r, profile.OrganizationID, "created", route)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "route": route})
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	route, err := s.deps.Store.DeleteRoute(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	if profile, err := s.deps.Store.GetProfile(r.Context(), route.ProfileID); err == nil {
		s.invalidate(r, profile.OrganizationID, cache.ScopePrefix, route.Prefix)
		s.notify(r, profile.OrganizationID, "deleted", route)
	} else {
		s.logger.Warn("route deleted without profile", zap.Int64("route", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "route": route})
}

type gatewayView struct {
	*models.Gateway
	Health models.HealthStatus `json:"health"`
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Current()
	if snap == nil {
		writeError(w, apperrors.Unavailable("configuration not loaded", 5*time.Second, nil), nil)
		return
	}
	out := make([]gatewayView, 0, len(snap.Gateways))
	for _, gw := range snap.GatewaysSorted() {
		out = append(out, gatewayView{Gateway: gw, Health: s.deps.Health.Status(gw.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "gateways": out})
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	snap := s.deps.Store.Current()
	if snap == nil {
		writeError(w, apperrors.Unavailable("configuration not loaded", 5*time.Second, nil), nil)
		return
	}
	gw, ok := snap.Gateways[id]
	if !ok {
		writeError(w, apperrors.NotFound(apperrors.CodeGatewayNotFound, fmt.Sprintf("gateway %d not found", id)), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"gateway":       gw.Name,
		"gatewayStatus": gw.Status,
		"health":        s.deps.Health.Status(id),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	scope, err := cache.ParseScope(req.Scope)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidated": 0})
		return
	}
	n, err := s.deps.Cache.Invalidate(r.Context(), req.OrganizationID, scope, req.Value)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidated": n, "scope": scope})
}

// invalidate runs after a configuration write. The write already happened,
// so a failure is logged rather than returned.
func (s *Server) invalidate(r *http.Request, org string, scope cache.Scope, value string) {
	if s.deps.Cache == nil {
		return
	}
	if _, err := s.deps.Cache.Invalidate(r.Context(), org, scope, value); err != nil {
		s.logger.Error("cache invalidation after write failed",
			zap.String("org", org), zap.String("scope", string(scope)), zap.Error(err))
	}
}

func (s *Server) notify(r *http.Request, org, action string, route *models.Route) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.RouteChanged(r.Context(), org, action, route); err != nil {
		s.logger.Warn("route change notification failed", zap.String("action", action), zap.Error(err))
	}
}
