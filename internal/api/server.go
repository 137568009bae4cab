// Package api exposes route lookup and the admin surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/logging"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

type Resolver interface {
	Resolve(ctx context.Context, req models.RouteRequest) (*models.Resolution, error)
}

// Store is the configuration store surface the admin endpoints use.
type Store interface {
	CreateProfile(ctx context.Context, p *models.Profile) error
	ListProfiles(ctx context.Context, org string) ([]*models.Profile, error)
	GetProfile(ctx context.Context, id int64) (*models.Profile, error)
	CreateRoute(ctx context.Context, r *models.Route) error
	DeleteRoute(ctx context.Context, id int64) (*models.Route, error)
	ListRoutes(ctx context.Context, profileID int64) ([]*models.Route, error)
	Current() *carrier.Snapshot
}

type HealthReader interface {
	Status(gatewayID int64) models.HealthStatus
}

type Invalidator interface {
	Invalidate(ctx context.Context, org string, scope cache.Scope, value string) (int, error)
}

type RouteNotifier interface {
	RouteChanged(ctx context.Context, org, action string, r *models.Route) error
}

// Deps are the collaborators behind the endpoints. Cache, Notifier and
// Metrics may be nil.
type Deps struct {
	Resolver Resolver
	Store    Store
	Health   HealthReader
	Cache    Invalidator
	Notifier RouteNotifier
	Metrics  http.Handler
}

type Options struct {
	// RateLimit is lookups per second per organization; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	deps     Deps
	router   *mux.Router
	validate *validator.Validate
	limiter  *orgLimiter
	logger   *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		router:   mux.NewRouter(),
		validate: newValidator(),
		limiter:  newOrgLimiter(opts.RateLimit, opts.RateBurst),
		logger:   logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	lcr := r.PathPrefix("/lcr").Subrouter()
	lcr.HandleFunc("/route", s.handleResolve).Methods(http.MethodPost)
	lcr.HandleFunc("/profiles", s.handleListProfiles).Methods(http.MethodGet)
	lcr.HandleFunc("/profiles", s.handleCreateProfile).Methods(http.MethodPost)
	lcr.HandleFunc("/profiles/{id:[0-9]+}", s.handleGetProfile).Methods(http.MethodGet)
	lcr.HandleFunc("/routes", s.handleCreateRoute).Methods(http.MethodPost)
	lcr.HandleFunc("/routes/{id:[0-9]+}", s.handleDeleteRoute).Methods(http.MethodDelete)
	lcr.HandleFunc("/gateways", s.handleListGateways).Methods(http.MethodGet)
	lcr.HandleFunc("/gateways/{id:[0-9]+}/health", s.handleGatewayHealth).Methods(http.MethodGet)
	lcr.HandleFunc("/cache/invalidate", s.handleInvalidate).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, apperrors.NotFound("NOT_FOUND", "no such endpoint"), nil)
	})
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(s.logger)(s.router)
}

// NewHTTPServer wraps h with the configured timeouts.
func NewHTTPServer(addr string, h http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// orgLimiter is a token bucket per organization.
type orgLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newOrgLimiter(perSecond float64, burst int) *orgLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &orgLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *orgLimiter) Allow(org string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[org]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[org] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps err onto its status. extra fields are merged into the body.
func writeError(w http.ResponseWriter, err error, extra map[string]any) {
	app := apperrors.Normalize(err)
	status := apperrors.HTTPStatus(app)

	body := map[string]any{
		"success": false,
		"error":   errorBody{Code: app.Code, Message: app.Message},
	}
	for k, v := range extra {
		body[k] = v
	}
	if app.RetryAfter > 0 {
		secs := int((app.RetryAfter + time.Second - 1) / time.Second)
		body["retryAfter"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, body)
}
