package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"tokenforge.org/internal/obs"
	"tokenforge.org/internal/token"
)

// ReadyProbe reports whether downstream dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the HTTP layer exposes.
type Config struct {
	ReadyProbe ReadyProbe
	Version    string

	Store     token.Store
	Issuer    *token.Issuer
	Validator *token.Validator
	Rotation  *token.RotationService
	Sessions  *token.SessionCatalog

	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store     token.Store
	issuer    *token.Issuer
	validator *token.Validator
	rotation  *token.RotationService
	sessions  *token.SessionCatalog

	rateBurst  int
	ratePerSec int
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		store:      cfg.Store,
		issuer:     cfg.Issuer,
		validator:  cfg.Validator,
		rotation:   cfg.Rotation,
		sessions:   cfg.Sessions,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSec,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token lifecycle
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	// session management
	a.mux.HandleFunc("/auth/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/auth/sessions/", a.handleSessionResource)

	// rotation
	a.mux.HandleFunc("/token-rotation/users/", a.handleUserRotation)
	a.mux.HandleFunc("/token-rotation/global", a.handleGlobalRotation)
	a.mux.HandleFunc("/token-rotation/security-config", a.handleSecurityConfig)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tokenforge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tokenforge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
