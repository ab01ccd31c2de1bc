// Package api exposes the broker over HTTP: the client debug API, the executor gateway and the
// admin API, each behind its own credential.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/kubebroker/internal/agentexec"
	"github.com/rcourtman/kubebroker/internal/auth"
	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/results"
	"github.com/rcourtman/kubebroker/internal/session"
	"github.com/rcourtman/kubebroker/internal/tokens"
)

// DefaultMaxBodyBytes bounds client and admin request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the router serves.
type Deps struct {
	Store      Pinger
	Queue      *queue.Queue
	Results    *results.Store
	Sessions   *session.Manager
	Dispatcher *agentexec.Dispatcher
	Tokens     *tokens.Service
	Presence   *tokens.Presence
	Auth       *auth.Middleware

	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBodyBytes       int64
	Version            string
}

// Router holds the handlers for every broker route.
type Router struct {
	deps    Deps
	gateway *agentexec.Server
	limiter *RateLimiter
	mux     chi.Router
}

// NewRouter builds the route table.
func NewRouter(deps Deps) *Router {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.Auth == nil {
		deps.Auth = &auth.Middleware{}
	}
	deps.Auth.WriteError = WriteError

	rt := &Router{
		deps:    deps,
		gateway: agentexec.NewServer(deps.Queue, deps.Results, deps.Presence, deps.Dispatcher, WriteError),
		limiter: NewRateLimiter(deps.RateLimitPerMinute, deps.RateLimitBurst),
	}
	rt.mux = rt.routes()
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(ErrorHandler)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeErrorResponse(w, req, http.StatusNotFound, "not_found", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})

	r.Get("/health", rt.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/agent", func(r chi.Router) {
		r.Use(rt.deps.Auth.RequireAgentToken)
		r.Get("/commands", rt.gateway.HandlePoll)
		r.Post("/results", rt.gateway.HandleResult)
		r.Post("/capabilities", rt.gateway.HandleCapabilities)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Use(rt.deps.Auth.RequireAPIKey, rt.limiter.Handler, LimitBody(rt.deps.MaxBodyBytes))
		r.Post("/session", rt.handleCreateSession)
		r.Get("/session/{id}", rt.handleGetSession)
		r.Delete("/session/{id}", rt.handleEndSession)
		r.Post("/execute", rt.handleExecute)
		r.Get("/clusters/{id}/capabilities", rt.handleCapabilitiesHint)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(rt.deps.Auth.RequireAdmin, rt.limiter.Handler, LimitBody(rt.deps.MaxBodyBytes))
		r.Get("/clusters", rt.handleListClusters)
		r.Get("/clusters/{id}", rt.handleClusterStatus)
		r.Post("/clusters/{id}/token", rt.handleIssueToken)
		r.Delete("/clusters/{id}/token", rt.handleRevokeToken)
	})

	return r
}

const (
	storeConnected    = "connected"
	storeDisconnected = "disconnected"
)

type healthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Version string `json:"version,omitempty"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: storeConnected, Version: rt.deps.Version}
	status := http.StatusOK
	if rt.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.deps.Store.Ping(ctx); err != nil {
			sanitizeErrorForClient(r, err, "Store health check failed")
			resp.Status, resp.Store = "degraded", storeDisconnected
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}
