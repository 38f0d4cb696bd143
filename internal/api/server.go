// Package api is the orchestrator HTTP surface: device control, action
// and verification dispatch, navigation tree management, capture
// queries, batch translation and operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
	"github.com/angelstreet/virtualpytest/internal/navigation/validate"
)

// Server bundles the orchestrator's components behind the HTTP routes.
type Server struct {
	cfg       config.Config
	leases    *lock.Manager
	proxy     *proxy.Proxy
	trees     *store.Store
	cache     *navcache.Cache
	finder    *pathfind.Finder
	validator *validate.Validator
	aiSvc     *ai.Client
}

// New wires the server. aiSvc may be nil; translation endpoints then
// report the service unavailable.
func New(cfg config.Config, leases *lock.Manager, px *proxy.Proxy, trees *store.Store, cache *navcache.Cache, finder *pathfind.Finder, validator *validate.Validator, aiSvc *ai.Client) *Server {
	return &Server{
		cfg:       cfg,
		leases:    leases,
		proxy:     px,
		trees:     trees,
		cache:     cache,
		finder:    finder,
		validator: validator,
		aiSvc:     aiSvc,
	}
}

// Router assembles the middleware stack and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	if rps := s.cfg.Server.RateLimitRPS; rps > 0 {
		r.Use(httprate.LimitByIP(rps, time.Second))
	}

	r.Route("/server", func(r chi.Router) {
		r.Post("/control/takeControl", s.handleTakeControl)
		r.Post("/control/releaseControl", s.handleReleaseControl)
		r.Post("/control/heartbeat", s.handleHeartbeat)

		r.Post("/remote/executeCommand", s.handleExecuteCommand)
		r.Post("/action/executeBatch", s.handleExecuteBatch)
		r.Post("/verification/execute", s.handleVerification)

		r.Get("/navigationTrees/getTreeByUserInterfaceId/{interfaceID}", s.handleGetTreeByInterface)
		r.Post("/navigationTrees/saveTree", s.handleSaveTree)
		r.Post("/navigation/cache/update-node", s.handleUpdateNode)
		r.Post("/navigation/cache/update-edge", s.handleUpdateEdge)
		r.Post("/navigation/findPath", s.handleFindPath)

		r.Post("/av/takeScreenshot", s.handleTakeScreenshot)
		r.Post("/av/monitoring/latest-json", s.handleLatestJSON)

		r.Post("/translate/restart-batch", s.handleTranslateBatch)
	})

	r.Handle("/captures/*", s.captureFileServer())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
