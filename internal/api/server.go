// Package api exposes the bridge over a local HTTP and websocket surface.
// Handlers are thin: they translate requests into calls on the owning
// subsystems and never hold state of their own. Endpoints are grouped into
// rate tiers; mutating device endpoints additionally sit behind the token
// gate when one is configured.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/syncworker"
	"zk-attendance-bridge/internal/usercache"
)

// Deps wires the server to the subsystems it fronts. Reconnect and
// ConnectTo reach back into the bridge core, which owns session lifecycle.
type Deps struct {
	Logger   *logrus.Logger
	Bus      *bus.Bus
	Session  *session.Manager
	Scanner  *discovery.Scanner
	Pipeline *pipeline.Pipeline
	Cache    *usercache.Cache
	Durable  *durable.Manager
	Sync     *syncworker.Worker

	Reconnect func(ctx context.Context) error
	ConnectTo func(ctx context.Context, ip string, port int) error

	Version string
}

// Config holds the server address and auth settings.
type Config struct {
	Host  string
	Port  int
	Token string
}

// Server is the local HTTP API server.
type Server struct {
	deps    Deps
	logger  *logrus.Entry
	router  *mux.Router
	server  *http.Server
	limiter *rateLimiter
	hub     *wsHub
	token   string
	started time.Time

	sessMu sync.RWMutex
	sess   *session.Manager
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		deps:    deps,
		logger:  logging.NewServiceLogger(logger, "api"),
		router:  mux.NewRouter(),
		limiter: newRateLimiter(),
		token:   cfg.Token,
		started: time.Now(),
		sess:    deps.Session,
	}
	s.hub = newWSHub(deps.Bus, s.logger)
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetSession swaps the session the handlers front. The bridge core calls it
// after retargeting the device endpoint.
func (s *Server) SetSession(m *session.Manager) {
	s.sessMu.Lock()
	s.sess = m
	s.sessMu.Unlock()
}

func (s *Server) session() *session.Manager {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.sess
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

func (s *Server) routes() {
	r := s.router

	// Tier wrappers; strict additionally passes the token gate.
	def := func(h http.HandlerFunc) http.Handler {
		return s.rateLimitMiddleware(tierDefault)(h)
	}
	loose := func(h http.HandlerFunc) http.Handler {
		return s.rateLimitMiddleware(tierLoose)(h)
	}
	strict := func(h http.HandlerFunc) http.Handler {
		return s.rateLimitMiddleware(tierStrict)(s.authMiddleware(h))
	}

	r.Handle("/health", loose(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/status", loose(s.handleStatus)).Methods(http.MethodGet)
	r.Handle("/reconnect", strict(s.handleReconnect)).Methods(http.MethodGet)

	r.Handle("/device/info", def(s.handleDeviceInfo)).Methods(http.MethodGet)
	r.Handle("/device/scan", strict(s.handleDeviceScan)).Methods(http.MethodGet)
	r.Handle("/device/connect", def(s.handleDeviceConnect)).Methods(http.MethodPost)

	r.Handle("/attendance/logs", strict(s.handleAttendanceLogs)).Methods(http.MethodGet)
	r.Handle("/polling/start", def(s.handlePollingStart)).Methods(http.MethodPost)
	r.Handle("/polling/stop", def(s.handlePollingStop)).Methods(http.MethodPost)

	r.Handle("/users", def(s.handleListUsers)).Methods(http.MethodGet)
	r.Handle("/users/add", strict(s.handleAddUser)).Methods(http.MethodPost)
	r.Handle("/users/{userId}", strict(s.handleDeleteUser)).Methods(http.MethodDelete)

	r.Handle("/sync/status", def(s.handleSyncStatus)).Methods(http.MethodGet)
	r.Handle("/sync/force", def(s.handleSyncForce)).Methods(http.MethodPost)

	r.Handle("/stats/cache", def(s.handleCacheStats)).Methods(http.MethodGet)
	r.Handle("/stats/pipeline", def(s.handlePipelineStats)).Methods(http.MethodGet)
	r.Handle("/stats/batcher", def(s.handleBatcherStats)).Methods(http.MethodGet)
	r.Handle("/stats/breaker", def(s.handleBreakerStats)).Methods(http.MethodGet)

	photosDir := http.Dir(s.deps.Durable.Photos().Dir())
	r.PathPrefix("/static/photos/").Handler(
		s.rateLimitMiddleware(tierDefault)(
			http.StripPrefix("/static/photos/", http.FileServer(photosDir))))

	r.Handle("/ws", def(s.hub.handle)).Methods(http.MethodGet)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("api server error: %w", err)
	}
}

// Shutdown drains connections and closes websocket clients.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down API server")
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
