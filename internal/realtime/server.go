// server.go
package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"
)

var (
	serverLogger = loggo.GetLogger("realtime.server")
	apiLogger    = loggo.GetLogger("realtime.api")
)

// Server wires the store, changelog processor, access cache, hub and
// broadcaster behind one HTTP handler.
type Server struct {
	cfg Config
	db  *sql.DB

	Store       *Store
	Cache       *AccessCache
	Hub         *Hub
	Broadcaster *Broadcaster
	Processor   *Processor
	Metrics     *Metrics

	janitor  *ChangelogJanitor
	registry *prometheus.Registry
	auth     Authenticator
	tomb     tomb.Tomb
}

// NewServer builds a server over an opened database. Nothing runs until
// Start.
func NewServer(cfg Config, db *sql.DB) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	store := NewStore(db)
	cache, err := NewAccessCache(AccessCacheConfig{
		Checker:   store,
		Resolver:  store,
		Clock:     cfg.Clock,
		AccessTTL: cfg.AccessTTL,
		ScopeTTL:  cfg.ScopeTTL,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	hub, err := NewHub(HubConfig{
		Cache:          cache,
		Clock:          cfg.Clock,
		ReconnectGrace: cfg.ReconnectGrace,
		SweepInterval:  cfg.ReconnectGrace / 4,
		SendBuffer:     cfg.SendBuffer,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	broadcaster := NewBroadcaster(hub, cache, cfg.Clock, metrics)
	processor := NewProcessor(db, broadcaster, cfg.Clock, cfg.PollInterval)
	store.OnCommit(processor.Notify)

	return &Server{
		cfg:         cfg,
		db:          db,
		Store:       store,
		Cache:       cache,
		Hub:         hub,
		Broadcaster: broadcaster,
		Processor:   processor,
		Metrics:     metrics,
		registry:    registry,
		auth:        &JWTAuthenticator{Secret: []byte(cfg.JWTSecret), Clock: cfg.Clock},
	}, nil
}

// SetAuthenticator replaces the default JWT authenticator.
func (s *Server) SetAuthenticator(auth Authenticator) {
	s.auth = auth
}

// Handler returns the HTTP surface: the websocket endpoint, the resource
// API, health and metrics.
func (s *Server) Handler() http.Handler {
	api := &resourceAPI{store: s.Store, hub: s.Hub, cache: s.Cache, auth: s.auth}
	// Websocket sessions outlive the handshake request; they end with the hub.
	sessionCtx := s.tomb.Context(nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(s.db))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/resources/{kind}", api.listHandler)
	mux.HandleFunc("GET /api/resources/{kind}/{id}", api.getHandler)
	mux.HandleFunc("PUT /api/resources/{kind}/{id}", api.putHandler)
	mux.HandleFunc("PATCH /api/resources/{kind}/{id}", api.patchHandler)
	mux.HandleFunc("DELETE /api/resources/{kind}/{id}", api.deleteHandler)

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(sessionCtx, s.Hub, s.auth, w, r)
	})
	return mux
}

// Start runs the hub, processor and janitor.
func (s *Server) Start() {
	s.Hub.Start()
	s.Processor.Start()
	s.janitor = StartChangelogJanitor(s.db, s.cfg.Clock, s.cfg.ChangelogRetention, s.cfg.JanitorInterval)
	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		s.Processor.Kill()
		s.janitor.Kill()
		s.Hub.Kill()
		if err := s.Processor.Wait(); err != nil && err != tomb.ErrDying {
			serverLogger.Warningf("processor stopped: %v", err)
		}
		s.janitor.Wait()
		s.Hub.Wait()
		return nil
	})
}

// Kill stops every worker.
func (s *Server) Kill() { s.tomb.Kill(nil) }

// Wait waits for the workers to stop.
func (s *Server) Wait() error { return s.tomb.Wait() }

// ListenAndServe serves until ctx is done, then shuts everything down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Start()

	errc := make(chan error, 1)
	go func() {
		serverLogger.Infof("server starting on http://%s", addr)
		errc <- httpServer.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	s.Kill()
	s.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Trace(err)
}
