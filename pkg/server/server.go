// Package server assembles the presence service: shared state, the
// websocket endpoint, internal dispatch ingress and introspection routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/1F47E/geo-presence/pkg/auth"
	"github.com/1F47E/geo-presence/pkg/config"
	"github.com/1F47E/geo-presence/pkg/dispatch"
	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/ingress"
	"github.com/1F47E/geo-presence/pkg/metrics"
	"github.com/1F47E/geo-presence/pkg/presence"
	"github.com/1F47E/geo-presence/pkg/registry"
	"github.com/1F47E/geo-presence/pkg/store"
	"github.com/1F47E/geo-presence/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server owns every long-lived component. Nothing here is global, so tests
// can run isolated instances side by side.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	grid       *geo.Grid
	registry   *registry.Registry
	controller *presence.Controller
	dispatcher *dispatch.Dispatcher
	socket     *transport.Handler
	ingress    *ingress.HTTPHandler
	promReg    *prometheus.Registry

	users *store.UserStore
	redis *redis.Client

	http *http.Server
}

// Stats is the introspection snapshot served at /internal/presence/stats
type Stats struct {
	Connections  int   `json:"connections"`
	LocatedUsers int64 `json:"located_users"`
	Cells        int   `json:"cells"`
}

// New builds the server. A configured database is connected eagerly;
// without one, token subjects are trusted as-is.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		grid:     geo.NewGrid(),
		registry: registry.New(),
		promReg:  prometheus.NewRegistry(),
	}
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(s.promReg)

	var users auth.UserDirectory
	if cfg.Database.Enabled() {
		db, err := store.Open(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		s.users = store.NewUserStore(db, cfg.Database.UsersTable, log)
		users = s.users
	} else {
		log.Warn("No database configured, token subjects are not checked against accounts")
	}

	s.controller = presence.NewController(s.grid, s.registry, auth.NewJWTVerifier(cfg.Auth.JWTSecret, users), log, m,
		presence.Options{CloseSuperseded: cfg.Presence.CloseSuperseded})
	s.dispatcher = dispatch.New(s.grid, s.registry, log, m)
	s.socket = transport.NewHandler(s.controller, cfg.WebSocket, log)
	s.ingress = ingress.NewHTTPHandler(s.dispatcher, cfg.Ingress.Token, log)

	if cfg.Redis.Enabled() {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	m.GaugeFunc("located_users", "Users with an indexed location", func() float64 { return float64(s.grid.Size()) })
	m.GaugeFunc("grid_cells", "Occupied grid cells", func() float64 { return float64(s.grid.Cells()) })
	m.GaugeFunc("registered_users", "Users with a live connection", func() float64 { return float64(s.registry.Len()) })

	s.http = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	return s, nil
}

// Dispatcher is exposed for in-process producers
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Handler returns the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+s.cfg.WebSocket.Path, s.socket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.Handle("GET /internal/presence/stats", s.ingress.RequireToken(http.HandlerFunc(s.handleStats)))
	s.ingress.Register(mux)
	return mux
}

// Stats reads the current size of the shared structures
func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.registry.Len(),
		LocatedUsers: s.grid.Size(),
		Cells:        s.grid.Cells(),
	}
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("HTTP server listening",
			zap.String("addr", s.cfg.HTTP.Addr),
			zap.String("socket_path", s.cfg.WebSocket.Path))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		s.socket.CloseAll()
		return s.http.Shutdown(shutdownCtx)
	})

	if s.redis != nil {
		sub := ingress.NewSubscriber(s.redis, s.cfg.Redis.Channel, s.dispatcher, s.log)
		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	err := g.Wait()
	s.close()
	return err
}

func (s *Server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if s.users != nil {
		if err := s.users.Close(); err != nil {
			s.log.Warn("Failed to close database", zap.Error(err))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.users != nil {
		if err := s.users.Ping(r.Context()); err != nil {
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
