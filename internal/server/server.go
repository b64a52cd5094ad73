/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/api"
	"github.com/saltline/startline/internal/audit"
	"github.com/saltline/startline/internal/broadcast"
	"github.com/saltline/startline/internal/cache"
	"github.com/saltline/startline/internal/clock"
	"github.com/saltline/startline/internal/config"
	"github.com/saltline/startline/internal/db"
	"github.com/saltline/startline/internal/eventbus"
	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/leadership"
	"github.com/saltline/startline/internal/notifications"
	"github.com/saltline/startline/internal/scheduler"
	"github.com/saltline/startline/internal/sequence"
	"github.com/saltline/startline/internal/stats"
	"github.com/saltline/startline/internal/telemetry"
	"github.com/saltline/startline/internal/version"
	"github.com/saltline/startline/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db          *gorm.DB
	cache       *cache.Cache
	bus         *events.Bus
	hub         *broadcast.Hub
	scheduler   *scheduler.Service
	auditSvc    *audit.Service
	statsSvc    *stats.Service
	notifySvc   *notifications.Service
	webhooksSvc *webhooks.Service
	election    *leadership.Election
	updates     *version.Checker
	api         *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("startline-api"))
	router.Use(telemetry.MetricsMiddleware)
	// WebSocket event streams outlive the request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout 0 keeps long-lived event streams open. The
		// middleware timeout covers regular routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	snapshotCache, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
	} else {
		s.cache = snapshotCache
		s.DeferClose(func() error { return s.cache.Close() })
	}

	profiles := sequence.NewRegistry()
	if s.cfg.SequenceProfilesPath != "" {
		if err := profiles.LoadFile(s.cfg.SequenceProfilesPath); err != nil {
			return err
		}
		s.logger.Info().Str("path", s.cfg.SequenceProfilesPath).Msg("custom sequence profiles loaded")
	}

	s.scheduler = scheduler.New(database, profiles, s.bus, clock.System(), s.logger)
	if s.cache != nil {
		s.scheduler.SetCache(s.cache)
	}

	s.auditSvc = audit.NewService(database, s.bus, s.logger)
	s.hub = broadcast.NewHub(s.bus, s.logger)
	s.DeferClose(func() error {
		s.hub.Close()
		return nil
	})

	if s.cfg.LeaderElectionEnabled {
		electionCfg := leadership.DefaultConfig()
		electionCfg.RedisAddr = s.cfg.RedisAddr
		electionCfg.RedisPassword = s.cfg.RedisPassword
		electionCfg.RedisDB = s.cfg.RedisDB
		election, err := leadership.NewElection(electionCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("leader election unavailable, running as standalone instance")
		} else {
			s.election = election
			s.DeferClose(election.Stop)
		}
	}

	if s.cfg.NATSURL != "" {
		relay, err := eventbus.NewNATSRelay(eventbus.DefaultNATSConfig(s.cfg.NATSURL), s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS relay unavailable, external event feed disabled")
		} else {
			if s.election != nil {
				relay.SetGate(s.election.IsLeader)
			}
			s.DeferClose(relay.Close)
		}
	}

	s.statsSvc = stats.NewService(database, s.logger)
	s.notifySvc = notifications.NewService(database, s.bus, notifications.Config{
		SMTPHost:     s.cfg.SMTPHost,
		SMTPPort:     s.cfg.SMTPPort,
		SMTPUsername: s.cfg.SMTPUsername,
		SMTPPassword: s.cfg.SMTPPassword,
		SMTPFrom:     s.cfg.SMTPFrom,
		SMTPFromName: s.cfg.SMTPFromName,
	}, s.logger)
	s.webhooksSvc = webhooks.NewService(database, s.bus, s.logger)
	s.updates = version.NewChecker(s.logger)

	s.api = api.New(s.db, []byte(s.cfg.JWTSigningKey), s.scheduler, s.auditSvc, s.hub, s.statsSvc, s.notifySvc, s.webhooksSvc, s.logger)

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.auditSvc.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.notifySvc.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.webhooksSvc.Start(ctx)
	}()

	if s.election != nil {
		if err := s.election.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("leader election failed to start")
		}
	}
	s.updates.Start(ctx)

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.api.Routes(s.router)
}

// ServeMetrics runs the Prometheus endpoint on its own listener so the
// metrics port can stay off the public network.
func (s *Server) ServeMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())

	metricsServer := &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics listener started")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
