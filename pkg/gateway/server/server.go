// Package server wires the gateway together: registry, hub, intervention
// engine, handlers, and the middleware chain.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/handlers"
	"github.com/apexsec/dispatch/pkg/gateway/intervene"
	"github.com/apexsec/dispatch/pkg/gateway/lifecycle"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/conn"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/sessions"
	"github.com/apexsec/dispatch/pkg/gateway/mw"
	"github.com/apexsec/dispatch/pkg/gateway/ratelimit"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
	"github.com/apexsec/dispatch/pkg/gateway/sop"
	"github.com/apexsec/dispatch/pkg/gateway/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	hub       *conn.Hub
	registry  *registry.Registry
	engine    *intervene.Engine
	recorder  store.Recorder
	sops      *sop.Source
}

func New(cfg config.Config, logger *slog.Logger, recorder store.Recorder) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = store.NoopRecorder{}
	}

	sops := sop.NewSource()
	if cfg.SOPPath != "" {
		loaded, err := sop.Load(cfg.SOPPath)
		if err != nil {
			return nil, fmt.Errorf("load sop file: %w", err)
		}
		sops = loaded
	}

	hub := conn.NewHub(logger)
	reg := registry.New(hub,
		registry.WithLowConfidenceThreshold(cfg.LowConfidenceThreshold))
	engine := intervene.New(reg, sops, recorder, logger,
		intervene.WithLowConfidenceEscalateMin(cfg.LowConfidenceEscalateMin),
		intervene.WithAutoEscalateDefault(cfg.AutoEscalateAfter))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
		hub:       hub,
		registry:  reg,
		engine:    engine,
		recorder:  recorder,
		sops:      sops,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                cfg.LimitRPS,
			Burst:              cfg.LimitBurst,
			MaxMonitorSessions: cfg.MonitorMaxPerPrincipal,
		}),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	ingest := handlers.IngestHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Registry:  s.registry,
		Engine:    s.engine,
		Recorder:  s.recorder,
		Lifecycle: s.lifecycle,
		Monitors:  s.hub,
	}
	s.mux.HandleFunc("POST /v1/calls", ingest.StartCall)
	s.mux.HandleFunc("GET /v1/calls", ingest.ActiveCalls)
	s.mux.HandleFunc("GET /v1/calls/{id}", ingest.GetCall)
	s.mux.HandleFunc("POST /v1/calls/{id}/transcript", ingest.AppendTranscript)
	s.mux.HandleFunc("GET /v1/calls/{id}/transcript", ingest.GetTranscript)
	s.mux.HandleFunc("POST /v1/calls/{id}/progress", ingest.Progress)
	s.mux.HandleFunc("POST /v1/calls/{id}/end", ingest.EndCall)

	s.mux.Handle("/v1/monitor", handlers.MonitorHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
		Hub:       s.hub,
		Registry:  s.registry,
		Engine:    s.engine,
		Recorder:  s.recorder,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop routing new work here.
func (s *Server) SetDraining() { s.lifecycle.SetDraining(true) }

// WarnMonitorsDraining tells every connected monitor the gateway is going away.
func (s *Server) WarnMonitorsDraining() {
	s.tracker.WarnAll("draining", "gateway is shutting down, reconnect to another instance")
}

// WaitMonitors blocks until all monitor sessions finish or ctx expires.
func (s *Server) WaitMonitors(ctx context.Context) bool { return s.tracker.Wait(ctx) }

// CancelMonitors force-closes any monitor sessions still connected.
func (s *Server) CancelMonitors() { s.tracker.CancelAll() }

// Lifecycle exposes the draining flag for the main loop's signal handler.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Tracker exposes the monitor session tracker for drain warnings and
// shutdown waits.
func (s *Server) Tracker() *sessions.Tracker { return s.tracker }

// Registry exposes the call table for the terminal-session sweeper.
func (s *Server) Registry() *registry.Registry { return s.registry }

// SOPs exposes the procedure source for periodic reloads.
func (s *Server) SOPs() *sop.Source { return s.sops }
