package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Nya-Foundation/nyaproxy-go/internal/adminauth"
	"github.com/Nya-Foundation/nyaproxy-go/internal/config"
	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/dashboard"
	"github.com/Nya-Foundation/nyaproxy-go/internal/executor"
	"github.com/Nya-Foundation/nyaproxy-go/internal/httpapi"
	"github.com/Nya-Foundation/nyaproxy-go/internal/metrics"
	"github.com/Nya-Foundation/nyaproxy-go/internal/obslog"
	"github.com/Nya-Foundation/nyaproxy-go/internal/orchestrator"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
	"github.com/Nya-Foundation/nyaproxy-go/internal/router"
)

// runServe loads configuration, wires every collaborator described in
// SPEC_FULL.md, and blocks until an interrupt/TERM signal arrives,
// coordinating shutdown of the listener and dashboard hub goroutines
// with an errgroup (the queue reaper is stopped by the function its
// Start returned) the way the teacher's cmd/pulse main.go
// coordinates its server/monitor/watcher goroutines with plain signal
// channels — errgroup replaces the ad hoc WaitGroup for a typed,
// first-error-wins shutdown.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	obslog.Init(obslog.Config{Format: envOr("NYAPROXY_LOG_FORMAT", "console"), Level: cfg.DebugLevel, Component: "nyaproxy"})

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: Version}); err != nil {
			log.Warn().Err(err).Msg("failed to initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	credMgr := credential.New()
	for _, d := range cfg.Upstreams {
		credMgr.Register(d)
	}

	qm := queue.New(queue.Config{
		MaxSizePerUpstream: cfg.QueueMaxSize,
		DefaultExpiry:      cfg.QueueExpirySecond,
		Readiness:          credential.Readiness{M: credMgr},
		Acquirer:           credential.Acquirer{M: credMgr},
	})

	sink := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	exec := executor.New(credMgr, sink, func(upstreamName string) executor.Pacer {
		return credMgr.Selector(upstreamName)
	})

	r := router.New(cfg.APIPathPrefix, cfg.Upstreams)

	orc := orchestrator.New(orchestrator.Config{
		Router:       r,
		Credentials:  credMgr,
		Queue:        qm,
		Executor:     exec,
		Metrics:      sink,
		QueueEnabled: cfg.QueueEnabled,
	}, cfg.Upstreams)

	upstreamNames := make([]string, 0, len(cfg.Upstreams))
	for _, d := range cfg.Upstreams {
		upstreamNames = append(upstreamNames, d.Name)
	}

	var auth httpapi.AdminAuth
	if cfg.APIKey != "" {
		auth = adminauth.New(cfg.APIKey)
	}

	var dashboardWS http.HandlerFunc
	var hub *dashboard.Hub
	if cfg.DashboardEnabled {
		hub = dashboard.NewHub(qm, credMgr, upstreamNames)
		dashboardWS = hub.HandleWebSocket
	}

	httpHandler := httpapi.NewRouter(httpapi.Config{
		Orchestrator:   orc,
		Queue:          qm,
		Credentials:    credMgr,
		Auth:           auth,
		DashboardWS:    dashboardWS,
		MetricsHandler: metricsHandler(),
		APIPrefix:      cfg.APIPathPrefix,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopQueue := qm.Start(ctx)
	defer stopQueue()

	dashboardStop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("nyaproxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if hub != nil {
		g.Go(func() error {
			hub.Run(dashboardStop)
			return nil
		})
		g.Go(func() error {
			hub.RunTicker(dashboardStop, 2*time.Second)
			return nil
		})
	}

	<-gctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown timed out")
	}
	close(dashboardStop)

	return g.Wait()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
