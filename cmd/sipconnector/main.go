package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/sipconnector/internal/api"
	"github.com/flowpbx/sipconnector/internal/api/middleware"
	"github.com/flowpbx/sipconnector/internal/app"
	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/config"
	"github.com/flowpbx/sipconnector/internal/database"
	"github.com/flowpbx/sipconnector/internal/metrics"
	"github.com/flowpbx/sipconnector/internal/mncc"
	"github.com/flowpbx/sipconnector/internal/reactor"
	"github.com/flowpbx/sipconnector/internal/sip"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	eventQueueDepth   = 1024
	historyQueueDepth = 256
	historySweepEvery = time.Hour
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	out, logCloser := cfg.LogOutput()
	logger := slog.New(cfg.SlogHandler(out))
	slog.SetDefault(logger)
	if logCloser != nil {
		defer logCloser.Close()
	}

	slog.Info("starting sipconnector",
		"version", version,
		"sip_local", fmt.Sprintf("%s:%d", cfg.SIPLocalAddr, cfg.SIPLocalPort),
		"sip_remote", fmt.Sprintf("%s:%d", cfg.SIPRemoteAddr, cfg.SIPRemotePort),
		"mncc_socket", cfg.MNCCSocket,
		"http_port", cfg.HTTPPort,
	)
	if err := run(cfg, logger); err != nil {
		slog.Error("sipconnector failed", "error", err)
		os.Exit(1)
	}
	slog.Info("sipconnector stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observers := app.Observers{metrics.NewCounters(reg)}

	// Call history is optional.
	var (
		history      database.CallHistoryRepository
		historyCount metrics.HistoryCounter
		recorder     *database.HistoryRecorder
	)
	historyCtx, historyCancel := context.WithCancel(context.Background())
	defer historyCancel()
	if cfg.DataDir != "" {
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening call history: %w", err)
		}
		defer db.Close()

		history = database.NewCallHistoryRepository(db)
		historyCount = history
		recorder = database.NewHistoryRecorder(history, historyQueueDepth, logger)
		observers = append(observers, recorder)
		go recorder.Run(historyCtx)
		database.StartHistoryCleanupTicker(appCtx, history, cfg.HistoryMaxDays, historySweepEvery)
	}

	loop := reactor.New(eventQueueDepth, logger)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()
	defer func() {
		loopCancel()
		<-loopDone
	}()

	registry := call.NewRegistry(observers, logger)

	conn := mncc.NewConnection(mncc.Config{
		SocketPath:      cfg.MNCCSocket,
		UseIMSI:         cfg.UseIMSI,
		EmergencyNumber: cfg.EmergencyNumber,
	}, loop, registry, nil, logger)

	sipSrv, err := sip.NewServer(sip.ServerConfig{
		ListenAddr:  cfg.SIPLocalAddr,
		ListenPort:  cfg.SIPLocalPort,
		LocalAddr:   cfg.SIPLocalAddr,
		LocalPort:   cfg.SIPLocalPort,
		Transport:   cfg.SIPTransport,
		UserAgent:   "sipconnector/" + version,
		Credentials: sip.Credentials{Username: cfg.SIPUsername, Password: cfg.SIPPassword},
		InviteRate:  cfg.SIPInviteRate,
		InviteBurst: cfg.SIPInviteBurst,
	}, loop, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	agent := sip.NewAgent(sip.AgentConfig{
		LocalAddr:  cfg.SIPLocalAddr,
		LocalPort:  cfg.SIPLocalPort,
		RemoteAddr: cfg.SIPRemoteAddr,
		RemotePort: cfg.SIPRemotePort,
	}, sipSrv, registry, nil, logger)
	sipSrv.SetHandler(agent)

	gw := app.New(registry, agent, conn, logger)
	conn.SetRouter(gw)
	agent.SetRouter(gw)
	conn.SetOnDisconnect(gw.MNCCDisconnected)

	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}
	conn.Start()

	inspector := app.NewInspector(loop, registry, conn)
	reg.MustRegister(metrics.NewCollector(inspector, inspector, sipSrv, historyCount, startTime))

	errCh := make(chan error, 1)
	var srv *http.Server
	if cfg.HTTPPort > 0 {
		var limiter *middleware.IPRateLimiter
		if cfg.HTTPRateLimit > 0 {
			limiter = middleware.NewIPRateLimiter(appCtx, middleware.NewRateLimitConfig(cfg.HTTPRateLimit))
		}
		handler := api.NewServer(inspector, api.Options{
			History: history,
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Limiter: limiter,
			Version: version,
		}, logger)

		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case runErr = <-errCh:
		slog.Error("http server error", "error", runErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}
	sipSrv.Stop()
	if err := loop.Do(ctx, conn.Close); err != nil {
		slog.Error("closing mncc connection", "error", err)
	}
	appCancel()
	loopCancel()
	<-loopDone

	// Calls released during shutdown are still written.
	if recorder != nil {
		historyCancel()
		select {
		case <-recorder.Done():
		case <-ctx.Done():
			slog.Warn("call history flush timed out")
		}
	}
	return runErr
}
