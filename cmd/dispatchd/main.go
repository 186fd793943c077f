package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apexsec/dispatch/pkg/gateway/config"
	gatewayserver "github.com/apexsec/dispatch/pkg/gateway/server"
	"github.com/apexsec/dispatch/pkg/gateway/store"
)

// sweepInterval controls how often ended calls are evicted from the
// in-memory registry. Ended sessions stay visible to late transcript
// reads for sweepKeep before eviction.
const (
	sweepInterval = 5 * time.Minute
	sweepKeep     = time.Hour
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, dsn string, connectTimeout time.Duration) (store.Recorder, error)
	newGateway   func(config.Config, *slog.Logger, store.Recorder) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig: config.LoadFromEnv,
		openStore: func(ctx context.Context, dsn string, connectTimeout time.Duration) (store.Recorder, error) {
			return store.Open(ctx, dsn, connectTimeout)
		},
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runDaemon(ctx context.Context, logger *slog.Logger, deps daemonDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var recorder store.Recorder = store.NoopRecorder{}
	if cfg.DatabaseURL != "" {
		if deps.openStore == nil {
			return errors.New("missing openStore dependency")
		}
		rec, err := deps.openStore(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		recorder = rec
		if closer, ok := rec.(interface{ Close() }); ok {
			defer closer.Close()
		}
	} else {
		logger.Warn("no database configured, call log disabled")
	}

	gw, err := deps.newGateway(cfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	gw.Lifecycle().MarkStarted(time.Now())
	logger.Info("starting dispatch gateway",
		"addr", cfg.Addr, "auth_mode", cfg.AuthMode, "store", cfg.DatabaseURL != "")

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go runSweeper(sweepCtx, gw, logger)
	if cfg.SOPPath != "" && cfg.SOPReloadInterval > 0 {
		go runSOPReloader(sweepCtx, gw, cfg, logger)
	}

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnMonitorsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitMonitors(waitCtx) {
		gw.CancelMonitors()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runSweeper(ctx context.Context, gw *gatewayserver.Server, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := gw.Registry().Sweep(sweepKeep); n > 0 {
				logger.Info("swept ended calls", "count", n)
			}
		}
	}
}

func runSOPReloader(ctx context.Context, gw *gatewayserver.Server, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SOPReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.SOPs().Reload(cfg.SOPPath); err != nil {
				logger.Error("sop reload failed", "path", cfg.SOPPath, "error", err)
			}
		}
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(stderr, "dispatchd: %v\n", err)
		return 1
	}

	if err := runDaemon(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "dispatchd: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}
