package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/app"
	"github.com/Cypherspark/campaign-dispatch/internal/config"
	"github.com/Cypherspark/campaign-dispatch/internal/logging"
)

// The worker runs the dispatch engine without the control-plane API:
// it activates scheduled campaigns and adopts running ones via the sweeper.
func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	log, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		exitCode = 1
		return
	}
	defer func() { _ = log.Sync() }()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		exitCode = 1
		return
	}
	if err := a.Start(rootCtx); err != nil {
		log.Error("engine start failed", zap.Error(err))
		exitCode = 1
		return
	}

	// ---- Healthz ----
	health := serveHealthz(cfg.HealthAddr, log)

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = health.Shutdown(shutdownCtx)
	if err := a.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("engine shutdown", zap.Error(err))
		exitCode = 1
	}
}

func serveHealthz(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("healthz server", zap.Error(err))
		}
	}()
	return srv
}
