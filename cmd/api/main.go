package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/app"
	"github.com/Cypherspark/campaign-dispatch/internal/config"
	httpapi "github.com/Cypherspark/campaign-dispatch/internal/http"
	"github.com/Cypherspark/campaign-dispatch/internal/logging"
)

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
	if !cfg.DotEnvLoaded {
		log.Debug("no .env file found")
	}

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

	// ---- HTTP server ----
	srv := httpapi.NewServer(a.Engine, a.Checks(), log)
	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
}
