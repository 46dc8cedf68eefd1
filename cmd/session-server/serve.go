package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/clinical-session-insights/internal/httpapi"
	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/insight"
	"github.com/fpang/clinical-session-insights/internal/logging"
	"github.com/fpang/clinical-session-insights/internal/session"
	"github.com/fpang/clinical-session-insights/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket and HTTP API server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx := context.Background()
	startup := logging.NewStartupLogger(serviceName)

	a, err := bootstrap(ctx, startup)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	gateway, err := inference.New(ctx, cfg.Gemini.Inference())
	if err != nil {
		return err
	}
	if cfg.Gemini.ValidateOnStartup {
		if err := gateway.Validate(ctx); err != nil {
			if errors.Is(err, inference.ErrInvalidAPIKey) {
				return err
			}
			log.Warn().Err(err).Msg("Gemini key validation inconclusive, continuing")
		}
	}
	manager := session.NewManager(session.Deps{
		Store:               a.store,
		Transcriber:         gateway,
		Reports:             insight.New(gateway),
		BufferWarnThreshold: cfg.Session.BufferWarnThreshold,
	})

	mux := http.NewServeMux()
	mux.Handle(transport.Route, transport.NewHandler(manager, cfg.Session.SendTimeout(), cfg.Server.AllowedOrigins))
	httpapi.Register(mux, manager)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpapi.WithLogging(httpapi.WithCORS(cfg.Server.AllowedOrigins, mux)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	startup.Config("listenAddr", cfg.Server.ListenAddr).
		Config("model", gateway.Model()).
		Config("bufferWarnThreshold", strconv.Itoa(cfg.Session.BufferWarnThreshold)).
		InitDuration(time.Since(initStart)).
		Log()

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown, so the
		// manager disconnects live sessions itself.
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		manager.Shutdown(ctx)
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("Starting session server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	<-shutdownDone
	return nil
}
