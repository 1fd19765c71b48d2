// Command auxd runs the browser automation command server. Clients connect
// over WebSocket, send JSON commands, and receive JSON responses; each
// connection is bound to an isolated browser context.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/auxproto/aux-go/internal/browser"
	"github.com/auxproto/aux-go/internal/config"
	"github.com/auxproto/aux-go/internal/ratelimit"
	"github.com/auxproto/aux-go/internal/security"
	"github.com/auxproto/aux-go/internal/server"
	"github.com/auxproto/aux-go/internal/sessionlog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg.Logging.Level)
	cfg.Validate()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("auth", cfg.Server.EnableAuth).
		Bool("headless", cfg.Browser.Headless).
		Msg("Starting auxd")

	var slog *sessionlog.Logger
	if cfg.Logging.EnableSessionLog {
		var err error
		slog, err = sessionlog.New(cfg.Logging.SessionLogPath, cfg.Logging.MaxLogFileSizeMB)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Logging.SessionLogPath).Msg("Failed to open session log")
		}
		defer slog.Close()
	}

	sanitizer := security.NewSanitizer(security.SanitizerConfig{
		Enabled:            cfg.Security.EnableInputSanitization,
		MaxSelectorLength:  cfg.Security.MaxSelectorLength,
		MaxTextInputLength: cfg.Security.MaxTextInputLength,
		MaxURLLength:       cfg.Security.MaxURLLength,
		AllowCustomJS:      cfg.Security.AllowCustomJS,
	})

	policy, err := security.NewDomainPolicy(
		cfg.Security.AllowedDomains,
		cfg.Security.BlockedDomains,
		cfg.Security.DomainPolicyPath,
		cfg.Security.DomainPolicyWatch,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build domain policy")
	}
	defer policy.Close()

	authn := security.NewAuthenticator(cfg.Server.EnableAuth, cfg.Server.APIKey)
	validator := security.NewValidator(sanitizer, policy)

	limiter := ratelimit.New(cfg.Server.RateLimitRPM, time.Minute, cfg.Server.RateLimitCooldown)

	manager := browser.NewManager(cfg, browser.NewRodDriver(), slog)
	manager.AddSweeper(limiter)
	if err := manager.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser")
	}

	srv := server.New(cfg, manager, limiter, authn, validator, slog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown did not complete cleanly")
	}
	manager.Close()
	log.Info().Msg("Shutdown complete")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
