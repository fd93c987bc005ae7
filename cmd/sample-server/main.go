// Sample Server: a minimal game server process built with the SDK.
//
// It registers with the local agent, activates each game session it is given,
// ends the match after SAMPLE_SERVER_MATCH_LENGTH and exits. A terminate
// request ends the match early.
//
// Configuration via environment variables (the SDK also reads GAMELIFT_SDK_*):
//
//	SAMPLE_SERVER_PORT          port reported to the agent (default 8080)
//	SAMPLE_SERVER_MATCH_LENGTH  how long a match runs (default 3s)
//	SAMPLE_SERVER_METRICS_ADDR  serve /metrics here when set
//
// Usage:
//
//	go run ./cmd/local-agent &
//	go run ./cmd/sample-server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gameserver "github.com/layr8/gameserver-sdk"
)

type config struct {
	Port            int           `env:"SAMPLE_SERVER_PORT" envDefault:"8080"`
	LogPaths        []string      `env:"SAMPLE_SERVER_LOG_PATHS" envSeparator:","`
	MatchLength     time.Duration `env:"SAMPLE_SERVER_MATCH_LENGTH" envDefault:"3s"`
	ConnectAttempts int           `env:"SAMPLE_SERVER_CONNECT_ATTEMPTS" envDefault:"5"`
	MetricsAddr     string        `env:"SAMPLE_SERVER_METRICS_ADDR"`
}

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Str("app", "sample-server").Logger()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("sample server failed")
	}
}

func run(ctx context.Context, cfg config) error {
	reg := prometheus.NewRegistry()
	server, err := gameserver.NewServer(gameserver.Config{},
		gameserver.WithLogger(log.Logger),
		gameserver.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}
	log.Info().Str("sdk_version", server.SDKVersion()).Msg("starting")

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	policy := newRetryPolicy(500*time.Millisecond, 5*time.Second, cfg.ConnectAttempts)
	err = retry(ctx, policy, server.Connect, func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Msg("agent not reachable, retrying")
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	g := newGame(server, log.Logger, cfg.MatchLength)
	if err := server.ProcessReady(ctx, g.processParameters(cfg.Port, cfg.LogPaths)); err != nil {
		return fmt.Errorf("process ready: %w", err)
	}
	log.Info().Int("port", cfg.Port).Msg("waiting for a game session")

	err = g.run(ctx)
	if errors.Is(err, context.Canceled) {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if endErr := server.ProcessEnding(endCtx); endErr != nil {
			log.Error().Err(endErr).Msg("ProcessEnding failed")
		}
	}
	return err
}
