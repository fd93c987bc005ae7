// Local Agent: a stand-in for the hosting service's on-host agent, for running
// game servers built on the SDK without a fleet.
//
// It serves the command endpoint, the event endpoint and an admin API that
// pushes lifecycle events to connected processes.
//
// Configuration via environment variables:
//
//	LOCAL_AGENT_COMMAND_ADDR  command endpoint (default 127.0.0.1:5758)
//	LOCAL_AGENT_EVENT_ADDR    event endpoint (default 127.0.0.1:5759)
//	LOCAL_AGENT_ADMIN_ADDR    admin API and /metrics (default 127.0.0.1:5760)
//	LOCAL_AGENT_FLEET_ID      fleet id stamped on game sessions
//	LOCAL_AGENT_LOG_LEVEL     zerolog level
//
// Usage:
//
//	go run ./cmd/local-agent
//	curl -X POST localhost:5760/processes/<pid>/activate -d '{"maxPlayers":4}'
//	curl -X POST localhost:5760/processes/<pid>/terminate -d '{"in":"30s"}'
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type config struct {
	CommandAddr    string `env:"LOCAL_AGENT_COMMAND_ADDR" envDefault:"127.0.0.1:5758"`
	EventAddr      string `env:"LOCAL_AGENT_EVENT_ADDR" envDefault:"127.0.0.1:5759"`
	AdminAddr      string `env:"LOCAL_AGENT_ADMIN_ADDR" envDefault:"127.0.0.1:5760"`
	FleetID        string `env:"LOCAL_AGENT_FLEET_ID" envDefault:"fleet-local"`
	HostIP         string `env:"LOCAL_AGENT_HOST_IP" envDefault:"127.0.0.1"`
	CertificateDir string `env:"LOCAL_AGENT_CERT_DIR" envDefault:"/local/game/certificates"`
	LogLevel       string `env:"LOCAL_AGENT_LOG_LEVEL" envDefault:"info"`
}

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("local agent failed")
	}
	logger.Info().Msg("local agent stopped")
}

func initLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "local-agent").Logger()
	log.Logger = logger
	return logger
}

// run serves the three endpoints until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := newAgent(cfg, logger, reg)

	commandMux := http.NewServeMux()
	commandMux.HandleFunc("/", a.handleCommand)
	eventMux := http.NewServeMux()
	eventMux.HandleFunc("/", a.handleEvents)

	servers := []*http.Server{
		{Addr: cfg.CommandAddr, Handler: commandMux, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.EventAddr, Handler: eventMux, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.AdminAddr, Handler: a.adminHandler(reg), ReadHeaderTimeout: 10 * time.Second},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
