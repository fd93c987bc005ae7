package gameserver

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Default endpoints of the local agent.
const (
	DefaultCommandURL     = "http://localhost:5758/"
	DefaultEventURL       = "ws://127.0.0.1:5759"
	DefaultCommandTimeout = 30 * time.Second
)

// Config holds the configuration for a Server.
type Config struct {
	// CommandURL is the agent's request/response endpoint.
	// Fallback: GAMELIFT_SDK_COMMAND_URL, then DefaultCommandURL.
	CommandURL string

	// EventURL is the agent's websocket endpoint for pushed events.
	// Fallback: GAMELIFT_SDK_EVENT_URL, then DefaultEventURL.
	EventURL string

	// ProcessID identifies this process to the agent.
	// Fallback: GAMELIFT_SDK_PROCESS_ID, then os.Getpid().
	ProcessID string

	// CommandTimeout bounds a single command round trip.
	// Fallback: GAMELIFT_SDK_COMMAND_TIMEOUT, then DefaultCommandTimeout.
	CommandTimeout time.Duration

	// LogLevel is used for the default logger ("debug", "info", ...).
	// Fallback: GAMELIFT_SDK_LOG_LEVEL, then "info".
	LogLevel string
}

type envConfig struct {
	CommandURL     string        `env:"GAMELIFT_SDK_COMMAND_URL"`
	EventURL       string        `env:"GAMELIFT_SDK_EVENT_URL"`
	ProcessID      string        `env:"GAMELIFT_SDK_PROCESS_ID"`
	CommandTimeout time.Duration `env:"GAMELIFT_SDK_COMMAND_TIMEOUT"`
	LogLevel       string        `env:"GAMELIFT_SDK_LOG_LEVEL"`
}

// resolveConfig fills empty fields from environment variables, then defaults,
// and validates the endpoints.
func resolveConfig(cfg Config) (Config, error) {
	fromEnv, err := env.ParseAs[envConfig]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if cfg.CommandURL == "" {
		cfg.CommandURL = fromEnv.CommandURL
	}
	if cfg.EventURL == "" {
		cfg.EventURL = fromEnv.EventURL
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = fromEnv.ProcessID
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = fromEnv.CommandTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fromEnv.LogLevel
	}

	if cfg.CommandURL == "" {
		cfg.CommandURL = DefaultCommandURL
	}
	if cfg.EventURL == "" {
		cfg.EventURL = DefaultEventURL
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = strconv.Itoa(os.Getpid())
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := checkURL(cfg.CommandURL, "http", "https"); err != nil {
		return cfg, fmt.Errorf("CommandURL: %w", err)
	}
	if err := checkURL(cfg.EventURL, "ws", "wss"); err != nil {
		return cfg, fmt.Errorf("EventURL: %w", err)
	}
	return cfg, nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %v", raw, schemes)
}
