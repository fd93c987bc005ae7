package gameserver

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds the default logger: JSON on stderr, timestamped, at the
// configured level. Unknown levels fall back to info.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).Level(lvl).With().
		Timestamp().
		Str("sdk", "gameserver").
		Str("sdk_version", Version).
		Logger()
}

func withComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
