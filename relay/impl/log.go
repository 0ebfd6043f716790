package impl

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// logger is the base logger of the relay. Set FRAMERELAY_LOG=no to silence it,
// or to a zerolog level name to filter it.
var logger zerolog.Logger

func init() {
	level := zerolog.InfoLevel

	switch env := strings.TrimSpace(os.Getenv("FRAMERELAY_LOG")); env {
	case "":
	case "no":
		level = zerolog.Disabled
	default:
		parsed, err := zerolog.ParseLevel(env)
		if err == nil {
			level = parsed
		}
	}

	logger = NewLogger(logout, level)
}

// NewLogger returns a timestamped logger writing to out.
func NewLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the base logger. Components derive their own logger from it
// with extra fields.
func Logger() zerolog.Logger {
	return logger
}

// SetLogger replaces the base logger. It must be called before any component
// is created.
func SetLogger(l zerolog.Logger) {
	logger = l
}
