package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger instantiates the zerolog configuration shared by every
// ledgerwal component, tagging every line with namespace (typically
// Options.MetricsNamespace) so a process that embeds more than one
// WriteAheadLog can still tell their logs apart. Level and output
// format are driven by environment variables so the same binary
// behaves differently in a dev shell versus under a supervisor that
// collects JSON logs.
func NewLogger(namespace string) *zerolog.Logger {
	var logger zerolog.Logger
	switch strings.TrimSpace(os.Getenv("LEDGERWAL_LOG_LEVEL")) {
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if strings.TrimSpace(os.Getenv("LEDGERWAL_LOG_FORMAT_JSON")) == "" {
		output := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: time.RFC3339}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %s |", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		}

		logger = zerolog.New(output).With().Timestamp().Caller().Str("namespace", namespace).Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Str("namespace", namespace).Logger()
	}
	return &logger
}
