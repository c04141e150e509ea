// Package logger is the process-wide structured logger. It wraps zerolog's global
// logger so call sites only pass a message and key/value pairs.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/ptcsim/emp/pkg/utils"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the global logger. Development environments and interactive
// terminals get the console writer, everything else gets JSON lines.
func Init(environment string, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if environment == "development" || term.IsTerminal(int(os.Stdout.Fd())) {
		log = zerolog.New(utils.ZerologConsoleWriter()).Level(lvl).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	}
}

// Set replaces the global logger. Tests use it to capture output.
func Set(l zerolog.Logger) {
	log = l
}

// Get returns the current logger.
func Get() zerolog.Logger {
	return log
}

func Debug(msg string, keyvals ...any) {
	log.Debug().Fields(keyvals).Msg(msg)
}

func Info(msg string, keyvals ...any) {
	log.Info().Fields(keyvals).Msg(msg)
}

func Warn(msg string, keyvals ...any) {
	log.Warn().Fields(keyvals).Msg(msg)
}

// Error logs msg at error level with err attached (err may be nil).
func Error(msg string, err error, keyvals ...any) {
	log.Error().Err(err).Fields(keyvals).Msg(msg)
}

// Fatal logs and exits the process with status 1.
func Fatal(msg string, err error, keyvals ...any) {
	log.Fatal().Err(err).Fields(keyvals).Msg(msg)
}
