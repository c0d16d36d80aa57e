package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l *zerolog.Logger) {
	current.Store(l)
}

// Logger returns the process logger.
func Logger() *zerolog.Logger {
	return current.Load()
}

// Enabled reports whether lvl would be written.
func Enabled(lvl zerolog.Level) bool {
	return Logger().GetLevel() <= lvl && zerolog.GlobalLevel() <= lvl
}

func Tracef(format string, args ...any) {
	Logger().Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	Logger().Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	Logger().Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	Logger().Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	Logger().Error().Msgf(format, args...)
}
