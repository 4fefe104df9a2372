// Package logging builds the engine's zerolog loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the log destination and level.
type Options struct {
	// Path appends JSON log lines to a file. Empty means stderr.
	Path string
	// Console renders human-readable output instead of JSON.
	Console bool
	Level   zerolog.Level
}

// New builds a logger per Options. The returned closer is nil when no
// file was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		w = zerolog.SyncWriter(f)
		closer = f
	} else if opts.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(w).Level(opts.Level).With().Timestamp().Logger()
	return logger, closer, nil
}

// Nop returns a disabled logger for tests and optional paths.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
