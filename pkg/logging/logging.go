// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level  string
	Format string
	// File sends logs to a rotated file instead of stderr. The TUI needs
	// this since it owns the terminal.
	File string
}

// Init installs the global logger and returns a closer for the log file, if
// any.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}

	w, closer := writerFor(s)
	logger, err := newLogger(w, s.Format, level)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return closer, nil
}

func writerFor(s Settings) (io.Writer, io.Closer) {
	if strings.TrimSpace(s.File) == "" {
		return os.Stderr, nil
	}
	lj := &lumberjack.Logger{
		Filename:   s.File,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14,
	}
	return lj, lj
}

func newLogger(w io.Writer, format string, level zerolog.Level) (zerolog.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		_, isFile := w.(*lumberjack.Logger)
		w = zerolog.ConsoleWriter{Out: w, NoColor: isFile, TimeFormat: "15:04:05.000"}
	case "json":
	default:
		return zerolog.Logger{}, errors.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
