// Package log configures the process-wide zerolog logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sawpanic/derivflow/internal/config"
)

// Setup builds a logger from cfg, installs it as the global zerolog logger and returns it.
// The returned closer releases the log file, if any.
func Setup(cfg config.LogConfig, stderr *os.File) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	console, err := useConsole(cfg.Format, stderr)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var out io.Writer = stderr
	if console {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	zlog.Logger = logger
	return logger, closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func useConsole(format string, f *os.File) (bool, error) {
	switch strings.ToLower(format) {
	case "", "auto":
		return f != nil && term.IsTerminal(int(f.Fd())), nil
	case "console", "text":
		return true, nil
	case "json":
		return false, nil
	}
	return false, fmt.Errorf("invalid log format %q", format)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
