package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the daemon's zerolog setup: level, sinks, and the rotating
// file behind them.
type Logger struct {
	zl   zerolog.Logger
	file *RotatingWriter
}

// Config describes where daemon logs go.
type Config struct {
	Level   string // trace, debug, info, warn, error
	File    string // empty keeps logs off disk
	Console bool
	Pretty  bool
	// Output replaces stderr as the console sink.
	Output io.Writer

	Redaction bool
	// Secrets are literal values (bot token, gateway secret) masked in every
	// line when redaction is on.
	Secrets []string

	MaxSize  int // MB, 0 disables rotation
	MaxAge   int // days
	Compress bool
}

// New builds the logger and installs it as log.Logger so packages that log
// through the global share the same sinks.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	sinks, file, err := openSinks(cfg)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch len(sinks) {
	case 0:
		w = consoleSink(cfg)
	case 1:
		w = sinks[0]
	default:
		w = zerolog.MultiLevelWriter(sinks...)
	}

	if cfg.Redaction {
		r := NewRedactor()
		for _, secret := range cfg.Secrets {
			r.AddLiteral(secret)
		}
		w = r.Wrap(w)
	}

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	log.Logger = zl

	return &Logger{zl: zl, file: file}, nil
}

func parseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func openSinks(cfg Config) ([]io.Writer, *RotatingWriter, error) {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg))
	}
	if cfg.File == "" {
		return sinks, nil, nil
	}
	file, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
	}
	return append(sinks, file), file, nil
}

func consoleSink(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Pretty {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Component returns a child logger tagged component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// DefaultConfig logs pretty output to the console with redaction on and a
// two week retention for rotated files.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   50,
		MaxAge:    14,
		Compress:  true,
	}
}
