package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/agentarena/backend/internal/config"
)

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// sink is where log lines go. close is safe to call once.
type sink struct {
	w     io.Writer
	close func() error
}

func noClose() error { return nil }

// New builds the process logger tagged with service. The returned close func
// releases the log file when output includes one. Debug level also records
// the call site.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out, err := openSink(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(cfg.Format, out.w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})
	if err != nil {
		_ = out.close()
		return nil, nil, err
	}
	return slog.New(handler).With("service", serviceName), out.close, nil
}

// Component tags a logger with the subsystem that owns it.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

// openSink resolves console|stderr|file|both. stderr keeps logs apart from
// command output written to stdout.
func openSink(serviceName string, cfg config.LogConfig) (sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "console", "stdout":
		return sink{w: os.Stdout, close: noClose}, nil
	case "stderr":
		return sink{w: os.Stderr, close: noClose}, nil
	case "file":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return sink{}, err
		}
		return sink{w: file, close: file.Close}, nil
	case "both":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return sink{}, err
		}
		return sink{w: io.MultiWriter(os.Stdout, file), close: file.Close}, nil
	default:
		return sink{}, fmt.Errorf("invalid log output %q (expected console|stderr|file|both)", cfg.Output)
	}
}

func openLogFile(serviceName, configuredPath string) (*os.File, error) {
	path := strings.TrimSpace(configuredPath)
	if path == "" {
		path = filepath.Join(".docker", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}

func parseLevel(raw string) (slog.Level, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
	return level, nil
}
