package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func New(minLevel slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, minLevel, FormatText)
}

func NewWithWriter(w io.Writer, minLevel slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: minLevel}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewFileLogger logs to stdout and appends to filePath. The returned closer
// releases the file.
func NewFileLogger(filePath string, minLevel slog.Level, format Format) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return NewWithWriter(io.MultiWriter(os.Stdout, logFile), minLevel, format), logFile, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q (valid: DEBUG, INFO, WARN, ERROR)", s)
	}
}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format: %q (valid: text, json)", s)
	}
}
