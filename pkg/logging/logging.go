// Package logging builds the process logger from command line settings.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wilhg/ckptviz/pkg/errmodel"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// ParseLevel accepts the usual level names, case-insensitively. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, errmodel.Validation("invalid_log_level", fmt.Sprintf("unknown log level %q", s), nil)
	}
	return l, nil
}

// New returns a logger writing to w.
func New(w io.Writer, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, errmodel.Validation("invalid_log_format", fmt.Sprintf("unknown log format %q", cfg.Format), nil)
	}
	return slog.New(h), nil
}
