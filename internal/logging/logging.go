// Package logging builds the process-wide slog.Logger from configuration.
// Event records and diagnostics share one sink.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"

	"github.com/tripwire/filemon/internal/config"
)

// TimeLayout is the timestamp layout used by the text format.
const TimeLayout = "2006-01-02 15:04:05"

// ParseLevel maps a configured level name to a slog.Level. Unknown names map
// to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New constructs the logger described by cfg. The returned io.Closer releases
// the sink (a no-op for stdout/stderr) and must be called on shutdown.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	w, closer, err := openSink(cfg)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(NewHandler(w, cfg.Format, ParseLevel(cfg.Level))), closer, nil
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise. Text output renders the time as "2006-01-02 15:04:05".
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
			return slog.String(slog.TimeKey, a.Value.Time().Format(TimeLayout))
		}
		return a
	}
	return slog.NewTextHandler(w, opts)
}

// nopCloser is returned for the standard streams, which must stay open.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openSink opens the writer named by cfg.Output. The file sink appends and
// creates the file with mode 0640; the GELF sink sends one UDP datagram per
// record to cfg.GELFAddr.
func openSink(cfg config.LogConfig) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "file":
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %q: %w", cfg.File, err)
		}
		return f, f, nil
	case "gelf":
		gw, err := gelf.NewUDPWriter(cfg.GELFAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: gelf writer for %q: %w", cfg.GELFAddr, err)
		}
		return gw, gw, nil
	default:
		return nil, nil, fmt.Errorf("logging: unsupported output %q", cfg.Output)
	}
}
