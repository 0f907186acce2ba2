package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/edgequota/chainproxy/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a configured level to its slog equivalent. Unknown or
// empty levels resolve to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger. The level is read from lvl on
// every record, so callers can change it at runtime via lvl.Set. When
// cfg.File is set, output goes to a size-rotated file and the returned
// closer releases it; otherwise output goes to stdout and the closer is a
// no-op.
func NewLogger(cfg config.LoggingConfig, lvl *slog.LevelVar) (*slog.Logger, io.Closer) {
	if lvl == nil {
		lvl = new(slog.LevelVar)
	}
	lvl.Set(ParseLevel(cfg.Level))

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	return slog.New(newHandler(out, cfg.Format, lvl)), closer
}

func newHandler(w io.Writer, format config.LogFormat, lvl slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
