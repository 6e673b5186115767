package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/deepchecks/monitoring-oss/internal/config"
)

// Setup configures the process-wide default logger from config. When a
// logfile is set, output goes to a size-rotated file instead of stderr.
func Setup(cfg config.Logging, service string) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Logfile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Logfile,
			MaxSize:    cfg.LogfileMaxsizeMB,
			MaxBackups: cfg.LogfileBackupCount,
		}
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Loglevel)})
	logger := slog.New(h).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
