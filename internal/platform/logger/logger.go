package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output keeps log
// aggregation simple; the level comes from the environment so operators can
// enable debug logging without a rebuild.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("BASTION_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
