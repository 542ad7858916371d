package debug

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

const envDebug = "TEXTSOCKET_DEBUG"

var (
	level  = new(slog.LevelVar)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

func init() {
	level.Set(slog.LevelInfo)
	debugEnv, exists := os.LookupEnv(envDebug)
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			level.Set(slog.LevelDebug)
		}
	}
}

// Logger returns the process logger. Its level follows Enable and Disable.
func Logger() *slog.Logger {
	return logger
}

func Enabled() bool {
	return level.Level() <= slog.LevelDebug
}

func Printf(format string, v ...interface{}) {
	if Enabled() {
		logger.Debug(fmt.Sprintf(format, v...))
	}
}

func Enable() {
	level.Set(slog.LevelDebug)
}

func Disable() {
	level.Set(slog.LevelInfo)
}
