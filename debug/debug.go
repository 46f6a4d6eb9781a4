package debug

import (
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	debugEnv, exists := os.LookupEnv("TRACKING_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			enabled.Store(val)
		}
	}
}

// Printf traces msg on logger when TRACKING_DEBUG is set. Traces are emitted
// at info level so they show up without reconfiguring the handler.
func Printf(logger *slog.Logger, msg string, args ...any) {
	if !enabled.Load() || logger == nil {
		return
	}
	logger.Info(msg, append(args, "trace", true)...)
}

func Enable() {
	enabled.Store(true)
}

func Disable() {
	enabled.Store(false)
}
