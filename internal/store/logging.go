package store

import (
	"fmt"

	"github.com/monashautomation/printfarm-controlplane/internal/logger"
)

// Log is the package-level logger used by store internals (schema init,
// connection setup), installed via SetLogger; while it is nil, messages are
// printed to stdout so early-init errors aren't silently dropped.
var Log *logger.Logger

func SetLogger(l *logger.Logger) { Log = l }

func logInfo(msg string, kv ...interface{}) {
	if Log != nil {
		Log.Info(msg, kv...)
		return
	}
	fmt.Println("[INFO]", msg, formatKV(kv...))
}

func logWarn(msg string, kv ...interface{}) {
	if Log != nil {
		Log.Warn(msg, kv...)
		return
	}
	fmt.Println("[WARN]", msg, formatKV(kv...))
}

func formatKV(kv ...interface{}) string {
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		s += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return s
}
