package worker

import (
	"os"
	"strings"

	"uniconvert/internal/logging"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("UNICONVERT_WORKER_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		logging.Default().Debugf(format, args...)
	}
}
