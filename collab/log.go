package collab

import (
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info (glog.Infof):
//     abnormal events. This level should be silent on normal operation.
//     this includes:
//     - storage errors and save retries
//     - lost save races and forced session closes
//     - protocol violations (malformed frames, serial gaps, permission denials)
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     room and session lifecycle: create, initialize, cleanup, save, reload, rename
// V(2):
//     per message trace. Frequent events should only be logged at this level.

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}

// HandleError runs `do` and recovers a panic. The panic is logged under `tag`
// and then each of `onPanic` runs, so one failed session or room goroutine
// leaves the rest of the server running.
func HandleError(tag string, do func(), onPanic ...func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("%s unexpected error = %v\n%s", tag, r, debug.Stack())
			for _, f := range onPanic {
				f()
			}
		}
	}()
	do()
}
