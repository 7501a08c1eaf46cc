package social

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `social` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - graph initialization
//     - RTA resubscribe sweeps after a reconnect
// Error:
//     unrecoverable crash details and invariant violations
//     this includes:
//     - events for users missing from the graph
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key events for trace debugging with xuids that can be used to filter
// V(2):
//     frequent events - e.g. per-event application, timer fires - that would
//     flood at V(1)

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(1) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		log("%s: %s", tag, fmt.Sprintf(format, a...))
	}
}
