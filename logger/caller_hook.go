package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// framesToSkip covers runtime.Callers, Fire and the logrus hook dispatch.
const framesToSkip = 6

var wrapperPackages = []string{"sirupsen/logrus", "hyperflow/logger"}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// Entry wrappers in this package, otherwise every line reports logger.go.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(framesToSkip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, pkg := range wrapperPackages {
		if strings.Contains(fn, pkg) {
			return true
		}
	}
	return false
}
