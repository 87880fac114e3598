package monitoring

import (
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	onceMu   sync.Mutex
	onceSeen = make(map[string]struct{})
)

// WarnOnce logs a formatted warning at most once per process for a given
// format string. Recoverable numerical degeneracies use this so a long run
// doesn't fill the log with the same complaint on every iteration.
func WarnOnce(format string, v ...interface{}) {
	onceMu.Lock()
	_, seen := onceSeen[format]
	if !seen {
		onceSeen[format] = struct{}{}
	}
	onceMu.Unlock()
	if !seen {
		Logf("WARNING: "+format, v...)
	}
}

// ResetWarnings clears the warn-once record. Intended for tests.
func ResetWarnings() {
	onceMu.Lock()
	onceSeen = make(map[string]struct{})
	onceMu.Unlock()
}
