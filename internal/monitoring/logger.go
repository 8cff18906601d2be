// Package monitoring holds the package-level diagnostic logger shared by the
// formation service components.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Errorf logs with an "ERROR: " prefix so backend failures stand out in mixed
// request/recognition logs.
func Errorf(format string, v ...interface{}) {
	Logf("ERROR: "+format, v...)
}
