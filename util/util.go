package util

import "log"

// Logging is a clumsy global switch that affects what Logf does.
//
// The daemon sets it from its debug configuration.
var Logging = false

// Logf calls log.Printf when Logging is on.
func Logf(format string, args ...interface{}) {
	if !Logging {
		return
	}
	log.Printf(format, args...)
}
