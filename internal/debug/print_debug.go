//go:build debug

// Package debug traces ledger and store internals in builds tagged "debug".
package debug

import "log"

// Print traces through the standard logger, so stdout keeps only command output
func Print(format string, args ...interface{}) {
	log.Printf("DEBUG: "+format, args...)
}
