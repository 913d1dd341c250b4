// Package async provides a panic-safe goroutine spawn helper used
// anywhere the dispatch loop hands a task off to a background executor:
// a panicking executor must never take the whole process down with it.
package async

import "runtime/debug"

// PanicLogger is the minimal logging surface Go needs to report a
// recovered panic.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a new goroutine guarded by panic recovery, tagging any
// recovered panic with name for the log record.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without letting the panic propagate.
// Deferred directly in a goroutine's body.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
