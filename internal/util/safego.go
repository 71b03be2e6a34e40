package util

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/moltbunker/bondoracle/internal/logging"
)

var recoveredPanics atomic.Uint64

// RecoveredPanics returns how many goroutine panics have been recovered
func RecoveredPanics() uint64 {
	return recoveredPanics.Load()
}

func recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	recoveredPanics.Add(1)
	args := []any{"panic", r, "stack", string(debug.Stack())}
	if name != "" {
		args = append([]any{"goroutine", name}, args...)
	}
	logging.Error("goroutine panic recovered", args...)
}

// SafeGo runs fn in a goroutine. A panic is logged with its stack trace
// instead of crashing the process.
func SafeGo(fn func()) {
	SafeGoWithName("", fn)
}

// SafeGoWithName is SafeGo with a goroutine name attached to the panic log.
//
// Example:
//
//	util.SafeGoWithName("event-stream", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

// GoWithDone runs fn like SafeGoWithName and returns a channel that is
// closed when fn returns or panics.
func GoWithDone(name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer recoverPanic(name)
		fn()
	}()
	return done
}
