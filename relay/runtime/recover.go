package runtime

import (
	"context"
	"runtime/debug"

	"github.com/LerianStudio/lib-relay/relay/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for workers and handlers
// where you want to prevent crashes.
//
//	func worker() {
//	    defer runtime.RecoverAndLog(logger, "worker")
//	    // ...
//	}
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, "", name, r)
	}
}

// RecoverAndLogWithContext is like RecoverAndLog but carries the component
// name and context so log correlation fields (trace id) are preserved.
//
//	func (d *Dispatcher) run(ctx context.Context) {
//	    defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "dispatcher_run")
//	    // ...
//	}
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, name, r)
	}
}

// SafeGo starts fn on a new goroutine with panic recovery. A panicking fn is
// logged and the goroutine exits without crashing the process.
func SafeGo(logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLogWithContext(context.Background(), logger, component, name)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("source", name),
		log.Any("panic", panicValue),
		log.String("stack_trace", string(debug.Stack())),
	}

	if component != "" {
		fields = append(fields, log.String("component", component))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}
