// Package runtime provides panic-safety helpers for background goroutines:
// deferred recovery with structured logging and a SafeGo goroutine launcher.
package runtime
