// Package inbox deduplicates broker deliveries for at-least-once consumers.
//
// An outbox dispatcher may deliver the same event more than once: after a
// crash between broker publish and state persistence, or after a stuck claim
// is reclaimed. The inbox guard makes redelivery harmless by recording each
// (event id, consumer name) pair in a consumed-events table with a uniqueness
// constraint, and binding that record to the handler's side effects in one
// database transaction. A handler failure rolls the claim back, so the next
// redelivery retries cleanly; a duplicate delivery skips the handler entirely.
package inbox
