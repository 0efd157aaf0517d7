// Package history records session lifecycle events in batches.
//
// Events are cheap to record from inside protocol handlers: Record only
// appends to an in-memory batch. Run flushes the batch to a Sink on a fixed
// interval; a failed flush keeps the events for the next attempt.
package history
