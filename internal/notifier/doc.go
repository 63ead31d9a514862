// Package notifier sends operator reports about finished executions to an
// ops chat.
//
// Reports come off the event bus, go through a small queue with a rate
// limit, retry and a duplicate-suppression window, and are delivered with
// the transport's SendText. Delivery is best-effort: a lost report never
// affects job state.
package notifier
