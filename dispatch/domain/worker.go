package domain

import "time"

// WorkerThread is an owned, leasable unit of execution with its own
// event loop. Workers are not bound to a specific endpoint; they are
// leased from an endpoint-scoped free-list and may service any operation
// handed to them one at a time.
//
// Grounded on the original Lightstreamer LSURLDispatcherThread: an
// NSThread subclass with a lastActivity property, constructed only by
// and addressed only through its owning dispatcher.
type WorkerThread interface {
	// Post marshals fn onto the worker's event loop and returns without
	// waiting for fn to run (an implementation may block the caller
	// while its queue of pending tasks is full); fn runs serialized with
	// every other posted fn on this worker.
	Post(fn func())

	// LastActivity reports when this worker last ran a posted fn, for
	// idle-reclamation bookkeeping.
	LastActivity() time.Time

	// Stop tears the worker down. Safe to call more than once.
	Stop()
}
