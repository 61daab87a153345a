// Package fairqueue provides an in-process simulation of coordination-service
// style locking with strict FIFO admission. Every acquire attempt registers a
// sequence-numbered waiter entry under its lock path; the lock is held by
// whichever live waiter has the smallest sequence number. Admission is purely
// structural, so an earlier waiter is never overtaken regardless of wake-up
// timing. Removal is the only grant step: releasing an entry implicitly
// promotes the next-smallest waiter.
package fairqueue
