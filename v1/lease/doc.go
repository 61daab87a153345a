// Package lease provides an in-process simulation of lease-based distributed
// locking. Each lock grants time-bounded ownership guarded by a fencing token;
// an expired lease is reclaimable by any waiter without contacting the holder.
// A Registry caches one lock per resource name and offers an acquire/run/release
// helper for critical sections.
package lease
