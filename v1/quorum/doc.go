// Package quorum provides a majority-consensus lock over N independent node
// stores, in the style of the Redlock algorithm. An acquisition is a single
// atomic attempt: it succeeds only if a majority of nodes grant the key within
// the lock's validity window, and any partial grant is rolled back on failure.
// Nodes never coordinate with each other; each is an independent failure
// domain behind the NodeStore interface, so an in-memory store and a
// Redis-backed store are interchangeable.
package quorum
