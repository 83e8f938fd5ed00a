// ABOUTME: Package sessionstore persists gateway resume credentials to SQLite
// ABOUTME: so shard sessions survive process restarts

// Package sessionstore stores per-shard session IDs, resume URLs, and
// sequence numbers in a local SQLite database. The gateway supervisor
// loads them on startup to attempt a resume instead of a fresh identify.
package sessionstore
