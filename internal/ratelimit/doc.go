// Package ratelimit implements the two limiters the client depends on: a
// per-bucket REST limiter that learns quotas from response headers and
// honors the global lockout, and the identify concurrency limiter that
// staggers gateway handshakes across shards.
package ratelimit
