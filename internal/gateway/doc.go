// Package gateway maintains the persistent push-based socket feed: each
// shard runs an independent connect/identify/heartbeat/resume state machine
// over one websocket, and the Manager supervises the full shard set under
// the identify concurrency limiter.
//
// # Session state machine
//
// A Session moves through
//
//	Disconnected -> Connecting -> AwaitingHello -> Identifying/Resuming
//	             -> Ready -> SteadyState -> Reconnecting -> Connecting ...
//
// terminating only on deliberate shutdown or a fatal error (bad credentials,
// fatal close codes, exhausted failure budget). Resume credentials survive
// reconnects unless the server invalidates them.
//
// # Supervision
//
// The Manager owns one Session per shard id, gates first identifies behind
// the shared identify limiter, restarts unexpectedly terminated shards with
// bounded backoff, and closes Ready once every shard has reached steady
// state at least once. Fatal shard errors surface on Err; transient
// reconnects self-heal silently.
package gateway
