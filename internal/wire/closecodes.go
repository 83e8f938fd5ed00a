// ABOUTME: Gateway close-code constants and their reconnect/resume classification.
// ABOUTME: Fatal codes stop a shard; non-resumable codes force a fresh identify.

package wire

// Gateway close codes sent by the server.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalCloseCode reports whether reconnecting is pointless: the handshake
// would fail identically on every retry.
func IsFatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}
	return false
}

// CanResumeAfter reports whether a session may reattach with a resume
// handshake after the given close code. Fatal codes never resume; an invalid
// sequence or timed-out session requires a fresh identify.
func CanResumeAfter(code int) bool {
	if IsFatalCloseCode(code) {
		return false
	}
	switch code {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return true
}
