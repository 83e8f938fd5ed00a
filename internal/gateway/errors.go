// ABOUTME: Gateway error taxonomy: transport, protocol, close-code, and fatal errors.
// ABOUTME: Only fatal classifications escalate to the shard supervisor.

package gateway

import (
	"errors"
	"fmt"

	"github.com/blanketsucks/lefi/internal/wire"
)

// ErrAuthenticationFailed means the server rejected the token during
// identify. Retrying would fail identically, so the shard stops.
var ErrAuthenticationFailed = errors.New("gateway authentication failed")

// ErrTooManyFailures means a shard exhausted its consecutive-failure budget.
var ErrTooManyFailures = errors.New("too many consecutive connection failures")

// errServerReconnect signals an op 7 frame: reconnect, resume state intact.
var errServerReconnect = errors.New("server requested reconnect")

// errInvalidSession signals an op 9 frame: restart the handshake.
var errInvalidSession = errors.New("server invalidated session")

// CloseError is a server-initiated close with a gateway close code.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed connection: code %d: %s", e.Code, e.Text)
}

// Fatal reports whether reconnecting after this close is pointless.
func (e *CloseError) Fatal() bool {
	return wire.IsFatalCloseCode(e.Code)
}

// isFatal classifies errors that must stop a shard permanently.
func isFatal(err error) bool {
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrTooManyFailures) {
		return true
	}
	var ce *CloseError
	return errors.As(err, &ce) && ce.Fatal()
}
