// ABOUTME: Gateway wire envelope codec: opcode, data, sequence, and event name.
// ABOUTME: Decode failures are recoverable per-frame, not fatal to the connection.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway opcodes. Opcodes not listed here are treated as no-ops by sessions.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Payload is the wire envelope carried by every gateway frame.
// Seq and Type are only present on dispatch frames.
type Payload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// DecodeError wraps a per-frame decode failure. Callers log and continue
// unless failures repeat past their own threshold.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding gateway frame: %v", e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// Decode parses a raw gateway frame into a Payload.
func Decode(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{cause: errors.New("empty frame")}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DecodeError{cause: err}
	}
	return &p, nil
}

// Encode serializes a Payload for transmission.
func Encode(p *Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding gateway frame: %w", err)
	}
	return data, nil
}

// Hello is the body of the server's first frame (op 10).
// The heartbeat interval is in milliseconds.
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Ready is the body of the READY dispatch acknowledging a fresh identify.
type Ready struct {
	SessionID        string          `json:"session_id"`
	ResumeGatewayURL string          `json:"resume_gateway_url"`
	User             json.RawMessage `json:"user"`
	Shard            []int           `json:"shard,omitempty"`
}

// IdentifyProperties describes the connecting client to the gateway.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Identify is the body of a fresh handshake (op 2).
type Identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Shard      []int              `json:"shard,omitempty"`
	Properties IdentifyProperties `json:"properties"`
}

// Resume is the body of a session-reattach handshake (op 6).
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// SessionStartLimit reports the identify budget for the current token.
// MaxConcurrency is the capacity of the identify limiter.
type SessionStartLimit struct {
	Total          int     `json:"total"`
	Remaining      int     `json:"remaining"`
	ResetAfter     float64 `json:"reset_after"`
	MaxConcurrency int     `json:"max_concurrency"`
}

// GatewayBot is the bootstrap response carrying the gateway URL, the
// recommended shard count, and the session start limit.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// NewHeartbeat builds a heartbeat frame carrying the last seen sequence,
// or null when no dispatch has been received yet.
func NewHeartbeat(seq int64) (*Payload, error) {
	p := &Payload{Op: OpHeartbeat}
	if seq > 0 {
		data, err := json.Marshal(seq)
		if err != nil {
			return nil, err
		}
		p.Data = data
	} else {
		p.Data = json.RawMessage("null")
	}
	return p, nil
}

// NewIdentify builds an identify frame for the given shard.
func NewIdentify(id Identify) (*Payload, error) {
	data, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return &Payload{Op: OpIdentify, Data: data}, nil
}

// NewResume builds a resume frame reattaching a prior session.
func NewResume(r Resume) (*Payload, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &Payload{Op: OpResume, Data: data}, nil
}
