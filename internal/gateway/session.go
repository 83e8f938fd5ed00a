// ABOUTME: One gateway session: socket, heartbeats, and the connect/identify/resume
// ABOUTME: state machine. Transient failures reconnect; only fatal errors escape Run.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blanketsucks/lefi/internal/ratelimit"
	"github.com/blanketsucks/lefi/internal/state"
	"github.com/blanketsucks/lefi/internal/wire"
)

// Status is a session's position in the connection state machine.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAwaitingHello
	StatusIdentifying
	StatusResuming
	StatusReady
	StatusSteadyState
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAwaitingHello:
		return "awaiting_hello"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	case StatusSteadyState:
		return "steady"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// EventSink receives enriched events after cache application, in per-session
// order.
type EventSink interface {
	Publish(ev *state.Event)
}

// ResumeState is the resume token for one shard: session id, resume URL, and
// the last seen sequence. It survives reconnects and, when persisted,
// process restarts.
type ResumeState struct {
	SessionID string
	ResumeURL string
	Seq       int64
}

const (
	helloTimeout           = 30 * time.Second
	writeTimeout           = 10 * time.Second
	maxDecodeFailures      = 5
	maxConsecutiveFailures = 10
	stableConnectionPeriod = 60 * time.Second
)

// SessionConfig configures one shard's session.
type SessionConfig struct {
	Token      string
	Intents    int
	ShardID    int
	ShardCount int
	GatewayURL string

	// Identify gates fresh handshakes. Resumes bypass it.
	Identify *ratelimit.IdentifyLimiter
	Store    *state.Store
	Sink     EventSink
	Logger   *slog.Logger
	Dialer   *websocket.Dialer

	// Resume seeds the session with persisted resume credentials.
	Resume *ResumeState

	// OnResumeState is invoked whenever resume credentials are gained or
	// invalidated, for persistence. May be nil.
	OnResumeState func(shardID int, rs ResumeState)

	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// identifyHook observes the moment an identify handshake begins, after
	// the limiter grants a slot. Used by supervisor tests.
	identifyHook func(shardID int)
}

// Session owns one gateway socket and its state machine.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	status  atomic.Int32
	seq     atomic.Int64
	latency atomic.Int64

	mu        sync.Mutex
	sessionID string
	resumeURL string

	writeMu sync.Mutex

	ackPending atomic.Bool
	lastBeat   atomic.Int64

	readyOnce sync.Once
	readyCh   chan struct{}

	failures int
}

// NewSession creates a session. It does not connect until Run.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger.With("component", "gateway", "shard", cfg.ShardID),
		readyCh: make(chan struct{}),
	}
	if cfg.Resume != nil {
		s.sessionID = cfg.Resume.SessionID
		s.resumeURL = cfg.Resume.ResumeURL
		s.seq.Store(cfg.Resume.Seq)
	}
	return s
}

// Status returns the session's current state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

func (s *Session) setStatus(st Status) {
	s.status.Store(int32(st))
}

// Seq returns the highest dispatch sequence seen on this session.
func (s *Session) Seq() int64 {
	return s.seq.Load()
}

// Latency returns the most recent heartbeat round-trip time.
func (s *Session) Latency() time.Duration {
	return time.Duration(s.latency.Load())
}

// ReadyChan is closed the first time the session reaches steady state.
func (s *Session) ReadyChan() <-chan struct{} {
	return s.readyCh
}

// ResumeSnapshot returns the current resume credentials.
func (s *Session) ResumeSnapshot() ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResumeState{SessionID: s.sessionID, ResumeURL: s.resumeURL, Seq: s.seq.Load()}
}

// Run drives the session until ctx is cancelled or a fatal error occurs.
// Transient transport and protocol failures reconnect internally with
// backoff; resume credentials survive those transitions unless the server
// invalidates them.
func (s *Session) Run(ctx context.Context) error {
	bo := newBackoff(s.cfg.ReconnectBase, s.cfg.ReconnectMax)

	for {
		start := time.Now()
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.setStatus(StatusDisconnected)
			return nil
		}

		if isFatal(err) {
			s.setStatus(StatusDisconnected)
			return fmt.Errorf("shard %d: %w", s.cfg.ShardID, err)
		}

		if time.Since(start) >= stableConnectionPeriod {
			s.failures = 0
			bo.reset()
		}
		s.failures++
		if s.failures > maxConsecutiveFailures {
			s.setStatus(StatusDisconnected)
			return fmt.Errorf("shard %d: %w", s.cfg.ShardID, ErrTooManyFailures)
		}

		s.setStatus(StatusReconnecting)
		delay := bo.next()
		s.logger.Info("reconnecting", "delay", delay, "reason", err)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			s.setStatus(StatusDisconnected)
			return nil
		}
	}
}

// connectOnce runs a single connection lifecycle: dial, hello, handshake,
// steady state. It returns when the connection dies or ctx is cancelled.
func (s *Session) connectOnce(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	url := s.gatewayURL()
	dialCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	conn, _, err := s.cfg.Dialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway %s: %w", url, err)
	}
	defer s.closeConn(conn)

	// Cancellation must unblock the read loop promptly.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.setStatus(StatusAwaitingHello)
	interval, err := s.awaitHello(conn)
	if err != nil {
		return err
	}

	if err := s.handshake(ctx, conn); err != nil {
		return err
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, interval)

	return s.readLoop(conn)
}

// gatewayURL picks the resume URL when one is known and appends the protocol
// query once.
func (s *Session) gatewayURL() string {
	s.mu.Lock()
	u := s.resumeURL
	s.mu.Unlock()

	if u == "" {
		u = s.cfg.GatewayURL
	}
	if !strings.Contains(u, "?") {
		u += "?v=10&encoding=json"
	}
	return u
}

// awaitHello reads the server's first frame, which must carry the heartbeat
// interval. Any other frame is a protocol error.
func (s *Session) awaitHello(conn *websocket.Conn) (time.Duration, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, s.classifyReadError(err)
	}

	p, err := wire.Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("first frame undecodable: %w", err)
	}
	if p.Op != wire.OpHello {
		return 0, fmt.Errorf("expected hello, got opcode %d", p.Op)
	}

	var hello wire.Hello
	if err := json.Unmarshal(p.Data, &hello); err != nil {
		return 0, fmt.Errorf("decoding hello: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("hello carried invalid heartbeat interval %v", hello.HeartbeatInterval)
	}
	return time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)), nil
}

// handshake resumes when resume credentials exist, otherwise identifies
// under the concurrency limiter.
func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	seq := s.seq.Load()

	if sessionID != "" && seq > 0 {
		s.setStatus(StatusResuming)
		s.logger.Info("resuming session", "session_id", sessionID, "seq", seq)
		p, err := wire.NewResume(wire.Resume{Token: s.cfg.Token, SessionID: sessionID, Seq: seq})
		if err != nil {
			return err
		}
		return s.send(conn, p)
	}

	s.setStatus(StatusIdentifying)
	if s.cfg.Identify != nil {
		if err := s.cfg.Identify.Acquire(ctx); err != nil {
			return err
		}
	}
	if s.cfg.identifyHook != nil {
		s.cfg.identifyHook(s.cfg.ShardID)
	}
	s.logger.Info("identifying", "shard_count", s.cfg.ShardCount)

	id := wire.Identify{
		Token:   s.cfg.Token,
		Intents: s.cfg.Intents,
		Properties: wire.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Lefi",
			Device:  "Lefi",
		},
	}
	if s.cfg.ShardCount > 0 {
		id.Shard = []int{s.cfg.ShardID, s.cfg.ShardCount}
	}
	p, err := wire.NewIdentify(id)
	if err != nil {
		return err
	}
	return s.send(conn, p)
}

// heartbeatLoop beats at the server's interval. The first beat is delayed by
// a random fraction of the interval so shards do not heartbeat in lockstep.
// A beat that is never acknowledged marks the connection zombied: the socket
// is force-closed, which unblocks the read loop into a reconnect.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	s.ackPending.Store(false)

	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.ackPending.Load() {
			s.logger.Warn("heartbeat not acknowledged, closing zombied connection")
			conn.Close()
			return
		}
		if err := s.sendHeartbeat(conn); err != nil {
			return
		}
		timer.Reset(interval)
	}
}

func (s *Session) sendHeartbeat(conn *websocket.Conn) error {
	p, err := wire.NewHeartbeat(s.seq.Load())
	if err != nil {
		return err
	}
	if err := s.send(conn, p); err != nil {
		return err
	}
	s.lastBeat.Store(time.Now().UnixNano())
	s.ackPending.Store(true)
	return nil
}

// readLoop decodes inbound frames until the connection dies. Decode failures
// are per-frame recoverable up to a threshold.
func (s *Session) readLoop(conn *websocket.Conn) error {
	decodeFailures := 0

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return s.classifyReadError(err)
		}

		p, err := wire.Decode(raw)
		if err != nil {
			decodeFailures++
			s.logger.Warn("dropping undecodable frame", "error", err, "consecutive", decodeFailures)
			if decodeFailures >= maxDecodeFailures {
				return fmt.Errorf("repeated decode failures: %w", err)
			}
			continue
		}
		decodeFailures = 0

		switch p.Op {
		case wire.OpDispatch:
			s.handleDispatch(p)

		case wire.OpHeartbeat:
			// Server asked for an immediate beat.
			if err := s.sendHeartbeat(conn); err != nil {
				return err
			}

		case wire.OpReconnect:
			s.logger.Info("server requested reconnect")
			return errServerReconnect

		case wire.OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.Data, &resumable)
			s.logger.Warn("session invalidated", "resumable", resumable)
			if !resumable {
				s.clearResume()
			}
			return errInvalidSession

		case wire.OpHeartbeatACK:
			s.ackPending.Store(false)
			s.latency.Store(time.Now().UnixNano() - s.lastBeat.Load())

		default:
			// Unknown opcodes are no-ops.
		}
	}
}

// handleDispatch records the sequence, applies the event to the cache, and
// forwards the enriched event to the sink, in receive order.
func (s *Session) handleDispatch(p *wire.Payload) {
	if p.Seq != nil {
		for {
			cur := s.seq.Load()
			if *p.Seq <= cur || s.seq.CompareAndSwap(cur, *p.Seq) {
				break
			}
		}
	}

	switch p.Type {
	case "READY":
		var ready wire.Ready
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			s.logger.Warn("undecodable READY payload", "error", err)
		} else {
			s.setResume(ready.SessionID, ready.ResumeGatewayURL)
		}
		s.logger.Info("session ready")
		s.setStatus(StatusReady)
		s.markSteady()

	case "RESUMED":
		s.logger.Info("session resumed", "seq", s.seq.Load())
		s.markSteady()
	}

	var ev *state.Event
	if s.cfg.Store != nil {
		var err error
		ev, err = s.cfg.Store.ApplyEvent(p.Type, s.cfg.ShardID, p.Data)
		if err != nil {
			s.logger.Warn("event application failed", "event", p.Type, "error", err)
		}
	} else {
		ev = &state.Event{Name: p.Type, Shard: s.cfg.ShardID, Raw: p.Data}
	}

	if s.cfg.Sink != nil && ev != nil {
		s.cfg.Sink.Publish(ev)
	}
}

func (s *Session) markSteady() {
	s.setStatus(StatusSteadyState)
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.notifyResumeState()
}

func (s *Session) setResume(sessionID, resumeURL string) {
	s.mu.Lock()
	s.sessionID = sessionID
	if resumeURL != "" {
		s.resumeURL = resumeURL
	}
	s.mu.Unlock()
}

func (s *Session) clearResume() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)
	s.notifyResumeState()
}

func (s *Session) notifyResumeState() {
	if s.cfg.OnResumeState != nil {
		s.cfg.OnResumeState(s.cfg.ShardID, s.ResumeSnapshot())
	}
}

// classifyReadError turns socket-level failures into the error taxonomy.
// Non-resumable close codes clear resume state before the reconnect.
func (s *Session) classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if !wire.CanResumeAfter(ce.Code) {
			s.clearResume()
		}
		if ce.Code == wire.CloseAuthenticationFailed {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
		}
		return &CloseError{Code: ce.Code, Text: ce.Text}
	}
	return fmt.Errorf("reading gateway frame: %w", err)
}

// send encodes and writes a frame under the write lock.
func (s *Session) send(conn *websocket.Conn, p *wire.Payload) error {
	data, err := wire.Encode(p)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeConn writes a close frame best-effort and closes the socket.
func (s *Session) closeConn(conn *websocket.Conn) {
	s.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
