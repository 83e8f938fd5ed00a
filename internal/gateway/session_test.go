// ABOUTME: Session state machine tests against a scripted websocket gateway.
// ABOUTME: Covers sequence tracking, resume, invalid session, zombied connections, and fatal closes.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanketsucks/lefi/internal/state"
	"github.com/blanketsucks/lefi/internal/wire"
)

// fakeGateway is a scripted websocket server. The handler runs once per
// accepted connection with a 1-based connection number.
type fakeGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int
}

func newFakeGateway(t *testing.T, handle func(conn *websocket.Conn, connNum int)) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fg.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fg.mu.Lock()
		fg.conns++
		n := fg.conns
		fg.mu.Unlock()

		defer conn.Close()
		handle(conn, n)
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func sendRaw(conn *websocket.Conn, format string, args ...any) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...)))
}

func sendHello(conn *websocket.Conn, intervalMS int) error {
	return sendRaw(conn, `{"op":10,"d":{"heartbeat_interval":%d}}`, intervalMS)
}

func readFrame(conn *websocket.Conn) (*wire.Payload, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

// drain consumes frames until the connection dies, so client writes such as
// heartbeats never back up.
func drain(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// chanSink collects published events.
type chanSink struct {
	ch chan *state.Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan *state.Event, 64)}
}

func (s *chanSink) Publish(ev *state.Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *chanSink) next(t *testing.T) *state.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func testSession(url string, sink EventSink) *Session {
	return NewSession(SessionConfig{
		Token:         "test-token",
		Intents:       513,
		ShardID:       0,
		ShardCount:    1,
		GatewayURL:    url,
		Store:         state.NewStore(),
		Sink:          sink,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
}

func runSession(t *testing.T, s *Session) (cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- s.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, doneCh
}

func TestSession_SequenceTrackingAndResume(t *testing.T) {
	resumed := make(chan *wire.Payload, 1)

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		switch connNum {
		case 1:
			sendHello(conn, 60000)
			p, err := readFrame(conn)
			if err != nil || p.Op != wire.OpIdentify {
				return
			}
			sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
			sendRaw(conn, `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"id":"m1","content":"a"}}`)
			sendRaw(conn, `{"op":0,"s":42,"t":"MESSAGE_CREATE","d":{"id":"m2","content":"b"}}`)
			// Server demands a reconnect; resume state must survive.
			sendRaw(conn, `{"op":7,"d":null}`)
			drain(conn)
		case 2:
			sendHello(conn, 60000)
			p, err := readFrame(conn)
			if err != nil {
				return
			}
			resumed <- p
			sendRaw(conn, `{"op":0,"s":43,"t":"RESUMED","d":null}`)
			drain(conn)
		}
	})

	sink := newChanSink()
	s := testSession(fg.url(), sink)
	runSession(t, s)

	var p *wire.Payload
	select {
	case p = <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("session never attempted to resume")
	}

	require.Equal(t, wire.OpResume, p.Op, "after a reconnect instruction the session must resume, not identify")

	var r wire.Resume
	require.NoError(t, json.Unmarshal(p.Data, &r))
	assert.Equal(t, int64(42), r.Seq, "resume must carry the highest sequence seen")
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, "test-token", r.Token)

	// Events arrived in order before the reconnect.
	assert.Equal(t, "READY", sink.next(t).Name)
	assert.Equal(t, "MESSAGE_CREATE", sink.next(t).Name)
	assert.Equal(t, "MESSAGE_CREATE", sink.next(t).Name)
	assert.Equal(t, "RESUMED", sink.next(t).Name)
}

func TestSession_OutOfOrderSequenceKeepsMax(t *testing.T) {
	gotAll := make(chan struct{})

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		if connNum != 1 {
			sendHello(conn, 60000)
			drain(conn)
			return
		}
		sendHello(conn, 60000)
		readFrame(conn)
		sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
		sendRaw(conn, `{"op":0,"s":9,"t":"MESSAGE_CREATE","d":{"id":"m1"}}`)
		sendRaw(conn, `{"op":0,"s":5,"t":"MESSAGE_CREATE","d":{"id":"m0"}}`)
		close(gotAll)
		drain(conn)
	})

	sink := newChanSink()
	s := testSession(fg.url(), sink)
	runSession(t, s)

	<-gotAll
	for i := 0; i < 3; i++ {
		sink.next(t)
	}
	assert.Equal(t, int64(9), s.Seq(), "a stale sequence must not regress the tracked maximum")
}

func TestSession_InvalidSessionClearsResume(t *testing.T) {
	second := make(chan *wire.Payload, 1)

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		switch connNum {
		case 1:
			sendHello(conn, 60000)
			readFrame(conn)
			sendRaw(conn, `{"op":0,"s":5,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
			// Not resumable: the session must forget its credentials.
			sendRaw(conn, `{"op":9,"d":false}`)
			drain(conn)
		case 2:
			sendHello(conn, 60000)
			if p, err := readFrame(conn); err == nil {
				second <- p
			}
			sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-2","user":{"id":"42"}}}`)
			drain(conn)
		}
	})

	sink := newChanSink()
	s := testSession(fg.url(), sink)
	runSession(t, s)

	select {
	case p := <-second:
		assert.Equal(t, wire.OpIdentify, p.Op, "invalidated session must start a fresh identify")
	case <-time.After(5 * time.Second):
		t.Fatal("session never re-handshook")
	}
}

func TestSession_ZombiedConnectionReconnects(t *testing.T) {
	reconnected := make(chan *wire.Payload, 1)

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		switch connNum {
		case 1:
			// Short heartbeat interval, acks never sent.
			sendHello(conn, 50)
			readFrame(conn)
			sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
			drain(conn)
		case 2:
			sendHello(conn, 60000)
			if p, err := readFrame(conn); err == nil {
				reconnected <- p
			}
			sendRaw(conn, `{"op":0,"s":2,"t":"RESUMED","d":null}`)
			drain(conn)
		}
	})

	sink := newChanSink()
	s := testSession(fg.url(), sink)
	runSession(t, s)

	select {
	case p := <-reconnected:
		assert.Equal(t, wire.OpResume, p.Op, "zombie reconnect preserves resume state")
	case <-time.After(5 * time.Second):
		t.Fatal("session never detected the zombied connection")
	}
}

func TestSession_FatalCloseStopsRun(t *testing.T) {
	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		sendHello(conn, 60000)
		readFrame(conn)
		msg := websocket.FormatCloseMessage(wire.CloseAuthenticationFailed, "Authentication failed.")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	s := testSession(fg.url(), newChanSink())
	_, done := runSession(t, s)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Equal(t, StatusDisconnected, s.Status())
	case <-time.After(5 * time.Second):
		t.Fatal("session kept reconnecting after a fatal close")
	}
}

func TestSession_ServerHeartbeatRequest(t *testing.T) {
	beat := make(chan *wire.Payload, 1)

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		if connNum != 1 {
			sendHello(conn, 60000)
			drain(conn)
			return
		}
		sendHello(conn, 60000)
		readFrame(conn)
		sendRaw(conn, `{"op":0,"s":7,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
		sendRaw(conn, `{"op":1,"d":null}`)
		if p, err := readFrame(conn); err == nil {
			beat <- p
		}
		drain(conn)
	})

	s := testSession(fg.url(), newChanSink())
	runSession(t, s)

	select {
	case p := <-beat:
		require.Equal(t, wire.OpHeartbeat, p.Op)
		var seq int64
		require.NoError(t, json.Unmarshal(p.Data, &seq))
		assert.Equal(t, int64(7), seq, "requested heartbeat carries the last sequence")
	case <-time.After(5 * time.Second):
		t.Fatal("session never answered the heartbeat request")
	}
}

func TestSession_ShutdownStopsPromptly(t *testing.T) {
	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		sendHello(conn, 60000)
		readFrame(conn)
		sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-1","user":{"id":"42"}}}`)
		drain(conn)
	})

	s := testSession(fg.url(), newChanSink())
	cancel, done := runSession(t, s)

	select {
	case <-s.ReadyChan():
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "deliberate shutdown is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancellation")
	}
}

func TestSession_FirstFrameMustBeHello(t *testing.T) {
	sawRetry := make(chan struct{}, 1)

	fg := newFakeGateway(t, func(conn *websocket.Conn, connNum int) {
		switch connNum {
		case 1:
			// Protocol violation: dispatch before hello.
			sendRaw(conn, `{"op":0,"s":1,"t":"READY","d":{}}`)
			drain(conn)
		case 2:
			sawRetry <- struct{}{}
			sendHello(conn, 60000)
			drain(conn)
		}
	})

	s := testSession(fg.url(), newChanSink())
	runSession(t, s)

	select {
	case <-sawRetry:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reconnect after a protocol error")
	}
}
