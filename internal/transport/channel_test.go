package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// socketServer accepts one websocket client at a time and records every
// frame it receives.
type socketServer struct {
	srv    *httptest.Server
	frames chan wire.Envelope

	mu   sync.Mutex
	conn *websocket.Conn
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{frames: make(chan wire.Envelope, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			env, err := wire.ParseEnvelope(data)
			if err != nil {
				continue
			}
			s.frames <- env
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) push(t *testing.T, kind wire.Kind, conversationID string, payload any) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	data, err := wire.Encode(kind, conversationID, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *socketServer) expectFrame(t *testing.T, kind wire.Kind) wire.Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		if env.Kind != kind {
			t.Fatalf("got frame %q, want %q", env.Kind, kind)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q frame", kind)
		return wire.Envelope{}
	}
}

func newTestChannel(t *testing.T, url string) (*Channel, *bus.Bus) {
	t.Helper()
	b := bus.New()
	c := New(url, b, zap.NewNop())
	t.Cleanup(c.Disconnect)
	return c, b
}

func TestConnectAndDispatch(t *testing.T) {
	srv := newSocketServer(t)
	c, _ := newTestChannel(t, srv.url())

	received := make(chan wire.Envelope, 1)
	c.AddHandler(func(env wire.Envelope) { received <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("channel should report connected")
	}

	srv.push(t, wire.SignalNewMessage, "c1", &wire.NewMessagePayload{
		Message: wire.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", SentAt: 1000},
	})

	select {
	case env := <-received:
		if env.Kind != wire.SignalNewMessage || env.ConversationID != "c1" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatched envelope")
	}
}

func TestScopeSignals(t *testing.T) {
	srv := newSocketServer(t)
	c, _ := newTestChannel(t, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.JoinConversation("c1")
	srv.expectFrame(t, wire.SignalJoinConversation)

	c.MarkRead("c1")
	srv.expectFrame(t, wire.SignalMarkRead)

	c.StartTyping("c1", "u-self", "Me")
	env := srv.expectFrame(t, wire.SignalUserTyping)
	if env.ConversationID != "c1" {
		t.Errorf("got conversation %q, want c1", env.ConversationID)
	}

	c.StopTyping("c1", "u-self")
	srv.expectFrame(t, wire.SignalUserStoppedTyping)

	c.LeaveConversation("c1")
	srv.expectFrame(t, wire.SignalLeaveConversation)
}

func TestDisconnectedOperationsAreNoOps(t *testing.T) {
	c, _ := newTestChannel(t, "ws://127.0.0.1:1/socket")

	if c.Connected() {
		t.Fatal("channel should start disconnected")
	}
	// None of these may panic or block while disconnected.
	c.JoinConversation("c1")
	c.LeaveConversation("c1")
	c.MarkRead("c1")
	c.StartTyping("c1", "u-self", "Me")
	c.StopTyping("c1", "u-self")
	c.SendVoiceSignal(wire.SignalCallEnd, "c1", &wire.CallEndPayload{CallID: "x", Reason: "hangup"})
}

func TestSendVoiceSignalRejectsNonCallKinds(t *testing.T) {
	srv := newSocketServer(t)
	c, _ := newTestChannel(t, srv.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.SendVoiceSignal(wire.SignalUserTyping, "c1", &wire.TypingPayload{UserID: "u-self"})

	select {
	case env := <-srv.frames:
		t.Errorf("non-call signal leaked onto the wire: %+v", env)
	case <-time.After(100 * time.Millisecond):
		// Expected.
	}
}

func TestRemoveHandler(t *testing.T) {
	srv := newSocketServer(t)
	c, _ := newTestChannel(t, srv.url())

	received := make(chan wire.Envelope, 1)
	remove := c.AddHandler(func(env wire.Envelope) { received <- env })
	remove()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.push(t, wire.SignalNewMessage, "c1", &wire.NewMessagePayload{
		Message: wire.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", SentAt: 1000},
	})

	select {
	case env := <-received:
		t.Errorf("removed handler still invoked: %+v", env)
	case <-time.After(100 * time.Millisecond):
		// Expected.
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	c, _ := newTestChannel(t, "ws://127.0.0.1:1/socket")

	var called bool
	c.AddHandler(func(wire.Envelope) { called = true })
	c.dispatch([]byte("not json"))
	if called {
		t.Error("malformed frame must not reach handlers")
	}
}

func TestConnectedEventOnBus(t *testing.T) {
	srv := newSocketServer(t)
	c, b := newTestChannel(t, srv.url())

	ch, unsub := b.Subscribe("transport.", 4)
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "transport.connected" {
			t.Errorf("got event %q, want transport.connected", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transport.connected")
	}
}

func TestConnectFailureStartsReconnect(t *testing.T) {
	c, _ := newTestChannel(t, "ws://127.0.0.1:1/socket")
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error for unreachable server")
	}
	if c.Connected() {
		t.Error("channel must not report connected after a failed dial")
	}
}
