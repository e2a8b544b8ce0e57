// Package transport owns the persistent socket connection to the messaging
// server. It delivers inbound signals to registered handlers and carries
// one-way outbound signals (scope control, typing, read receipts, call
// control). It never carries a message send — that is the backend's job.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/wire"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second
	readLimit    = 1 << 20
)

// Handler receives every inbound envelope. Handlers are registered once and
// survive reconnects.
type Handler func(env wire.Envelope)

// Channel is a websocket client with transparent reconnection.
type Channel struct {
	url    string
	hc     *http.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool
	connected atomic.Bool

	handlersMu sync.RWMutex
	handlers   map[int]Handler
	nextID     int

	// Conversations joined while connected; replayed after a reconnect so
	// the server-side scope matches what subscribers expect.
	scopeMu sync.Mutex
	scope   map[string]struct{}
}

// New creates a channel for the given socket URL. Call Connect to establish it.
func New(socketURL string, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		url:      socketURL,
		hc:       &http.Client{},
		bus:      b,
		logger:   logger,
		handlers: make(map[int]Handler),
		scope:    make(map[string]struct{}),
	}
}

// Connect dials the socket and starts the read/reconnect loop. It returns
// once the first dial attempt has resolved; later drops are handled
// internally with backoff.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.cancel != nil {
		c.mu.Unlock()
		return errors.New("transport: already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err != nil {
		// Keep retrying in the background; subscribers tolerate the gap.
		c.logger.Warn("initial socket dial failed", zap.Error(err))
		go c.reconnectLoop(runCtx)
		return err
	}
	c.adopt(runCtx, conn)
	return nil
}

// Disconnect closes the socket and stops reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.connected.Store(false)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Connected reports whether the socket is currently up. Scoped operations
// called while disconnected are silent no-ops; callers that care must check
// this first.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// AddHandler registers an inbound handler. The returned function removes it.
func (c *Channel) AddHandler(h Handler) func() {
	c.handlersMu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// JoinConversation asks the server to scope event delivery to the conversation.
func (c *Channel) JoinConversation(id string) {
	c.scopeMu.Lock()
	c.scope[id] = struct{}{}
	c.scopeMu.Unlock()
	c.send(wire.SignalJoinConversation, id, nil)
}

// LeaveConversation drops the server-side scope for the conversation.
func (c *Channel) LeaveConversation(id string) {
	c.scopeMu.Lock()
	delete(c.scope, id)
	c.scopeMu.Unlock()
	c.send(wire.SignalLeaveConversation, id, nil)
}

// MarkRead signals that the local user has read the conversation.
func (c *Channel) MarkRead(id string) {
	c.send(wire.SignalMarkRead, id, nil)
}

// StartTyping signals that the local user started typing.
func (c *Channel) StartTyping(id, userID, displayName string) {
	c.send(wire.SignalUserTyping, id, &wire.TypingPayload{UserID: userID, DisplayName: displayName})
}

// StopTyping signals that the local user stopped typing.
func (c *Channel) StopTyping(id, userID string) {
	c.send(wire.SignalUserStoppedTyping, id, &wire.StoppedTypingPayload{UserID: userID})
}

// SendVoiceSignal carries one call-control signal. Non-call kinds are
// rejected here rather than leaking onto the wire.
func (c *Channel) SendVoiceSignal(kind wire.Kind, conversationID string, payload any) {
	if !wire.IsCallSignal(kind) {
		c.logger.Error("refusing to send non-call signal as voice signal", zap.String("kind", string(kind)))
		return
	}
	c.send(kind, conversationID, payload)
}

func (c *Channel) send(kind wire.Kind, conversationID string, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		// One-way signals are droppable by contract.
		return
	}

	data, err := wire.Encode(kind, conversationID, payload)
	if err != nil {
		c.logger.Error("encode signal", zap.String("kind", string(kind)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("signal write failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.hc})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Channel) adopt(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.bus.Emit("transport.connected", nil)
	c.replayScope()
	go c.readPump(ctx, conn)
}

func (c *Channel) replayScope() {
	c.scopeMu.Lock()
	ids := make([]string, 0, len(c.scope))
	for id := range c.scope {
		ids = append(ids, id)
	}
	c.scopeMu.Unlock()
	for _, id := range ids {
		c.send(wire.SignalJoinConversation, id, nil)
	}
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connected.Store(false)
			c.mu.Lock()
			stillCurrent := c.conn == conn
			if stillCurrent {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()

			if closed || ctx.Err() != nil {
				return
			}
			c.logger.Warn("socket read failed, reconnecting", zap.Error(err))
			c.bus.Emit("transport.disconnected", nil)
			if stillCurrent {
				go c.reconnectLoop(ctx)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) reconnectLoop(ctx context.Context) {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info("socket reconnected")
			c.adopt(ctx, conn)
			return
		}
		c.logger.Warn("socket redial failed", zap.Duration("backoff", backoff), zap.Error(err))
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}
