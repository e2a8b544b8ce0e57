// Package thread maintains the active conversation's message list: a single
// ordered, duplicate-free view reconciling history loads, reliable-send
// responses and socket echoes. It is the only writer of that list.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// dedupWindow is the timestamp tolerance for collapsing the reliable-send
// response and the broadcast echo of the same message. It is a documented
// workaround for the backend not round-tripping client tokens on every
// path; if idempotent send lands server-side, the content clause goes away.
const dedupWindow = 1500 * time.Millisecond

// ErrEmptyMessage is returned when a send carries neither text nor attachment.
var ErrEmptyMessage = errors.New("message requires text or an attachment")

// Sender performs the reliable message send.
type Sender interface {
	SendMessage(ctx context.Context, req backend.SendRequest) (*wire.Message, error)
}

// HistoryFetcher loads the full ordered message list for a conversation.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string) ([]wire.Message, error)
}

// Cache is an optional offline fallback consulted when a history load fails.
type Cache interface {
	CachedMessages(conversationID string) ([]wire.Message, error)
}

// Engine is the reconciliation engine. One instance tracks one active
// conversation at a time.
type Engine struct {
	self    backend.Identity
	sender  Sender
	history HistoryFetcher
	cache   Cache // may be nil
	bus     *bus.Bus
	logger  *zap.Logger

	mu             sync.Mutex
	conversationID string
	messages       []wire.Message
	loadSeq        int
}

// NewEngine creates a reconciliation engine. cache may be nil.
func NewEngine(self backend.Identity, sender Sender, history HistoryFetcher, cache Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		self:    self,
		sender:  sender,
		history: history,
		cache:   cache,
		bus:     b,
		logger:  logger,
	}
}

// ConversationID returns the conversation the engine is attached to.
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Messages returns a copy of the current ordered list.
func (e *Engine) Messages() []wire.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]wire.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// LoadHistory attaches the engine to a conversation and replaces the list
// wholesale with the fetched history. A failed load leaves any previously
// loaded list intact; if an offline cache is available, it is served
// instead and the error is still returned so the caller knows the view may
// be stale. Only the most recent load per conversation switch wins.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	e.conversationID = conversationID
	e.loadSeq++
	seq := e.loadSeq
	e.mu.Unlock()

	msgs, err := e.history.History(ctx, conversationID)
	if err != nil {
		loadErr := fmt.Errorf("load history: %w", err)
		if e.cache != nil {
			cached, cacheErr := e.cache.CachedMessages(conversationID)
			if cacheErr == nil && len(cached) > 0 {
				e.replaceIfCurrent(seq, conversationID, cached)
				e.logger.Warn("history load failed, serving offline cache",
					zap.String("conversation", conversationID),
					zap.Int("cached", len(cached)),
					zap.Error(err))
				return loadErr
			}
		}
		return loadErr
	}

	e.replaceIfCurrent(seq, conversationID, msgs)
	return nil
}

func (e *Engine) replaceIfCurrent(seq int, conversationID string, msgs []wire.Message) {
	e.mu.Lock()
	if e.loadSeq != seq || e.conversationID != conversationID {
		// A newer switch superseded this load.
		e.mu.Unlock()
		return
	}
	e.messages = make([]wire.Message, len(msgs))
	copy(e.messages, msgs)
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].SentAt < e.messages[j].SentAt
	})
	snapshot := make([]wire.Message, len(e.messages))
	copy(snapshot, e.messages)
	e.mu.Unlock()
	e.publishUpdated()
	e.bus.Emit("thread.history", snapshot)
}

// Send issues the reliable send for the attached conversation. A pending
// local message with a correlation token is shown immediately; it is
// promoted in place when the server response (or an earlier echo) arrives,
// and removed again if the send fails — the caller keeps the composed
// content and may retry.
func (e *Engine) Send(ctx context.Context, text string, attachment *wire.Attachment) (*wire.Message, error) {
	if text == "" && attachment == nil {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	conversationID := e.conversationID
	e.mu.Unlock()
	if conversationID == "" {
		return nil, errors.New("no active conversation")
	}

	token := uuid.NewString()
	pending := wire.Message{
		ConversationID: conversationID,
		SenderID:       e.self.UserID,
		SenderName:     e.self.DisplayName,
		Body:           text,
		Attachment:     attachment,
		SentAt:         time.Now().UnixMilli(),
		Read:           false,
		ClientToken:    token,
	}

	e.mu.Lock()
	e.insertLocked(pending)
	e.mu.Unlock()
	e.publishUpdated()

	resp, err := e.sender.SendMessage(ctx, backend.SendRequest{
		ConversationID: conversationID,
		Text:           text,
		Attachment:     attachment,
		ClientToken:    token,
	})
	if err != nil {
		e.removePending(token)
		e.bus.Emit("thread.send_failed", err)
		return nil, fmt.Errorf("send message: %w", err)
	}

	if resp.ClientToken == "" {
		resp.ClientToken = token
	}
	merged := e.merge(*resp)
	return &merged, nil
}

// OnRemoteMessage reconciles a socket-delivered message. Messages for other
// conversations are ignored here; the directory keeps their summaries.
func (e *Engine) OnRemoteMessage(m wire.Message) {
	e.mu.Lock()
	current := e.conversationID
	e.mu.Unlock()
	if m.ConversationID != current {
		return
	}
	e.merge(m)
}

// merge applies the dedup rule and returns the entry as it now exists in
// the list.
func (e *Engine) merge(m wire.Message) wire.Message {
	e.mu.Lock()
	idx := e.findDuplicateLocked(m)
	if idx < 0 {
		e.insertLocked(m)
		e.mu.Unlock()
		e.publishUpdated()
		e.bus.Emit("thread.message", m)
		return m
	}

	// Duplicate: promote in place, never append a second entry.
	existing := &e.messages[idx]
	if existing.ID == "" && m.ID != "" {
		existing.ID = m.ID
	}
	if m.SentAt > 0 {
		existing.SentAt = m.SentAt
	}
	if m.Read {
		existing.Read = true
	}
	if existing.ClientToken == "" {
		existing.ClientToken = m.ClientToken
	}
	promoted := *existing
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].SentAt < e.messages[j].SentAt
	})
	e.mu.Unlock()
	e.publishUpdated()
	e.bus.Emit("thread.message", promoted)
	return promoted
}

// findDuplicateLocked implements the dedup rule: identifier equality,
// correlation-token equality, or same sender + content within the window.
// The authoritative matches are checked against the whole list before the
// content fallback runs, so a later exact match is never shadowed by an
// earlier near-duplicate (two identical texts sent back to back stay two
// entries, each promoted by its own response).
func (e *Engine) findDuplicateLocked(m wire.Message) int {
	for i := range e.messages {
		ex := &e.messages[i]
		if m.ID != "" && ex.ID != "" && m.ID == ex.ID {
			return i
		}
		if m.ClientToken != "" && ex.ClientToken != "" && m.ClientToken == ex.ClientToken {
			return i
		}
	}
	for i := range e.messages {
		ex := &e.messages[i]
		// Two distinct server ids are two messages, full stop. Likewise
		// two distinct correlation tokens.
		if m.ID != "" && ex.ID != "" {
			continue
		}
		if m.ClientToken != "" && ex.ClientToken != "" {
			continue
		}
		if ex.SenderID == m.SenderID &&
			ex.Body == m.Body &&
			wire.SameAttachment(ex.Attachment, m.Attachment) {
			delta := ex.SentAt - m.SentAt
			if delta < 0 {
				delta = -delta
			}
			if time.Duration(delta)*time.Millisecond < dedupWindow {
				return i
			}
		}
	}
	return -1
}

func (e *Engine) insertLocked(m wire.Message) {
	// Ordering invariant: non-decreasing SentAt. Most inserts land at the
	// tail, so walk backwards.
	i := len(e.messages)
	for i > 0 && e.messages[i-1].SentAt > m.SentAt {
		i--
	}
	e.messages = append(e.messages, wire.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
}

func (e *Engine) removePending(token string) {
	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ClientToken == token && e.messages[i].ID == "" {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.publishUpdated()
}

// MarkConversationRead flags every counterpart message as read. Called when
// the local user opens or re-focuses the conversation.
func (e *Engine) MarkConversationRead() {
	e.mu.Lock()
	changed := false
	for i := range e.messages {
		if e.messages[i].SenderID != e.self.UserID && !e.messages[i].Read {
			e.messages[i].Read = true
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.publishUpdated()
	}
}

// OnMessageRead applies a remote read receipt: the counterpart has read our
// messages in the given conversation.
func (e *Engine) OnMessageRead(conversationID, readerID string) {
	e.mu.Lock()
	if conversationID != e.conversationID || readerID == e.self.UserID {
		e.mu.Unlock()
		return
	}
	changed := false
	for i := range e.messages {
		if e.messages[i].SenderID == e.self.UserID && !e.messages[i].Read {
			e.messages[i].Read = true
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.publishUpdated()
	}
}

func (e *Engine) publishUpdated() {
	e.bus.Emit("thread.updated", nil)
}
