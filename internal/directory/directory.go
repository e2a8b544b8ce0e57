// Package directory holds the conversation list and the single "active"
// conversation. Selecting a conversation is the one trigger that joins the
// transport scope, issues mark-as-read, and tells the reconciliation engine
// to load history.
package directory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/thread"
	"github.com/aperturehq/lenstalk/internal/typing"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// Lister fetches the conversation list.
type Lister interface {
	Conversations(ctx context.Context) ([]wire.Conversation, error)
}

// ReadMarker acknowledges a conversation as read on the reliable path.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Scope controls server-side event delivery. Implemented by the transport
// channel; calls are silent no-ops while disconnected.
type Scope interface {
	JoinConversation(id string)
	LeaveConversation(id string)
	MarkRead(id string)
}

// Cache is an optional offline fallback for the conversation list.
type Cache interface {
	CachedConversations() ([]wire.Conversation, error)
}

// Directory owns the conversation list and the active selection.
type Directory struct {
	self   backend.Identity
	lister Lister
	marker ReadMarker
	scope  Scope
	cache  Cache // may be nil
	thread *thread.Engine
	typing *typing.Coordinator
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	list   []wire.Conversation
	active string
}

// New creates a conversation directory. cache may be nil.
func New(self backend.Identity, lister Lister, marker ReadMarker, scope Scope, cache Cache, th *thread.Engine, ty *typing.Coordinator, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{
		self:   self,
		lister: lister,
		marker: marker,
		scope:  scope,
		cache:  cache,
		thread: th,
		typing: ty,
		bus:    b,
		logger: logger,
	}
}

// Load fetches the conversation list, preserving server order. On failure
// the offline cache is served if available and the error is still returned.
func (d *Directory) Load(ctx context.Context) error {
	list, err := d.lister.Conversations(ctx)
	if err != nil {
		loadErr := fmt.Errorf("load conversations: %w", err)
		if d.cache != nil {
			cached, cacheErr := d.cache.CachedConversations()
			if cacheErr == nil && len(cached) > 0 {
				d.replace(cached)
				d.logger.Warn("conversation list fetch failed, serving offline cache",
					zap.Int("cached", len(cached)), zap.Error(err))
				return loadErr
			}
		}
		return loadErr
	}
	d.replace(list)
	return nil
}

func (d *Directory) replace(list []wire.Conversation) {
	d.mu.Lock()
	d.list = make([]wire.Conversation, len(list))
	copy(d.list, list)
	d.mu.Unlock()
	d.publish()
}

// Conversations returns a copy of the current list.
func (d *Directory) Conversations() []wire.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.Conversation, len(d.list))
	copy(out, d.list)
	return out
}

// Active returns the active conversation id, empty when none.
func (d *Directory) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Select makes the conversation active: the old scope is left before the
// new one is joined so no event is attributed to the wrong conversation,
// then typing state resets, mark-as-read goes out on both paths, and the
// reconciliation engine loads history.
func (d *Directory) Select(ctx context.Context, conversationID string) error {
	d.mu.Lock()
	prev := d.active
	if prev == conversationID {
		d.mu.Unlock()
		return nil
	}
	d.active = conversationID
	d.clearUnreadLocked(conversationID)
	d.mu.Unlock()

	if prev != "" {
		d.scope.LeaveConversation(prev)
	}
	d.typing.Attach(conversationID)
	d.scope.JoinConversation(conversationID)
	d.scope.MarkRead(conversationID)

	if err := d.marker.MarkRead(ctx, conversationID); err != nil {
		// Unread state will re-sync on the next list load.
		d.logger.Warn("mark-as-read failed", zap.String("conversation", conversationID), zap.Error(err))
	}

	err := d.thread.LoadHistory(ctx, conversationID)
	d.thread.MarkConversationRead()
	d.publish()
	return err
}

// Deselect leaves the active conversation's scope and cancels its typing
// timers. In-progress calls and uploads are deliberately untouched: they
// are session-scoped, not view-scoped.
func (d *Directory) Deselect() {
	d.mu.Lock()
	prev := d.active
	d.active = ""
	d.mu.Unlock()

	if prev != "" {
		d.scope.LeaveConversation(prev)
	}
	d.typing.Detach()
	d.publish()
}

// OnNewMessage patches the owning conversation's summary. Unread count only
// grows for messages from others in conversations that are not active.
func (d *Directory) OnNewMessage(m wire.Message) {
	d.mu.Lock()
	idx := -1
	for i := range d.list {
		if d.list[i].ID == m.ConversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// First message of a conversation the list has not seen yet.
		d.list = append([]wire.Conversation{{
			ID:          m.ConversationID,
			PartnerID:   m.SenderID,
			PartnerName: m.SenderName,
		}}, d.list...)
		idx = 0
	}

	conv := &d.list[idx]
	conv.LastMessage = preview(m)
	if m.SentAt > conv.LastActivityAt {
		conv.LastActivityAt = m.SentAt
	}
	if m.SenderID != d.self.UserID && m.ConversationID != d.active {
		conv.UnreadCount++
	}
	d.mu.Unlock()
	d.publish()
}

func (d *Directory) clearUnreadLocked(conversationID string) {
	for i := range d.list {
		if d.list[i].ID == conversationID {
			d.list[i].UnreadCount = 0
			return
		}
	}
}

func preview(m wire.Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return string(m.Attachment.Kind) + ": " + m.Attachment.Name
	}
	return ""
}

func (d *Directory) publish() {
	d.bus.Emit("directory.updated", d.Conversations())
}
