// Package cache mirrors acknowledged conversation state into the sqlite
// offline store so the directory and thread have something to show when the
// network is down. It subscribes to bus events and is the only writer of
// the store — other components only read it as a fallback.
package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/store"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// Writer persists thread and directory events.
type Writer struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewWriter creates a cache writer.
func NewWriter(db *store.DB, b *bus.Bus, logger *zap.Logger) *Writer {
	return &Writer{db: db, bus: b, logger: logger}
}

// Start subscribes to thread and directory events on the bus.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	threadCh, unsubThread := w.bus.Subscribe("thread.", 256)
	dirCh, unsubDir := w.bus.Subscribe("directory.", 64)

	go func() {
		defer unsubThread()
		defer unsubDir()
		for {
			select {
			case evt := <-threadCh:
				w.handleThreadEvent(evt)
			case evt := <-dirCh:
				w.handleDirectoryEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the writer.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Writer) handleThreadEvent(evt bus.Event) {
	switch evt.Kind {
	case "thread.message":
		msg, ok := evt.Payload.(wire.Message)
		if !ok {
			return
		}
		if err := w.db.UpsertMessage(&msg); err != nil {
			w.logger.Error("cache message", zap.String("msg_id", msg.ID), zap.Error(err))
		}
	case "thread.history":
		msgs, ok := evt.Payload.([]wire.Message)
		if !ok || len(msgs) == 0 {
			return
		}
		conversationID := msgs[0].ConversationID
		if err := w.db.ReplaceMessages(conversationID, msgs); err != nil {
			w.logger.Error("cache history", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
}

func (w *Writer) handleDirectoryEvent(evt bus.Event) {
	if evt.Kind != "directory.updated" {
		return
	}
	list, ok := evt.Payload.([]wire.Conversation)
	if !ok || len(list) == 0 {
		return
	}
	if err := w.db.ReplaceConversations(list); err != nil {
		w.logger.Error("cache conversation list", zap.Error(err))
	}
}
