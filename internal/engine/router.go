package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/call"
	"github.com/aperturehq/lenstalk/internal/directory"
	"github.com/aperturehq/lenstalk/internal/thread"
	"github.com/aperturehq/lenstalk/internal/typing"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// Router dispatches every inbound transport envelope to the component that
// owns its state. All mutation happens inside the owning component; the
// router only translates and fans out.
type Router struct {
	thread    *thread.Engine
	directory *directory.Directory
	typing    *typing.Coordinator
	calls     *call.Manager
	logger    *zap.Logger
}

// NewRouter creates a signal router.
func NewRouter(th *thread.Engine, dir *directory.Directory, ty *typing.Coordinator, calls *call.Manager, logger *zap.Logger) *Router {
	return &Router{
		thread:    th,
		directory: dir,
		typing:    ty,
		calls:     calls,
		logger:    logger,
	}
}

// Route is registered as the transport channel handler.
func (r *Router) Route(env wire.Envelope) {
	payload, err := wire.Decode(env)
	if err != nil {
		r.logger.Warn("dropping undecodable signal", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case *wire.NewMessagePayload:
		msg := p.Message
		if msg.ConversationID == "" {
			msg.ConversationID = env.ConversationID
		}
		r.thread.OnRemoteMessage(msg)
		r.directory.OnNewMessage(msg)
	case *wire.TypingPayload:
		r.typing.OnRemoteTyping(env.ConversationID, p.UserID, p.DisplayName)
	case *wire.StoppedTypingPayload:
		r.typing.OnRemoteStopped(env.ConversationID, p.UserID)
	case *wire.MessageReadPayload:
		r.thread.OnMessageRead(env.ConversationID, p.ReaderID)
	case *wire.CallOfferPayload:
		if err := r.calls.OnOffer(env.ConversationID, p); err != nil && !errors.Is(err, call.ErrCallBusy) {
			r.logger.Warn("handle call offer", zap.Error(err))
		}
	case *wire.CallAnswerPayload:
		if err := r.calls.OnAnswer(env.ConversationID, p); err != nil {
			r.logger.Warn("handle call answer", zap.Error(err))
		}
	case *wire.CallICEPayload:
		r.calls.OnRemoteICE(env.ConversationID, p.Candidate)
	case *wire.CallEndPayload:
		r.calls.OnRemoteEnd(env.ConversationID)
	case *wire.ScopePayload:
		// Scope control is client-to-server only; ignore echoes.
	}
}
