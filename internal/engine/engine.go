// Package engine composes the conversation engine: transport, directory,
// reconciliation, typing, media and calls wired over one bus, with an fx
// lifecycle in the image of a long-running session daemon.
package engine

import (
	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/call"
	"github.com/aperturehq/lenstalk/internal/directory"
	"github.com/aperturehq/lenstalk/internal/media"
	"github.com/aperturehq/lenstalk/internal/thread"
	"github.com/aperturehq/lenstalk/internal/transport"
	"github.com/aperturehq/lenstalk/internal/typing"
)

// Engine is the facade handed to the embedding application. All state is
// observable through the components and the bus; the engine issues no
// rendering calls.
type Engine struct {
	Bus         *bus.Bus
	Transport   *transport.Channel
	Directory   *directory.Directory
	Thread      *thread.Engine
	Typing      *typing.Coordinator
	Attachments *media.AttachmentPipeline
	Recorder    *media.Recorder
	Calls       *call.Manager
	Identity    backend.Identity
}

// NewEngine bundles the composed components.
func NewEngine(
	b *bus.Bus,
	ch *transport.Channel,
	dir *directory.Directory,
	th *thread.Engine,
	ty *typing.Coordinator,
	att *media.AttachmentPipeline,
	rec *media.Recorder,
	calls *call.Manager,
	id backend.Identity,
) *Engine {
	return &Engine{
		Bus:         b,
		Transport:   ch,
		Directory:   dir,
		Thread:      th,
		Typing:      ty,
		Attachments: att,
		Recorder:    rec,
		Calls:       calls,
		Identity:    id,
	}
}
