// Package typing tracks the local "am I typing" debounce and the remote
// per-user typing set for the active conversation. A rendered indicator is a
// pure function of Names(); nothing else is stored here.
package typing

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/sched"
)

const (
	// localIdle is how long after the last keystroke the local typing
	// signal is withdrawn.
	localIdle = 2 * time.Second
	// remoteTTL is how long a remote typing entry lives without a refresh.
	remoteTTL = 3 * time.Second
)

// Signaler carries the one-way typing signals. Implemented by the transport
// channel; a disconnected channel drops them, which is acceptable here.
type Signaler interface {
	StartTyping(conversationID, userID, displayName string)
	StopTyping(conversationID, userID string)
}

type remoteEntry struct {
	name   string
	cancel sched.CancelFunc
	// gen distinguishes the entry a timer was armed for from a refreshed
	// one, so an expiry that already fired cannot remove the newer entry.
	gen uint64
}

// Coordinator owns the typing state for one active conversation.
type Coordinator struct {
	self   backend.Identity
	ch     Signaler
	sched  sched.Scheduler
	bus    *bus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	conversationID string
	localActive    bool
	localCancel    sched.CancelFunc
	remote         map[string]remoteEntry
	remoteGen      uint64
}

// NewCoordinator creates a typing coordinator.
func NewCoordinator(self backend.Identity, ch Signaler, s sched.Scheduler, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		self:   self,
		ch:     ch,
		sched:  s,
		bus:    b,
		logger: logger,
		remote: make(map[string]remoteEntry),
	}
}

// Attach switches the coordinator to a conversation, clearing all prior
// timers and entries.
func (c *Coordinator) Attach(conversationID string) {
	c.Detach()
	c.mu.Lock()
	c.conversationID = conversationID
	c.mu.Unlock()
}

// Detach clears local and remote state, withdrawing the local typing signal
// if it is up.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	conversationID := c.conversationID
	wasTyping := c.localActive
	c.localActive = false
	if c.localCancel != nil {
		c.localCancel()
		c.localCancel = nil
	}
	for _, entry := range c.remote {
		entry.cancel()
	}
	c.remote = make(map[string]remoteEntry)
	c.conversationID = ""
	c.mu.Unlock()

	if wasTyping && conversationID != "" {
		c.ch.StopTyping(conversationID, c.self.UserID)
	}
	c.publish()
}

// Keystroke records local typing activity: the first keystroke emits the
// start signal, every keystroke re-arms the idle timer.
func (c *Coordinator) Keystroke() {
	c.mu.Lock()
	conversationID := c.conversationID
	if conversationID == "" {
		c.mu.Unlock()
		return
	}
	first := !c.localActive
	c.localActive = true
	if c.localCancel != nil {
		c.localCancel()
	}
	c.localCancel = c.sched.After(localIdle, c.localIdleExpired)
	c.mu.Unlock()

	if first {
		c.ch.StartTyping(conversationID, c.self.UserID, c.self.DisplayName)
	}
}

// Sent withdraws the local typing signal immediately, called when a message
// is sent.
func (c *Coordinator) Sent() {
	c.mu.Lock()
	conversationID := c.conversationID
	wasTyping := c.localActive
	c.localActive = false
	if c.localCancel != nil {
		c.localCancel()
		c.localCancel = nil
	}
	c.mu.Unlock()

	if wasTyping && conversationID != "" {
		c.ch.StopTyping(conversationID, c.self.UserID)
	}
}

func (c *Coordinator) localIdleExpired() {
	c.mu.Lock()
	conversationID := c.conversationID
	wasTyping := c.localActive
	c.localActive = false
	c.localCancel = nil
	c.mu.Unlock()

	if wasTyping && conversationID != "" {
		c.ch.StopTyping(conversationID, c.self.UserID)
	}
}

// OnRemoteTyping adds or refreshes a remote user's typing entry.
func (c *Coordinator) OnRemoteTyping(conversationID, userID, displayName string) {
	c.mu.Lock()
	if conversationID != c.conversationID || userID == c.self.UserID {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.remote[userID]; ok {
		prev.cancel()
	}
	if displayName == "" {
		displayName = userID
	}
	c.remoteGen++
	gen := c.remoteGen
	c.remote[userID] = remoteEntry{
		name:   displayName,
		cancel: c.sched.After(remoteTTL, func() { c.expire(userID, gen) }),
		gen:    gen,
	}
	c.mu.Unlock()
	c.publish()
}

// OnRemoteStopped removes a remote user's typing entry.
func (c *Coordinator) OnRemoteStopped(conversationID, userID string) {
	c.mu.Lock()
	if conversationID != c.conversationID {
		c.mu.Unlock()
		return
	}
	entry, ok := c.remote[userID]
	if ok {
		entry.cancel()
		delete(c.remote, userID)
	}
	c.mu.Unlock()
	if ok {
		c.publish()
	}
}

func (c *Coordinator) expire(userID string, gen uint64) {
	c.mu.Lock()
	entry, ok := c.remote[userID]
	if ok && entry.gen == gen {
		delete(c.remote, userID)
	} else {
		ok = false // refreshed since this timer was armed
	}
	c.mu.Unlock()
	if ok {
		c.publish()
	}
}

// Active reports whether anyone remote is typing.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remote) > 0
}

// Names returns the display names of remote users currently typing, sorted.
func (c *Coordinator) Names() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.remote))
	for _, entry := range c.remote {
		names = append(names, entry.name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

func (c *Coordinator) publish() {
	c.bus.Emit("typing.updated", c.Names())
}
