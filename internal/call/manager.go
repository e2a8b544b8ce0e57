// Package call manages one peer-to-peer voice session layered on the
// conversation context: offer/answer/ICE exchange over the transport
// channel, microphone lifecycle, mute, and symmetric teardown. Calls are
// conversation-scoped, not view-scoped — leaving the conversation view does
// not end them.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/mic"
	"github.com/aperturehq/lenstalk/internal/wire"
)

// State is a call session state.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateConnecting      State = "connecting"
	StateInCall          State = "in-call"
)

// ErrCallBusy is returned when a second call attempt arrives while a
// session already exists. The existing session is never replaced silently.
var ErrCallBusy = errors.New("a call is already in progress")

// ErrNoIncomingCall is returned when accept/reject arrive without a ringing
// incoming session.
var ErrNoIncomingCall = errors.New("no incoming call to answer")

const micHolder = "call"

// NegotiationError wraps a peer-connection setup failure. The session is
// torn down before it is returned.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("call negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// LocalAudio is the acquired microphone handle attached to the peer
// connection as the local track set.
type LocalAudio interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// Peer is the negotiation surface of a peer connection.
type Peer interface {
	CreateOffer(ctx context.Context) (wire.SessionDescription, error)
	CreateAnswer(ctx context.Context) (wire.SessionDescription, error)
	SetLocalDescription(desc wire.SessionDescription) error
	SetRemoteDescription(desc wire.SessionDescription) error
	AddICECandidate(cand wire.ICECandidate) error
	Close() error
}

// Devices acquires media devices.
type Devices interface {
	OpenMicrophone(ctx context.Context) (LocalAudio, error)
}

// PeerFactory creates peer connections with the local audio attached.
// onICE fires for each locally gathered candidate; onRemoteTrack fires when
// the first remote media track attaches.
type PeerFactory interface {
	NewPeer(ctx context.Context, audio LocalAudio, onICE func(wire.ICECandidate), onRemoteTrack func()) (Peer, error)
}

// Signaler carries call-control signals. Implemented by the transport channel.
type Signaler interface {
	SendVoiceSignal(kind wire.Kind, conversationID string, payload any)
}

// Status is the observable call state exposed to the UI layer.
type Status struct {
	State          State
	ConversationID string
	CallID         string
	PeerName       string
	Muted          bool
}

type callSession struct {
	conversationID string
	callID         string
	state          State
	peerName       string
	audio          LocalAudio
	peer           Peer
	remoteDescSet  bool
	muted          bool
	caller         bool
	pendingOffer   *wire.SessionDescription
}

// Manager runs at most one call session at a time.
type Manager struct {
	self     backend.Identity
	devices  Devices
	peers    PeerFactory
	signaler Signaler
	guard    *mic.Guard
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	session *callSession
	// Remote candidates that arrived before the peer connection (or its
	// remote description) existed, keyed by conversation. Never dropped.
	pendingICE map[string][]wire.ICECandidate
}

// NewManager creates a call manager sharing the microphone guard with the
// voice recorder.
func NewManager(self backend.Identity, devices Devices, peers PeerFactory, signaler Signaler, guard *mic.Guard, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		self:       self,
		devices:    devices,
		peers:      peers,
		signaler:   signaler,
		guard:      guard,
		bus:        b,
		logger:     logger,
		pendingICE: make(map[string][]wire.ICECandidate),
	}
}

// Status returns the observable session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Status{State: StateIdle}
	}
	return Status{
		State:          m.session.state,
		ConversationID: m.session.conversationID,
		CallID:         m.session.callID,
		PeerName:       m.session.peerName,
		Muted:          m.session.muted,
	}
}

// Start initiates an outgoing call on the given conversation (caller path).
func (m *Manager) Start(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallBusy
	}
	sess := &callSession{
		conversationID: conversationID,
		callID:         uuid.NewString(),
		state:          StateOutgoingRinging,
		caller:         true,
	}
	m.session = sess
	m.mu.Unlock()

	if err := m.acquireAndConnect(ctx, sess); err != nil {
		return err
	}

	offer, err := sess.peer.CreateOffer(ctx)
	if err != nil {
		return m.negotiationFailed(sess, "create offer", err)
	}
	if err := sess.peer.SetLocalDescription(offer); err != nil {
		return m.negotiationFailed(sess, "set local description", err)
	}

	m.signaler.SendVoiceSignal(wire.SignalCallOffer, conversationID, &wire.CallOfferPayload{
		CallID:   sess.callID,
		FromID:   m.self.UserID,
		FromName: m.self.DisplayName,
		Desc:     offer,
	})
	m.publishState()
	return nil
}

// OnOffer handles a remote offer (callee path). The session rings even if
// the conversation is not the active view. A second offer while busy is
// answered with a busy end signal rather than replacing the session.
func (m *Manager) OnOffer(conversationID string, offer *wire.CallOfferPayload) error {
	m.mu.Lock()
	if m.session != nil {
		same := m.session.conversationID == conversationID && m.session.callID == offer.CallID
		m.mu.Unlock()
		if same {
			return nil // duplicate delivery of the ringing offer
		}
		m.signaler.SendVoiceSignal(wire.SignalCallEnd, conversationID, &wire.CallEndPayload{
			CallID: offer.CallID,
			Reason: "busy",
		})
		return ErrCallBusy
	}
	desc := offer.Desc
	m.session = &callSession{
		conversationID: conversationID,
		callID:         offer.CallID,
		state:          StateIncomingRinging,
		peerName:       offer.FromName,
		pendingOffer:   &desc,
	}
	m.mu.Unlock()

	m.bus.Emit("call.incoming", Status{
		State:          StateIncomingRinging,
		ConversationID: conversationID,
		CallID:         offer.CallID,
		PeerName:       offer.FromName,
	})
	m.publishState()
	return nil
}

// Accept answers the ringing incoming call.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.state != StateIncomingRinging || sess.pendingOffer == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	offer := *sess.pendingOffer
	m.mu.Unlock()

	if err := m.acquireAndConnect(ctx, sess); err != nil {
		return err
	}

	if err := sess.peer.SetRemoteDescription(offer); err != nil {
		return m.negotiationFailed(sess, "set remote description", err)
	}
	m.applyQueuedICE(sess)

	answer, err := sess.peer.CreateAnswer(ctx)
	if err != nil {
		return m.negotiationFailed(sess, "create answer", err)
	}
	if err := sess.peer.SetLocalDescription(answer); err != nil {
		return m.negotiationFailed(sess, "set local description", err)
	}

	m.mu.Lock()
	sess.state = StateConnecting
	sess.pendingOffer = nil
	m.mu.Unlock()

	m.signaler.SendVoiceSignal(wire.SignalCallAnswer, sess.conversationID, &wire.CallAnswerPayload{
		CallID: sess.callID,
		Desc:   answer,
	})
	m.publishState()
	return nil
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject() error {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.state != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.mu.Unlock()
	m.teardown("rejected", true)
	return nil
}

// OnAnswer handles the remote answer (caller path). Only the first answer
// for a ringing outgoing session counts; redeliveries and answers for a
// session that no longer exists are dropped without touching the peer.
func (m *Manager) OnAnswer(conversationID string, answer *wire.CallAnswerPayload) error {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.conversationID != conversationID || !sess.caller ||
		sess.state != StateOutgoingRinging || sess.remoteDescSet {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := sess.peer.SetRemoteDescription(answer.Desc); err != nil {
		return m.negotiationFailed(sess, "set remote description", err)
	}
	m.applyQueuedICE(sess)

	m.mu.Lock()
	if m.session == sess && sess.state == StateOutgoingRinging {
		sess.state = StateConnecting
	}
	m.mu.Unlock()
	m.publishState()
	return nil
}

// OnRemoteICE applies a remote candidate, queueing it if the peer
// connection for the conversation does not exist yet or has no remote
// description. Queued candidates are applied in arrival order.
func (m *Manager) OnRemoteICE(conversationID string, cand wire.ICECandidate) {
	m.mu.Lock()
	sess := m.session
	ready := sess != nil && sess.conversationID == conversationID &&
		sess.peer != nil && sess.remoteDescSet
	if !ready {
		m.pendingICE[conversationID] = append(m.pendingICE[conversationID], cand)
		m.mu.Unlock()
		return
	}
	peer := sess.peer
	m.mu.Unlock()

	if err := peer.AddICECandidate(cand); err != nil {
		m.logger.Warn("apply remote ICE candidate", zap.Error(err))
	}
}

// OnRemoteEnd tears down the session when the remote side hangs up.
func (m *Manager) OnRemoteEnd(conversationID string) {
	m.mu.Lock()
	match := m.session != nil && m.session.conversationID == conversationID
	m.mu.Unlock()
	if match {
		m.teardown("remote-ended", false)
	} else {
		// Also drop any candidates queued for a call that never happened.
		m.mu.Lock()
		delete(m.pendingICE, conversationID)
		m.mu.Unlock()
	}
}

// ToggleMute flips the local audio tracks without renegotiation and returns
// the new muted state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.audio == nil {
		m.mu.Unlock()
		return false
	}
	sess.muted = !sess.muted
	muted := sess.muted
	audio := sess.audio
	m.mu.Unlock()

	audio.SetEnabled(!muted)
	m.publishState()
	return muted
}

// HangUp ends the call locally and signals the remote side so it tears
// down symmetrically. Idempotent.
func (m *Manager) HangUp() {
	m.teardown("hangup", true)
}

// acquireAndConnect claims the microphone and builds the peer connection,
// tearing the session down on any failure.
func (m *Manager) acquireAndConnect(ctx context.Context, sess *callSession) error {
	// The callee's remote side is already ringing and must be told when we
	// fail to pick up; the caller has not signaled anything yet.
	signalRemote := !sess.caller
	if err := m.guard.Acquire(micHolder); err != nil {
		m.teardown("mic-busy", signalRemote)
		return err
	}

	audio, err := m.devices.OpenMicrophone(ctx)
	if err != nil {
		m.guard.Release(micHolder)
		m.teardown("mic-failed", signalRemote)
		return &mic.PermissionError{Cause: err}
	}

	m.mu.Lock()
	sess.audio = audio
	m.mu.Unlock()

	peer, err := m.peers.NewPeer(ctx,
		audio,
		func(cand wire.ICECandidate) { m.onLocalICE(sess, cand) },
		func() { m.onRemoteTrack(sess) },
	)
	if err != nil {
		return m.negotiationFailed(sess, "create peer connection", err)
	}

	m.mu.Lock()
	sess.peer = peer
	m.mu.Unlock()
	return nil
}

func (m *Manager) onLocalICE(sess *callSession, cand wire.ICECandidate) {
	m.mu.Lock()
	current := m.session == sess
	m.mu.Unlock()
	if !current {
		return
	}
	m.signaler.SendVoiceSignal(wire.SignalCallICECandidate, sess.conversationID, &wire.CallICEPayload{
		CallID:    sess.callID,
		Candidate: cand,
	})
}

func (m *Manager) onRemoteTrack(sess *callSession) {
	m.mu.Lock()
	if m.session != sess || sess.state == StateInCall {
		m.mu.Unlock()
		return
	}
	sess.state = StateInCall
	m.mu.Unlock()
	m.publishState()
}

// applyQueuedICE flushes candidates queued for the session's conversation.
// Called after the remote description is set so candidates are never
// applied out of order relative to descriptions.
func (m *Manager) applyQueuedICE(sess *callSession) {
	m.mu.Lock()
	sess.remoteDescSet = true
	queued := m.pendingICE[sess.conversationID]
	delete(m.pendingICE, sess.conversationID)
	peer := sess.peer
	m.mu.Unlock()

	for _, cand := range queued {
		if err := peer.AddICECandidate(cand); err != nil {
			m.logger.Warn("apply queued ICE candidate", zap.Error(err))
		}
	}
}

func (m *Manager) negotiationFailed(sess *callSession, stage string, err error) error {
	m.logger.Error("call negotiation failed", zap.String("stage", stage), zap.Error(err))
	nerr := &NegotiationError{Stage: stage, Err: err}
	m.bus.Emit("call.failed", nerr)
	m.mu.Lock()
	match := m.session == sess
	m.mu.Unlock()
	if match {
		m.teardown("failed", true)
	}
	return nerr
}

// teardown releases every session resource and resets to idle. Idempotent:
// a second call finds no session and returns immediately.
func (m *Manager) teardown(reason string, signalRemote bool) {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	if sess != nil {
		delete(m.pendingICE, sess.conversationID)
	}
	m.mu.Unlock()
	if sess == nil {
		return
	}

	if sess.audio != nil {
		sess.audio.Stop()
	}
	if sess.peer != nil {
		if err := sess.peer.Close(); err != nil {
			m.logger.Warn("close peer connection", zap.Error(err))
		}
	}
	m.guard.Release(micHolder)

	if signalRemote {
		m.signaler.SendVoiceSignal(wire.SignalCallEnd, sess.conversationID, &wire.CallEndPayload{
			CallID: sess.callID,
			Reason: reason,
		})
	}

	m.logger.Info("call ended",
		zap.String("conversation", sess.conversationID),
		zap.String("reason", reason))
	m.publishState()
}

func (m *Manager) publishState() {
	m.bus.Emit("call.state", m.Status())
}
