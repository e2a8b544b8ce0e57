package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a signal carried over the transport channel. The set is
// closed: Decode rejects anything outside it.
type Kind string

const (
	SignalNewMessage        Kind = "new_message"
	SignalUserTyping        Kind = "user_typing"
	SignalUserStoppedTyping Kind = "user_stopped_typing"
	SignalMessageRead       Kind = "message_read"
	SignalCallOffer         Kind = "voice_call_offer"
	SignalCallAnswer        Kind = "voice_call_answer"
	SignalCallICECandidate  Kind = "voice_call_ice_candidate"
	SignalCallEnd           Kind = "voice_call_end"
	SignalJoinConversation  Kind = "join_conversation"
	SignalLeaveConversation Kind = "leave_conversation"
	SignalMarkRead          Kind = "mark_read"
)

// Envelope is the on-the-wire frame: a kind, the conversation it is scoped
// to, and a kind-specific payload.
type Envelope struct {
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewMessagePayload accompanies SignalNewMessage.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// TypingPayload accompanies SignalUserTyping.
type TypingPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// StoppedTypingPayload accompanies SignalUserStoppedTyping.
type StoppedTypingPayload struct {
	UserID string `json:"user_id"`
}

// MessageReadPayload accompanies SignalMessageRead.
type MessageReadPayload struct {
	ReaderID string `json:"reader_id"`
}

// CallOfferPayload accompanies SignalCallOffer.
type CallOfferPayload struct {
	CallID   string             `json:"call_id"`
	FromID   string             `json:"from_id"`
	FromName string             `json:"from_name,omitempty"`
	Desc     SessionDescription `json:"desc"`
}

// CallAnswerPayload accompanies SignalCallAnswer.
type CallAnswerPayload struct {
	CallID string             `json:"call_id"`
	Desc   SessionDescription `json:"desc"`
}

// CallICEPayload accompanies SignalCallICECandidate.
type CallICEPayload struct {
	CallID    string       `json:"call_id"`
	Candidate ICECandidate `json:"candidate"`
}

// CallEndPayload accompanies SignalCallEnd.
type CallEndPayload struct {
	CallID string `json:"call_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ScopePayload accompanies join/leave/mark-read scope control signals.
type ScopePayload struct {
	UserID string `json:"user_id,omitempty"`
}

// Encode marshals an envelope for the given kind and payload.
func Encode(kind Kind, conversationID string, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, ConversationID: conversationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// ParseEnvelope unmarshals a raw frame into an envelope without touching
// the payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing kind")
	}
	return env, nil
}

// Decode maps an envelope to its typed payload. The returned value is a
// pointer to one of the *Payload structs above; callers dispatch with a
// type switch. Unknown kinds are an error, never a panic.
func Decode(env Envelope) (any, error) {
	var target any
	switch env.Kind {
	case SignalNewMessage:
		target = &NewMessagePayload{}
	case SignalUserTyping:
		target = &TypingPayload{}
	case SignalUserStoppedTyping:
		target = &StoppedTypingPayload{}
	case SignalMessageRead:
		target = &MessageReadPayload{}
	case SignalCallOffer:
		target = &CallOfferPayload{}
	case SignalCallAnswer:
		target = &CallAnswerPayload{}
	case SignalCallICECandidate:
		target = &CallICEPayload{}
	case SignalCallEnd:
		target = &CallEndPayload{}
	case SignalJoinConversation, SignalLeaveConversation, SignalMarkRead:
		target = &ScopePayload{}
	default:
		return nil, fmt.Errorf("unknown signal kind %q", env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	return target, nil
}

// IsCallSignal reports whether kind belongs to the voice-call vocabulary.
func IsCallSignal(kind Kind) bool {
	switch kind {
	case SignalCallOffer, SignalCallAnswer, SignalCallICECandidate, SignalCallEnd:
		return true
	}
	return false
}
