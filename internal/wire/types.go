package wire

// CoarseKind classifies an attachment for rendering purposes.
type CoarseKind string

const (
	KindImage CoarseKind = "image"
	KindAudio CoarseKind = "audio"
	KindFile  CoarseKind = "file"
)

// Attachment references an uploaded asset.
type Attachment struct {
	URL  string     `json:"url"`
	Name string     `json:"name"`
	Kind CoarseKind `json:"kind"`
}

// Message is a single chat message. ID is server-assigned and empty while
// the message only exists as a pending local send; ClientToken correlates
// such a pending message with its eventual server echo.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	SentAt         int64       `json:"sent_at"` // unix millis
	Read           bool        `json:"read"`
	ClientToken    string      `json:"client_token,omitempty"`
}

// SameAttachment reports whether two attachment references point at the
// same asset. Two nil references are considered equal.
func SameAttachment(a, b *Attachment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.URL == b.URL
}

// Conversation is a summary entry in the conversation directory.
type Conversation struct {
	ID             string `json:"id"`
	PartnerID      string `json:"partner_id"`
	PartnerName    string `json:"partner_name"`
	PartnerAvatar  string `json:"partner_avatar,omitempty"`
	Online         bool   `json:"online"`
	LastMessage    string `json:"last_message,omitempty"`
	UnreadCount    int    `json:"unread_count"`
	LastActivityAt int64  `json:"last_activity_at"` // unix millis
}

// SessionDescription carries a standard SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries a standard ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
