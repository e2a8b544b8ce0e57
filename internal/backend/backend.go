// Package backend talks to the marketplace chat API over plain
// request/response HTTP. Message sending deliberately goes through here and
// not the socket: a send must fail loudly, never be dropped by transport
// flakiness.
package backend

import (
	"errors"
	"fmt"

	"github.com/aperturehq/lenstalk/internal/wire"
)

// Identity describes the local user, used to tell own messages from the
// counterpart's.
type Identity struct {
	UserID      string
	DisplayName string
}

// SendRequest is the input to a reliable message send. At least one of Text
// or Attachment must be set.
type SendRequest struct {
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text,omitempty"`
	Attachment     *wire.Attachment `json:"attachment,omitempty"`
	ClientToken    string           `json:"client_token,omitempty"`
}

// ProgressFunc reports upload progress in [0, 1].
type ProgressFunc func(fraction float64)

// UploadResult describes a stored asset.
type UploadResult struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// TransientError wraps a recoverable network failure. Callers may retry;
// the content that failed to send must not be discarded.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a recoverable network failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
