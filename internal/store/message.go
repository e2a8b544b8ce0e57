package store

import (
	"time"

	"github.com/aperturehq/lenstalk/internal/wire"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id
// + msg_id). Messages without a server id yet are skipped: the cache only
// holds acknowledged history.
func (db *DB) UpsertMessage(m *wire.Message) error {
	if m.ID == "" {
		return nil
	}
	var attURL, attName, attKind string
	if m.Attachment != nil {
		attURL = m.Attachment.URL
		attName = m.Attachment.Name
		attKind = string(m.Attachment.Kind)
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachment_url, attachment_name, attachment_kind, read, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			read = MAX(messages.read, excluded.read)`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body,
		attURL, attName, attKind, m.Read, m.SentAt, now)
	return err
}

// CachedMessages returns the cached history for a conversation ordered by
// send time ascending.
func (db *DB) CachedMessages(conversationID string) ([]wire.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, sender_name, body, attachment_url, attachment_name, attachment_kind, read, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.Message
	for rows.Next() {
		var m wire.Message
		var attURL, attName, attKind string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &attURL, &attName, &attKind, &m.Read, &m.SentAt); err != nil {
			return nil, err
		}
		if attURL != "" {
			m.Attachment = &wire.Attachment{URL: attURL, Name: attName, Kind: wire.CoarseKind(attKind)}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceMessages swaps the cached history for a conversation wholesale.
func (db *DB) ReplaceMessages(conversationID string, msgs []wire.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		var attURL, attName, attKind string
		if m.Attachment != nil {
			attURL = m.Attachment.URL
			attName = m.Attachment.Name
			attKind = string(m.Attachment.Kind)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachment_url, attachment_name, attachment_kind, read, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				read = excluded.read`,
			m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body,
			attURL, attName, attKind, m.Read, m.SentAt, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
