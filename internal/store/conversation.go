package store

import (
	"time"

	"github.com/aperturehq/lenstalk/internal/wire"
)

// ReplaceConversations stores a fresh list snapshot, keeping server order
// via the position column.
func (db *DB) ReplaceConversations(list []wire.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for i, c := range list {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, partner_id, partner_name, partner_avatar, online, last_message, unread_count, last_activity_at, position, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.PartnerID, c.PartnerName, c.PartnerAvatar, c.Online,
			c.LastMessage, c.UnreadCount, c.LastActivityAt, i, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertConversation inserts or updates a single conversation summary.
func (db *DB) UpsertConversation(c *wire.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, partner_id, partner_name, partner_avatar, online, last_message, unread_count, last_activity_at, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = excluded.last_message,
			unread_count = excluded.unread_count,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ID, c.PartnerID, c.PartnerName, c.PartnerAvatar, c.Online,
		c.LastMessage, c.UnreadCount, c.LastActivityAt, now)
	return err
}

// CachedConversations returns the cached list in stored server order.
func (db *DB) CachedConversations() ([]wire.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, partner_id, partner_name, partner_avatar, online, last_message, unread_count, last_activity_at
		FROM conversations
		ORDER BY position ASC, last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []wire.Conversation
	for rows.Next() {
		var c wire.Conversation
		if err := rows.Scan(&c.ID, &c.PartnerID, &c.PartnerName, &c.PartnerAvatar, &c.Online, &c.LastMessage, &c.UnreadCount, &c.LastActivityAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
