package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// ===== MESSAGE OPERATIONS =====

// SaveMessage stores a message and updates its conversation summary.
func (db *MessageDB) SaveMessage(msg *protocol.Message) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender, body, timestamp, expires_at, rkey)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender.String(), msg.Body, msg.Timestamp, msg.ExpiresAt, msg.RKey,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if err := updateConversation(tx, msg); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return tx.Commit()
}

// GetMessage retrieves a message by id
func (db *MessageDB) GetMessage(id string) (*protocol.Message, error) {
	row := db.db.QueryRow(`
		SELECT id, conversation_id, sender, body, timestamp, expires_at, rkey
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if msg.ReadBy, err = db.readers(id); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversationMessages lists the unexpired messages of a conversation,
// oldest first. At most limit messages are returned; limit <= 0 means all.
func (db *MessageDB) GetConversationMessages(conversationID string, nowMillis int64, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.db.Query(`
		SELECT id, conversation_id, sender, body, timestamp, expires_at, rkey
		FROM messages
		WHERE conversation_id = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY timestamp, id
		LIMIT ?`,
		conversationID, nowMillis, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []protocol.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range messages {
		if messages[i].ReadBy, err = db.readers(messages[i].ID); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// MarkRead adds fp to the read-by set of a message.
func (db *MessageDB) MarkRead(messageID string, fp protocol.Fingerprint) error {
	_, err := db.db.Exec(`
		INSERT OR IGNORE INTO reads (message_id, fingerprint) VALUES (?, ?)`,
		messageID, fp.String(),
	)
	return err
}

// DeleteMessage deletes a message. Only its sender may delete it.
func (db *MessageDB) DeleteMessage(id string, requester protocol.Fingerprint) (*protocol.Message, error) {
	msg, err := db.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg.Sender != requester {
		return nil, ErrForbidden
	}
	if _, err := db.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return msg, nil
}

// PurgeExpired deletes messages whose expiry has passed.
func (db *MessageDB) PurgeExpired(nowMillis int64) (int64, error) {
	res, err := db.db.Exec(`DELETE FROM messages WHERE expires_at != 0 AND expires_at <= ?`, nowMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *MessageDB) readers(messageID string) ([]protocol.Fingerprint, error) {
	rows, err := db.db.Query(`SELECT fingerprint FROM reads WHERE message_id = ? ORDER BY fingerprint`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hexes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hexes = append(hexes, h)
	}
	if len(hexes) == 0 {
		return nil, rows.Err()
	}
	return parseFingerprints(hexes), rows.Err()
}

func scanMessage(s scanner) (*protocol.Message, error) {
	var (
		msg    protocol.Message
		sender string
	)
	err := s.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Body, &msg.Timestamp, &msg.ExpiresAt, &msg.RKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if msg.Sender, err = protocol.ParseFingerprint(sender); err != nil {
		return nil, fmt.Errorf("corrupt sender for message %s: %w", msg.ID, err)
	}
	return &msg, nil
}
