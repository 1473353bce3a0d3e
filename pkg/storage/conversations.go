package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// ===== CONVERSATION OPERATIONS =====

// CreateConversation stores a conversation and its participants.
func (db *MessageDB) CreateConversation(id string, participants []protocol.Fingerprint, createdAt int64) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err == nil {
		return ErrConversationExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO conversations (id, created_at) VALUES (?, ?)`, id, createdAt); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	for _, fp := range participants {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO participants (conversation_id, fingerprint) VALUES (?, ?)`,
			id, fp.String(),
		); err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}
	return tx.Commit()
}

// updateConversation records msg as the latest message of its conversation.
func updateConversation(tx *sql.Tx, msg *protocol.Message) error {
	_, err := tx.Exec(`
		UPDATE conversations
		SET last_message_id = ?, last_sender = ?, last_timestamp = ?
		WHERE id = ? AND (last_timestamp IS NULL OR last_timestamp <= ?)`,
		msg.ID, msg.Sender.String(), msg.Timestamp, msg.ConversationID, msg.Timestamp,
	)
	return err
}

// GetConversations lists the conversations fp takes part in, newest first,
// with fp's unread count.
func (db *MessageDB) GetConversations(fp protocol.Fingerprint) ([]protocol.Conversation, error) {
	self := fp.String()
	rows, err := db.db.Query(`
		SELECT c.id, c.last_message_id, c.last_sender, c.last_timestamp,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender != ?
		          AND NOT EXISTS (SELECT 1 FROM reads r WHERE r.message_id = m.id AND r.fingerprint = ?))
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.fingerprint = ?
		ORDER BY COALESCE(c.last_timestamp, c.created_at) DESC, c.id`,
		self, self, self,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []protocol.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows, true)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		if convs[i].Participants, err = db.participants(convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// GetConversation retrieves a conversation by id
func (db *MessageDB) GetConversation(id string) (*protocol.Conversation, error) {
	row := db.db.QueryRow(`
		SELECT id, last_message_id, last_sender, last_timestamp
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row, false)
	if err != nil {
		return nil, err
	}
	if conv.Participants, err = db.participants(id); err != nil {
		return nil, err
	}
	return conv, nil
}

// IsParticipant reports whether fp takes part in conversation id.
func (db *MessageDB) IsParticipant(id string, fp protocol.Fingerprint) (bool, error) {
	var one int
	err := db.db.QueryRow(`
		SELECT 1 FROM participants WHERE conversation_id = ? AND fingerprint = ?`,
		id, fp.String(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (db *MessageDB) participants(id string) ([]protocol.Fingerprint, error) {
	rows, err := db.db.Query(`
		SELECT fingerprint FROM participants WHERE conversation_id = ? ORDER BY fingerprint`, id)
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
		hexes = append(hexes, strings.ToLower(h))
	}
	return parseFingerprints(hexes), rows.Err()
}

func scanConversation(s scanner, withUnread bool) (*protocol.Conversation, error) {
	var (
		conv       protocol.Conversation
		lastID     sql.NullString
		lastSender sql.NullString
		lastTS     sql.NullInt64
	)
	dest := []any{&conv.ID, &lastID, &lastSender, &lastTS}
	if withUnread {
		dest = append(dest, &conv.UnreadCount)
	}
	err := s.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastID.Valid {
		summary := &protocol.MessageSummary{ID: nullString(lastID), Timestamp: lastTS.Int64}
		if fp, err := protocol.ParseFingerprint(nullString(lastSender)); err == nil {
			summary.Sender = fp
		}
		conv.Latest = summary
	}
	return &conv, nil
}
