package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// ===== IDENTITY OPERATIONS =====

// SaveIdentity registers an identity, enforcing the per-account limit.
func (db *MessageDB) SaveIdentity(id *protocol.Identity) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM identities WHERE account_id = ?`, id.AccountID).Scan(&count); err != nil {
		return err
	}
	if count >= protocol.MaxIdentities {
		return ErrIdentityLimit
	}

	_, err = tx.Exec(`
		INSERT INTO identities (id, account_id, fingerprint, label, restricted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.ID, id.AccountID, id.Fingerprint.String(), id.Label, boolToInt(id.Restricted), id.CreatedAt,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrIdentityExists
	}
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return tx.Commit()
}

// GetIdentity retrieves an identity by id
func (db *MessageDB) GetIdentity(id string) (*protocol.Identity, error) {
	row := db.db.QueryRow(`
		SELECT id, account_id, fingerprint, label, restricted, created_at
		FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

// GetIdentities lists the identities of an account, oldest first.
func (db *MessageDB) GetIdentities(accountID string) ([]protocol.Identity, error) {
	rows, err := db.db.Query(`
		SELECT id, account_id, fingerprint, label, restricted, created_at
		FROM identities WHERE account_id = ?
		ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := []protocol.Identity{}
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, *id)
	}
	return identities, rows.Err()
}

// DeleteIdentity removes an identity owned by accountID.
func (db *MessageDB) DeleteIdentity(accountID, id string) error {
	res, err := db.db.Exec(`DELETE FROM identities WHERE id = ? AND account_id = ?`, id, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(s scanner) (*protocol.Identity, error) {
	var (
		id         protocol.Identity
		fp         string
		restricted int
	)
	err := s.Scan(&id.ID, &id.AccountID, &fp, &id.Label, &restricted, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if id.Fingerprint, err = protocol.ParseFingerprint(fp); err != nil {
		return nil, fmt.Errorf("corrupt fingerprint for identity %s: %w", id.ID, err)
	}
	id.Restricted = intToBool(restricted)
	return &id, nil
}

// ===== PROFILE OPERATIONS =====

// SaveProfile adds or updates a profile
func (db *MessageDB) SaveProfile(p *protocol.Profile) error {
	_, err := db.db.Exec(`
		INSERT INTO profiles (user_id, account_id, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			account_id = excluded.account_id,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		p.UserID, p.AccountID, p.DisplayName, p.UpdatedAt,
	)
	return err
}

// GetProfile retrieves a profile by user id
func (db *MessageDB) GetProfile(userID string) (*protocol.Profile, error) {
	var p protocol.Profile
	err := db.db.QueryRow(`
		SELECT user_id, account_id, display_name, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.AccountID, &p.DisplayName, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
