package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/userexternal/internal/model"
)

// UserExists reports whether uid is known under backend, ignoring case.
func (s *SQLiteStore) UserExists(ctx context.Context, uid, backend string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM users_external WHERE uid = ? AND backend = ?",
		uid, backend,
	)
	if err != nil {
		return false, fmt.Errorf("checking user %s: %w", uid, err)
	}
	return count > 0, nil
}

// EnsureUser inserts the identity unless a row with the same uid (any case)
// already exists for backend, and returns the uid as it is stored. When the
// row is inserted, uid joins groups in the same transaction; a failing group
// rolls the identity back as well.
func (s *SQLiteStore) EnsureUser(ctx context.Context, uid, backend string, groups ...string) (string, bool, error) {
	if strings.TrimSpace(uid) == "" {
		return "", false, fmt.Errorf("uid must not be empty")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO users_external (uid, backend, displayname, created_at)
		VALUES (?, ?, '', ?)
		ON CONFLICT (uid, backend) DO NOTHING`,
		uid, backend, time.Now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("inserting user %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()

	var stored string
	if err := tx.GetContext(ctx, &stored,
		"SELECT uid FROM users_external WHERE uid = ? AND backend = ?",
		uid, backend,
	); err != nil {
		return "", false, fmt.Errorf("reading user %s: %w", uid, err)
	}

	if rows > 0 {
		for _, g := range groups {
			if err := addToGroup(ctx, tx, stored, g); err != nil {
				return "", false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing user %s: %w", uid, err)
	}
	return stored, rows > 0, nil
}

// SetDisplayName updates the display name. It returns false when the
// identity does not exist.
func (s *SQLiteStore) SetDisplayName(ctx context.Context, uid, backend, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users_external SET displayname = ? WHERE uid = ? AND backend = ?",
		name, uid, backend,
	)
	if err != nil {
		return false, fmt.Errorf("setting display name for %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetDisplayName returns the stored display name, or the stored uid when
// the display name is blank.
func (s *SQLiteStore) GetDisplayName(ctx context.Context, uid, backend string) (string, error) {
	var ident model.Identity
	err := s.db.GetContext(ctx, &ident,
		"SELECT * FROM users_external WHERE uid = ? AND backend = ?",
		uid, backend,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("getting display name for %s: %w", uid, ErrUserNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting display name for %s: %w", uid, err)
	}
	ident.DisplayName = strings.TrimSpace(ident.DisplayName)
	return ident.Name(), nil
}

// ListUsers returns uids for a backend whose uid starts with opts.Search.
func (s *SQLiteStore) ListUsers(ctx context.Context, opts UserFilter) ([]string, error) {
	query := `SELECT uid FROM users_external
		WHERE backend = ? AND uid LIKE ? ESCAPE '\'
		ORDER BY uid` + pageClause(opts.Limit, opts.Offset)

	var uids []string
	err := s.db.SelectContext(ctx, &uids, query,
		opts.Backend, likePattern("", opts.Search, "%"),
	)
	if err != nil {
		return nil, fmt.Errorf("listing users for %s: %w", opts.Backend, err)
	}
	return uids, nil
}

// DisplayNames maps uid to display name for identities whose uid or
// display name contains opts.Search.
func (s *SQLiteStore) DisplayNames(ctx context.Context, opts UserFilter) (map[string]string, error) {
	pattern := likePattern("%", opts.Search, "%")
	query := `SELECT * FROM users_external
		WHERE backend = ? AND (uid LIKE ? ESCAPE '\' OR displayname LIKE ? ESCAPE '\')
		ORDER BY uid` + pageClause(opts.Limit, opts.Offset)

	rows, err := s.db.QueryxContext(ctx, query, opts.Backend, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("querying display names for %s: %w", opts.Backend, err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var ident model.Identity
		if err := rows.StructScan(&ident); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		ident.DisplayName = strings.TrimSpace(ident.DisplayName)
		names[ident.UID] = ident.Name()
	}
	return names, rows.Err()
}

// CountUsers returns the number of identities linked to backend.
func (s *SQLiteStore) CountUsers(ctx context.Context, backend string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM users_external WHERE backend = ?", backend)
	if err != nil {
		return 0, fmt.Errorf("counting users for %s: %w", backend, err)
	}
	return count, nil
}

// DeleteUser removes an identity. Group memberships are left to the host.
func (s *SQLiteStore) DeleteUser(ctx context.Context, uid, backend string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM users_external WHERE uid = ? AND backend = ?", uid, backend)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", uid, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deleting user %s: %w", uid, ErrUserNotFound)
	}
	return nil
}
