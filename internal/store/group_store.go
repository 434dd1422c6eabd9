package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// AddToGroup creates group if absent and adds uid to it. Adding an
// existing member is a no-op.
func (s *SQLiteStore) AddToGroup(ctx context.Context, uid, group string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := addToGroup(ctx, tx, uid, group); err != nil {
		return err
	}
	return tx.Commit()
}

func addToGroup(ctx context.Context, tx *sqlx.Tx, uid, group string) error {
	if strings.TrimSpace(group) == "" {
		return ErrEmptyGroup
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_groups (gid) VALUES (?) ON CONFLICT (gid) DO NOTHING", group); err != nil {
		return fmt.Errorf("creating group %s: %w", group, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO group_user (gid, uid) VALUES (?, ?) ON CONFLICT (gid, uid) DO NOTHING",
		group, uid); err != nil {
		return fmt.Errorf("adding %s to group %s: %w", uid, group, err)
	}
	return nil
}

// GroupsForUser returns the groups uid belongs to, ordered by name.
func (s *SQLiteStore) GroupsForUser(ctx context.Context, uid string) ([]string, error) {
	var groups []string
	err := s.db.SelectContext(ctx, &groups,
		"SELECT gid FROM group_user WHERE uid = ? ORDER BY gid", uid)
	if err != nil {
		return nil, fmt.Errorf("querying groups for %s: %w", uid, err)
	}
	return groups, nil
}
