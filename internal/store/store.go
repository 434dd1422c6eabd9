package store

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when no identity exists for a (uid, backend) pair.
var ErrUserNotFound = errors.New("user not found")

// ErrEmptyGroup is returned when a blank group name is stored.
var ErrEmptyGroup = errors.New("group name must not be empty")

// UserFilter controls searching and pagination for identity listings.
type UserFilter struct {
	Backend string
	Search  string
	Limit   int
	Offset  int
}

// UserStore persists the linkage between externally authenticated uids
// and the backend that authenticated them, plus group memberships.
// Every uid comparison is case-insensitive.
type UserStore interface {
	// UserExists reports whether an identity exists for uid under backend.
	UserExists(ctx context.Context, uid, backend string) (bool, error)

	// EnsureUser creates the identity if absent and returns the uid as stored.
	// Concurrent calls for the same identity never fail with a duplicate error;
	// created is true only for the call that inserted the row. groups are
	// joined atomically with the insert and ignored for existing identities.
	EnsureUser(ctx context.Context, uid, backend string, groups ...string) (stored string, created bool, err error)

	SetDisplayName(ctx context.Context, uid, backend, name string) (bool, error)

	// GetDisplayName returns the display name, or the uid itself when unset.
	GetDisplayName(ctx context.Context, uid, backend string) (string, error)

	ListUsers(ctx context.Context, opts UserFilter) ([]string, error)
	DisplayNames(ctx context.Context, opts UserFilter) (map[string]string, error)
	CountUsers(ctx context.Context, backend string) (int, error)
	DeleteUser(ctx context.Context, uid, backend string) error

	// AddToGroup adds uid to group, creating the group if needed.
	AddToGroup(ctx context.Context, uid, group string) error
	GroupsForUser(ctx context.Context, uid string) ([]string, error)

	Close() error
}
