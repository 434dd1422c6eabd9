package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/userexternal/internal/store"
	"github.com/nhle/userexternal/internal/testutil"
)

func TestEnsureUserCreatesOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	uid, created, err := s.EnsureUser(ctx, "alice", "mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
	assert.True(t, created)

	uid, created, err = s.EnsureUser(ctx, "alice", "mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
	assert.False(t, created)

	n, err := s.CountUsers(ctx, "mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnsureUserIsCaseInsensitive(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, _, err := s.EnsureUser(ctx, "Alice", "dav")
	require.NoError(t, err)

	uid, created, err := s.EnsureUser(ctx, "ALICE", "dav")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Alice", uid, "first stored spelling wins")

	exists, err := s.UserExists(ctx, "alice", "dav")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureUserScopedByBackend(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, _, err := s.EnsureUser(ctx, "bob", "a")
	require.NoError(t, err)
	_, created, err := s.EnsureUser(ctx, "bob", "b")
	require.NoError(t, err)
	assert.True(t, created)

	exists, err := s.UserExists(ctx, "bob", "c")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnsureUserConcurrent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.EnsureUser(ctx, "carol", "imap")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)

	n, err := s.CountUsers(ctx, "imap")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnsureUserRejectsEmpty(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, _, err := s.EnsureUser(context.Background(), "  ", "imap")
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ok, err := s.SetDisplayName(ctx, "dave", "rest", "Dave")
	require.NoError(t, err)
	assert.False(t, ok, "no row to update")

	_, _, err = s.EnsureUser(ctx, "dave", "rest")
	require.NoError(t, err)

	name, err := s.GetDisplayName(ctx, "dave", "rest")
	require.NoError(t, err)
	assert.Equal(t, "dave", name, "falls back to uid")

	ok, err = s.SetDisplayName(ctx, "DAVE", "rest", "Dave Smith")
	require.NoError(t, err)
	assert.True(t, ok)

	name, err = s.GetDisplayName(ctx, "dave", "rest")
	require.NoError(t, err)
	assert.Equal(t, "Dave Smith", name)

	_, err = s.GetDisplayName(ctx, "nobody", "rest")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestListAndSearchUsers(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for i, uid := range []string{"anna", "andy", "bert", "an_x"} {
		_, _, err := s.EnsureUser(ctx, uid, "smb")
		require.NoError(t, err)
		_, err = s.SetDisplayName(ctx, uid, "smb", fmt.Sprintf("User %d", i))
		require.NoError(t, err)
	}

	all, err := s.ListUsers(ctx, store.UserFilter{Backend: "smb"})
	require.NoError(t, err)
	assert.Equal(t, []string{"an_x", "andy", "anna", "bert"}, all)

	prefixed, err := s.ListUsers(ctx, store.UserFilter{Backend: "smb", Search: "an"})
	require.NoError(t, err)
	assert.Equal(t, []string{"an_x", "andy", "anna"}, prefixed)

	literal, err := s.ListUsers(ctx, store.UserFilter{Backend: "smb", Search: "an_"})
	require.NoError(t, err)
	assert.Equal(t, []string{"an_x"}, literal, "underscore is not a wildcard")

	page, err := s.ListUsers(ctx, store.UserFilter{Backend: "smb", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"andy", "anna"}, page)

	skipped, err := s.ListUsers(ctx, store.UserFilter{Backend: "smb", Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"bert"}, skipped)

	names, err := s.DisplayNames(ctx, store.UserFilter{Backend: "smb", Search: "User 2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bert": "User 2"}, names)
}

func TestDeleteUser(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, _, err := s.EnsureUser(ctx, "erin", "ssh")
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, "ERIN", "ssh"))
	assert.ErrorIs(t, s.DeleteUser(ctx, "erin", "ssh"), store.ErrUserNotFound)

	n, err := s.CountUsers(ctx, "ssh")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGroups(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddToGroup(ctx, "frank", "g2"))
	require.NoError(t, s.AddToGroup(ctx, "frank", "g1"))
	require.NoError(t, s.AddToGroup(ctx, "FRANK", "G1"))

	groups, err := s.GroupsForUser(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groups)

	assert.Error(t, s.AddToGroup(ctx, "frank", ""))
}

func TestEnsureUserJoinsGroupsAtomically(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, _, err := s.EnsureUser(ctx, "eve", "rest", "g1", "")
	require.ErrorIs(t, err, store.ErrEmptyGroup)

	exists, err := s.UserExists(ctx, "eve", "rest")
	require.NoError(t, err)
	assert.False(t, exists, "identity must roll back with its groups")
	groups, err := s.GroupsForUser(ctx, "eve")
	require.NoError(t, err)
	assert.Empty(t, groups)

	uid, created, err := s.EnsureUser(ctx, "eve", "rest", "g1", "g2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "eve", uid)

	_, created, err = s.EnsureUser(ctx, "EVE", "rest", "g3")
	require.NoError(t, err)
	assert.False(t, created)

	groups, err = s.GroupsForUser(ctx, "eve")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groups)
}
