package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := NewResolverWithKeyring(keyring.NewArrayKeyring([]keyring.Item{
		{Key: "mysql", Data: []byte("s3cret")},
	}))

	got, err := r.Resolve("literal-password")
	require.NoError(t, err)
	assert.Equal(t, "literal-password", got)

	got, err = r.Resolve("keyring:mysql")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = r.Resolve("keyring:missing")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	_, err = r.Resolve("keyring:")
	assert.Error(t, err)
}

func TestSetThenResolve(t *testing.T) {
	r := NewResolverWithKeyring(keyring.NewArrayKeyring(nil))

	require.NoError(t, r.Set("ldap", "hunter2"))
	got, err := r.Resolve(RefPrefix + "ldap")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, r.Set("ldap", "rotated"))
	got, err = r.Resolve(RefPrefix + "ldap")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got)

	assert.Error(t, r.Set("", "x"))
}
