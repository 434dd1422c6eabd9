package mysql_test

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"

	drv "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/backend/mysql"
	"github.com/nhle/userexternal/internal/model"
	"github.com/nhle/userexternal/internal/store"
	"github.com/nhle/userexternal/internal/testutil"
)

// accountsDB stands in for the MySQL server. The query only uses syntax
// both engines accept.
func accountsDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	db.MustExec("CREATE TABLE accounts (login TEXT, secret TEXT)")
	db.MustExec("INSERT INTO accounts VALUES ('alice', 's3cret'), ('bob', 'hunter2')")
	return db
}

func config() model.MySQLConfig {
	return model.MySQLConfig{
		DatabaseConfig: model.DatabaseConfig{Host: "db.example.com", User: "auth", Database: "mail"},
		Table:          "accounts",
		UserColumn:     "login",
		PasswordColumn: "secret",
	}
}

func open(t *testing.T, cfg model.MySQLConfig) (*mysql.Backend, *store.SQLiteStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	b, err := mysql.New("", cfg, backend.Deps{Store: st}, mysql.WithDB(accountsDB(t)))
	require.NoError(t, err)
	return b, st
}

func TestCheckPassword(t *testing.T) {
	b, st := open(t, config())
	ctx := context.Background()
	assert.Equal(t, "mysql://db.example.com", b.ID())

	_, err := b.CheckPassword(ctx, "alice", "hunter2")
	assert.True(t, backend.IsRejected(err), "got %v", err)
	n, err := st.CountUsers(ctx, b.ID())
	require.NoError(t, err)
	assert.Zero(t, n)

	uid, err := b.CheckPassword(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	uid, err = b.CheckPassword(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
	n, err = st.CountUsers(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInjectionIsJustData(t *testing.T) {
	b, _ := open(t, config())

	_, err := b.CheckPassword(context.Background(), "alice' --", "x' OR '1'='1")
	assert.True(t, backend.IsRejected(err), "got %v", err)
}

func TestMissingTable(t *testing.T) {
	cfg := config()
	cfg.Table = "nope"
	b, _ := open(t, cfg)

	_, err := b.CheckPassword(context.Background(), "alice", "s3cret")
	require.Error(t, err)
	assert.False(t, backend.IsRejected(err))
	assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
}

func TestInvalidIdentifiers(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*model.MySQLConfig)
	}{
		{"table", func(c *model.MySQLConfig) { c.Table = "accounts; DROP TABLE x" }},
		{"user column", func(c *model.MySQLConfig) { c.UserColumn = "login`" }},
		{"password column", func(c *model.MySQLConfig) { c.PasswordColumn = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config()
			tc.edit(&cfg)
			_, err := mysql.New("", cfg, backend.Deps{}, mysql.WithDB(accountsDB(t)))
			assert.Error(t, err)
		})
	}

	cfg := config()
	cfg.Table = "mail.accounts"
	_, err := mysql.New("", cfg, backend.Deps{}, mysql.WithDB(accountsDB(t)))
	assert.NoError(t, err, "schema qualified tables are allowed")
}

func TestOpenIsLazy(t *testing.T) {
	db, err := mysql.Open(model.DatabaseConfig{Host: "db.invalid", User: "u", Database: "d"})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "mysql", db.DriverName())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want backend.Class
	}{
		{&drv.MySQLError{Number: 1045, Message: "Access denied"}, backend.ClassConfiguration},
		{fmt.Errorf("query: %w", &drv.MySQLError{Number: 1146}), backend.ClassConfiguration},
		{&drv.MySQLError{Number: 1205}, backend.ClassProtocol},
		{driver.ErrBadConn, backend.ClassConnectivity},
		{context.DeadlineExceeded, backend.ClassConnectivity},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mysql.Classify(tt.err), "%v", tt.err)
	}
}
