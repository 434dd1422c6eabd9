package imap_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/backend/imap"
	"github.com/nhle/userexternal/internal/model"
	"github.com/nhle/userexternal/internal/store"
	"github.com/nhle/userexternal/internal/testutil"
)

// constructors lets every test run against both variants.
var constructors = map[string]func(model.IMAPConfig, backend.Deps, ...imap.Option) (backend.Backend, error){
	"simple": func(cfg model.IMAPConfig, deps backend.Deps, opts ...imap.Option) (backend.Backend, error) {
		return imap.NewSimple("", cfg, deps, opts...)
	},
	"engine": func(cfg model.IMAPConfig, deps backend.Deps, opts ...imap.Option) (backend.Backend, error) {
		return imap.NewEngine("", cfg, deps, opts...)
	},
}

func newIMAPServer(t *testing.T, users map[string]string, opts ...func(*testutil.IMAPServer)) *testutil.IMAPServer {
	return testutil.NewIMAPServer(t, append(opts, func(s *testutil.IMAPServer) {
		for u, p := range users {
			s.Users[u] = p
		}
	})...)
}

func forEach(t *testing.T, fn func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore))) {
	for name, ctor := range constructors {
		t.Run(name, func(t *testing.T) {
			fn(t, func(cfg model.IMAPConfig, opts ...imap.Option) (backend.Backend, *store.SQLiteStore) {
				st := testutil.NewTestStore(t)
				b, err := ctor(cfg, backend.Deps{Store: st}, opts...)
				require.NoError(t, err)
				return b, st
			})
		})
	}
}

func TestCheckPasswordSuccess(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice": "s3cret"})
		b, st := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port()})

		uid, err := b.CheckPassword(context.Background(), "Alice", "s3cret")
		require.Error(t, err, "the server knows alice in lower case only")
		assert.Empty(t, uid)

		uid, err = b.CheckPassword(context.Background(), "alice", "s3cret")
		require.NoError(t, err)
		assert.Equal(t, "alice", uid)
		assert.Equal(t, srv.Host(), b.ID())

		exists, err := st.UserExists(context.Background(), "alice", b.ID())
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestCheckPasswordWrongPassword(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice": "s3cret"})
		b, st := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port()})

		uid, err := b.CheckPassword(context.Background(), "alice", "wrong")
		require.Error(t, err)
		assert.Empty(t, uid)
		assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
		assert.True(t, backend.IsRejected(err), "got %v", err)

		n, err := st.CountUsers(context.Background(), b.ID())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestCheckPasswordEmptyUID(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, nil)
		b, _ := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port()})

		_, err := b.CheckPassword(context.Background(), "", "pw")
		assert.ErrorIs(t, err, backend.ErrEmptyUID)
		assert.Empty(t, srv.Commands(), "no connection for an empty uid")
	})
}

func TestCheckPasswordDomain(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice@example.com": "pw", "bob@example.com": "pw"})
		b, st := open(model.IMAPConfig{
			Host: srv.Host(),
			Port: srv.Port(),
			DomainConfig: model.DomainConfig{
				Domain:      "example.com",
				StripDomain: true,
				GroupDomain: true,
			},
		})
		ctx := context.Background()

		uid, err := b.CheckPassword(ctx, "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "alice", uid)

		uid, err = b.CheckPassword(ctx, "bob%40example.com", "pw")
		require.NoError(t, err)
		assert.Equal(t, "bob", uid)

		groups, err := st.GroupsForUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com"}, groups)

		_, err = b.CheckPassword(ctx, "carol@other.org", "pw")
		assert.True(t, backend.IsConfiguration(err))
		assert.ErrorIs(t, err, backend.ErrDomainMismatch)
		assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, srv.Logins())
	})
}

func TestCheckPasswordUserPattern(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"admin": "pw"})
		b, _ := open(model.IMAPConfig{
			Host:         srv.Host(),
			Port:         srv.Port(),
			DomainConfig: model.DomainConfig{UserRegexp: `^[a-z]+\.[a-z]+$`},
		})

		_, err := b.CheckPassword(context.Background(), "admin", "pw")
		assert.ErrorIs(t, err, backend.ErrUserPattern)
		assert.Empty(t, srv.Logins())
	})
}

func TestCheckPasswordConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		b, _ := open(model.IMAPConfig{Host: "127.0.0.1", Port: port})
		_, err := b.CheckPassword(context.Background(), "alice", "pw")
		assert.True(t, backend.IsConnectivity(err), "got %v", err)
	})
}

func TestCheckPasswordStartTLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)

	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice": "pw"}, func(s *testutil.IMAPServer) {
			s.Capabilities = []string{"IMAP4rev1", "STARTTLS", "AUTH=PLAIN"}
			s.TLS = serverTLS
		})
		b, _ := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port(), SSLMode: "tls"}, imap.WithTLSConfig(clientTLS))

		uid, err := b.CheckPassword(context.Background(), "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "alice", uid)
		assert.Contains(t, srv.Commands(), "STARTTLS")
	})
}

func TestCheckPasswordImplicitTLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)

	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice": "pw"}, func(s *testutil.IMAPServer) {
			s.TLS = serverTLS
			s.ImplicitTLS = true
		})
		b, _ := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port(), SSLMode: "ssl"}, imap.WithTLSConfig(clientTLS))

		uid, err := b.CheckPassword(context.Background(), "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "alice", uid)
	})
}

func TestCheckPasswordConcurrent(t *testing.T) {
	forEach(t, func(t *testing.T, open func(model.IMAPConfig, ...imap.Option) (backend.Backend, *store.SQLiteStore)) {
		srv := newIMAPServer(t, map[string]string{"alice": "pw"})
		b, st := open(model.IMAPConfig{Host: srv.Host(), Port: srv.Port()})

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.CheckPassword(context.Background(), "alice", "pw")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		n, err := st.CountUsers(context.Background(), b.ID())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSimpleAuthPlainOption(t *testing.T) {
	srv := newIMAPServer(t, map[string]string{"alice": "pw"})
	b, err := imap.NewSimple("mail", model.IMAPConfig{
		Host:         srv.Host(),
		Port:         srv.Port(),
		LoginOptions: "AUTH=PLAIN",
	}, backend.Deps{Store: testutil.NewTestStore(t)})
	require.NoError(t, err)
	assert.Equal(t, "mail", b.ID())

	_, err = b.CheckPassword(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Contains(t, srv.Commands(), "AUTHENTICATE")
	assert.NotContains(t, srv.Commands(), "LOGIN")
}

func TestEngineBadGreeting(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* BYE too busy")
	b, err := imap.NewEngine("", model.IMAPConfig{Host: srv.Host(), Port: srv.Port()},
		backend.Deps{Store: testutil.NewTestStore(t)})
	require.NoError(t, err)

	_, err = b.CheckPassword(context.Background(), "alice", "pw")
	assert.True(t, backend.IsProtocol(err), "got %v", err)
	assert.Empty(t, srv.Received())
}

func TestEngineCramMD5(t *testing.T) {
	srv := newIMAPServer(t, map[string]string{"alice": "pw"}, func(s *testutil.IMAPServer) {
		s.Capabilities = []string{"IMAP4rev1", "AUTH=CRAM-MD5", "AUTH=PLAIN"}
	})
	b, err := imap.NewEngine("", model.IMAPConfig{Host: srv.Host(), Port: srv.Port()},
		backend.Deps{Store: testutil.NewTestStore(t)})
	require.NoError(t, err)

	uid, err := b.CheckPassword(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestEngineSendsIdent(t *testing.T) {
	srv := newIMAPServer(t, map[string]string{"alice": "pw"}, func(s *testutil.IMAPServer) {
		s.Capabilities = []string{"IMAP4rev1", "ID", "AUTH=PLAIN"}
	})
	b, err := imap.NewEngine("", model.IMAPConfig{
		Host:  srv.Host(),
		Port:  srv.Port(),
		Ident: map[string]string{"name": "userexternal"},
	}, backend.Deps{Store: testutil.NewTestStore(t)})
	require.NoError(t, err)

	_, err = b.CheckPassword(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Contains(t, srv.Commands(), "ID")
}

func TestEngineUnknownMechanism(t *testing.T) {
	srv := newIMAPServer(t, map[string]string{"alice": "pw"})
	b, err := imap.NewEngine("", model.IMAPConfig{Host: srv.Host(), Port: srv.Port(), AuthType: "NTLM"},
		backend.Deps{Store: testutil.NewTestStore(t)})
	require.NoError(t, err)

	_, err = b.CheckPassword(context.Background(), "alice", "pw")
	assert.True(t, backend.IsConfiguration(err), "got %v", err)
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := imap.NewSimple("", model.IMAPConfig{}, backend.Deps{})
	assert.Error(t, err)

	_, err = imap.NewEngine("", model.IMAPConfig{Host: "mail", DomainConfig: model.DomainConfig{UserRegexp: "("}}, backend.Deps{})
	assert.ErrorIs(t, err, backend.ErrConfigInvalid)
}

func TestRegistered(t *testing.T) {
	kinds := backend.Registered()
	assert.Contains(t, kinds, backend.KindIMAP)
	assert.Contains(t, kinds, backend.KindIMAPEngine)

	b, err := backend.Open(model.BackendConfig{
		Type: model.TypeIMAPEngine,
		IMAP: &model.IMAPConfig{Host: "mail.example.com"},
	}, backend.Deps{})
	require.NoError(t, err)
	assert.Equal(t, backend.KindIMAPEngine, b.Kind())
	assert.Equal(t, "mail.example.com", b.ID())
}
