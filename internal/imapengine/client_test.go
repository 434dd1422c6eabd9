package imapengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/userexternal/internal/testutil"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func newServer(t *testing.T, opts ...func(*testutil.IMAPServer)) *testutil.IMAPServer {
	t.Helper()
	return testutil.NewIMAPServer(t, append([]func(*testutil.IMAPServer){func(s *testutil.IMAPServer) {
		s.Users["alice"] = "s3cret"
	}}, opts...)...)
}

func withCaps(caps ...string) func(*testutil.IMAPServer) {
	return func(s *testutil.IMAPServer) { s.Capabilities = caps }
}

func TestConnectPlain(t *testing.T) {
	srv := newServer(t)
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.True(t, c.Connected())
	assert.Equal(t, "* OK IMAP4rev1 test server ready", c.Greeting())
	assert.Equal(t, []string{"alice"}, srv.Logins())
	assert.Contains(t, srv.Commands(), "AUTHENTICATE")

	// The tagged OK carried a fresh capability list.
	ok, _ := c.Capability(context.Background(), "IDLE")
	assert.True(t, ok)

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.Contains(t, srv.Commands(), "LOGOUT")
}

func TestConnectPlainSASLIR(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "AUTH=PLAIN", "SASL-IR"))
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Equal(t, []string{"alice"}, srv.Logins())
	c.Close()
}

func TestConnectWrongPassword(t *testing.T) {
	srv := newServer(t)
	c := New(srv.Host(), Options{Port: srv.Port()})

	err := c.Connect(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, c.Connected())
	assert.Equal(t, CodeNo, c.Err().Code)
	assert.Equal(t, "AUTHENTICATIONFAILED", c.Err().ResultCode)
	assert.NotContains(t, srv.Commands(), "LOGOUT")
}

func TestConnectFallsBackToLoginCommand(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1"))
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Contains(t, srv.Commands(), "LOGIN")
	assert.NotContains(t, srv.Commands(), "AUTHENTICATE")
	c.Close()
}

func TestConnectAuthenticateLoginWhenLoginDisabled(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "LOGINDISABLED"))
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Contains(t, srv.Commands(), "AUTHENTICATE")
	assert.NotContains(t, srv.Commands(), "LOGIN")
	c.Close()
}

func TestConnectLoginDisabled(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "LOGINDISABLED"))
	c := New(srv.Host(), Options{Port: srv.Port(), AuthType: "imap"})

	err := c.Connect(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, ErrLoginDisabled)
	assert.NotContains(t, srv.Commands(), "LOGIN")
}

func TestConnectPrefersCramMD5(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "AUTH=PLAIN", "AUTH=CRAM-MD5"))
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Equal(t, []string{"alice"}, srv.Logins())
	c.Close()

	c = New(srv.Host(), Options{Port: srv.Port()})
	assert.ErrorIs(t, c.Connect(context.Background(), "alice", "nope"), ErrRejected)
}

func TestConnectCramUnderscoreAlias(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "AUTH=CRAM-MD5"))
	c := New(srv.Host(), Options{Port: srv.Port(), AuthType: "cram_md5"})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	c.Close()
}

func TestConnectDisabledCaps(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "AUTH=PLAIN", "AUTH=CRAM-MD5"))
	c := New(srv.Host(), Options{Port: srv.Port(), DisabledCaps: []string{"auth=cram-md5"}})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Equal(t, []string{"alice"}, srv.Logins())
	c.Close()
}

func TestConnectUnknownAuthType(t *testing.T) {
	srv := newServer(t)
	c := New(srv.Host(), Options{Port: srv.Port(), AuthType: "XOAUTH9"})

	err := c.Connect(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Empty(t, srv.Logins())
}

func TestConnectInvalidArguments(t *testing.T) {
	tests := []struct {
		name, host, user, pass string
	}{
		{"empty host", "", "alice", "pw"},
		{"empty user", "127.0.0.1", "", "pw"},
		{"empty password", "127.0.0.1", "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.host, Options{Port: 1})
			assert.ErrorIs(t, c.Connect(context.Background(), tt.user, tt.pass), ErrInvalidArgument)
		})
	}
}

func TestConnectBadGreeting(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* BAD not today")
	c := New(srv.Host(), Options{Port: srv.Port()})

	err := c.Connect(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Empty(t, srv.Received(), "no command may follow a bad greeting")
}

func TestConnectEmptyGreeting(t *testing.T) {
	srv := testutil.NewScriptServer(t, "")
	c := New(srv.Host(), Options{Port: srv.Port()})

	assert.ErrorIs(t, c.Connect(context.Background(), "alice", "s3cret"), ErrProtocol)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New("127.0.0.1", Options{Port: port, Timeout: time.Second})
	assert.ErrorIs(t, c.Connect(context.Background(), "alice", "s3cret"), ErrConnection)
}

func TestConnectGreetingCapabilities(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] ready",
		testutil.ScriptStep{
			Expect: `^A0001 AUTHENTICATE PLAIN ` + regexp.QuoteMeta(b64("\x00alice\x00s3cret")) + `$`,
			Reply:  []string{"A0001 OK [CAPABILITY IMAP4rev1 IDLE] done"},
		},
	)
	c := New(srv.Host(), Options{Port: srv.Port()})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Equal(t, "* OK ready", c.Greeting())
	c.Close()
	srv.Received()
}

func TestConnectProxyPlain(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] ready",
		testutil.ScriptStep{
			Expect: `^A0001 AUTHENTICATE PLAIN ` + regexp.QuoteMeta(b64("alice\x00admin\x00master")) + `$`,
			Reply:  []string{"A0001 OK done"},
		},
	)
	c := New(srv.Host(), Options{Port: srv.Port(), AuthCID: "admin", AuthPW: "master"})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	c.Close()
	srv.Received()
}

func TestConnectDigestMD5(t *testing.T) {
	cnonce := func() string { return "OA6MHXh6VqTrRk" }

	// Compute what the engine will send for this host.
	ref := newDigestMD5Client("", "chris", "secret", "imap", "127.0.0.1", cnonce).(*digestMD5Client)
	want, err := ref.Next([]byte(rfc2831Challenge))
	require.NoError(t, err)

	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 AUTH=DIGEST-MD5] ready",
		testutil.ScriptStep{Expect: `^A0001 AUTHENTICATE DIGEST-MD5$`, Reply: []string{"+ " + b64(rfc2831Challenge)}},
		testutil.ScriptStep{Expect: `^` + regexp.QuoteMeta(b64(string(want))) + `$`, Reply: []string{"+ " + b64("rspauth=" + ref.rspauth)}},
		testutil.ScriptStep{Expect: `^$`, Reply: []string{"A0001 OK DIGEST-MD5 authentication successful"}},
	)

	c := New("127.0.0.1", Options{Port: srv.Port()})
	c.cnonce = cnonce

	require.NoError(t, c.Connect(context.Background(), "chris", "secret"))
	c.Close()
	assert.Len(t, srv.Received(), 4)
}

func TestConnectDigestMD5BadServerProof(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 AUTH=DIGEST-MD5] ready",
		testutil.ScriptStep{Expect: `^A0001 AUTHENTICATE DIGEST-MD5$`, Reply: []string{"+ " + b64(rfc2831Challenge)}},
		testutil.ScriptStep{Reply: []string{"+ " + b64("something=else")}},
		testutil.ScriptStep{Expect: `^\*$`, Reply: []string{"A0001 BAD cancelled"}},
	)

	c := New("127.0.0.1", Options{Port: srv.Port()})
	err := c.Connect(context.Background(), "chris", "secret")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, c.Connected())
	srv.Received()
}

func TestConnectGSSAPI(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 AUTH=GSSAPI AUTH=PLAIN] ready",
		testutil.ScriptStep{
			Expect: `^A0001 AUTHENTICATE GSSAPI ` + regexp.QuoteMeta(b64("init-token")) + `$`,
			Reply:  []string{"+ " + b64("\x01\x00\x00\x00")},
		},
		testutil.ScriptStep{
			Expect: `^` + regexp.QuoteMeta(b64("wrapped:\x01\x00\x00\x00")) + `$`,
			Reply:  []string{"A0001 OK GSSAPI authentication successful"},
		},
	)

	c := New(srv.Host(), Options{
		Port:   srv.Port(),
		GSSAPI: func() (SecurityContext, error) { return &fakeSecurityContext{}, nil },
	})

	// A Kerberos login needs no password.
	require.NoError(t, c.Connect(context.Background(), "alice", ""))
	c.Close()
	srv.Received()
}

func TestConnectGSSAPINotConfigured(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "AUTH=GSSAPI"))
	c := New(srv.Host(), Options{Port: srv.Port(), AuthType: "GSSAPI"})

	err := c.Connect(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Equal(t, CodeBye, c.Err().Code)
}

func TestConnectStartTLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)
	srv := newServer(t, withCaps("IMAP4rev1", "STARTTLS", "AUTH=PLAIN"), func(s *testutil.IMAPServer) {
		s.TLS = serverTLS
	})

	c := New(srv.Host(), Options{Port: srv.Port(), SSLMode: "tls", TLSConfig: clientTLS})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Equal(t, []string{"alice"}, srv.Logins())
	assert.Equal(t, "STARTTLS", srv.Commands()[1])
	c.Close()
}

func TestConnectStartTLSNotOffered(t *testing.T) {
	srv := newServer(t)
	c := New(srv.Host(), Options{Port: srv.Port(), SSLMode: "tls"})

	err := c.Connect(context.Background(), "alice", "s3cret")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotContains(t, srv.Commands(), "STARTTLS")
	assert.Empty(t, srv.Logins())
}

func TestConnectImplicitTLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)
	srv := newServer(t, func(s *testutil.IMAPServer) {
		s.TLS = serverTLS
		s.ImplicitTLS = true
	})

	c := New(srv.Host(), Options{Port: srv.Port(), SSLMode: "ssl", TLSConfig: clientTLS})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	c.Close()
}

func TestConnectImplicitTLSUntrusted(t *testing.T) {
	serverTLS, _ := testutil.TLSConfigs(t)
	srv := newServer(t, func(s *testutil.IMAPServer) {
		s.TLS = serverTLS
		s.ImplicitTLS = true
	})

	c := New(srv.Host(), Options{Port: srv.Port(), SSLMode: "ssl"})
	assert.ErrorIs(t, c.Connect(context.Background(), "alice", "s3cret"), ErrConnection)
}

func TestLoginLiteralPassword(t *testing.T) {
	for _, caps := range [][]string{{"IMAP4rev1"}, {"IMAP4rev1", "LITERAL+"}} {
		t.Run(caps[len(caps)-1], func(t *testing.T) {
			srv := testutil.NewIMAPServer(t, withCaps(caps...), func(s *testutil.IMAPServer) {
				s.Users["alice"] = "pässword"
			})
			c := New(srv.Host(), Options{Port: srv.Port()})

			require.NoError(t, c.Connect(context.Background(), "alice", "pässword"))
			assert.Equal(t, []string{"alice"}, srv.Logins())
			c.Close()
		})
	}
}

func TestTraceMasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := newServer(t, withCaps("IMAP4rev1"))
	c := New(srv.Host(), Options{Port: srv.Port(), Logger: logger})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	c.Close()

	out := buf.String()
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "A0003 LOGIN ****** [12]")
}

func TestConnectIdent(t *testing.T) {
	srv := newServer(t, withCaps("IMAP4rev1", "ID", "AUTH=PLAIN"))
	c := New(srv.Host(), Options{Port: srv.Port(), Ident: map[string]string{"name": "userexternal"}})

	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	assert.Contains(t, srv.Commands(), "ID")

	info, err := c.ID(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "testutil", info["name"])
	c.Close()
}

func TestExecuteCancelled(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK ready",
		testutil.ScriptStep{Expect: `CAPABILITY$`},
	)
	c := New(srv.Host(), Options{Port: srv.Port()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx, "alice", "s3cret")
	assert.ErrorIs(t, err, ErrConnection)
	srv.Received()
}

func TestExecuteNotConnected(t *testing.T) {
	c := New("127.0.0.1", Options{})
	_, err := c.Execute(context.Background(), "NOOP", nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestExecuteUntaggedBye(t *testing.T) {
	srv := testutil.NewScriptServer(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN SASL-IR] ready",
		testutil.ScriptStep{Reply: []string{"A0001 OK done"}},
		testutil.ScriptStep{Expect: `^A0002 NOOP$`, Reply: []string{"* BYE server shutting down"}},
	)
	c := New(srv.Host(), Options{Port: srv.Port()})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))

	resp, err := c.Execute(context.Background(), "NOOP", nil, 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, CodeBye, resp.Code)
	assert.False(t, c.Connected())
	srv.Received()
}

func TestSelectAndStore(t *testing.T) {
	srv := newServer(t, func(s *testutil.IMAPServer) {
		s.Untagged["SELECT"] = []string{
			"* 172 EXISTS",
			"* 1 RECENT",
			"* OK [UNSEEN 12] Message 12 is first unseen",
			"* OK [UIDVALIDITY 3857529045] UIDs valid",
			"* OK [UIDNEXT 4392] Predicted next UID",
			`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
			`* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`,
			"* OK [HIGHESTMODSEQ 715194045007] Highest",
		}
		s.Tagged["SELECT"] = "OK [READ-WRITE] SELECT completed"
	})
	c := New(srv.Host(), Options{Port: srv.Port()})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	defer c.Close()

	mb, err := c.Select(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, &Mailbox{
		Name:           "INBOX",
		Exists:         172,
		Recent:         1,
		UIDNext:        4392,
		UIDValidity:    3857529045,
		Unseen:         12,
		HighestModSeq:  "715194045007",
		PermanentFlags: []string{`\Deleted`, `\Seen`, `\*`},
		ReadWrite:      true,
	}, mb)

	// Selecting again is served from state.
	again, err := c.Select(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Same(t, mb, again)

	require.NoError(t, c.StoreFlag(context.Background(), "INBOX", []uint32{3, 1, 2}, "seen", true))
	assert.Contains(t, srv.Commands(), "UID STORE")

	require.NoError(t, c.CloseMailbox(context.Background()))
	assert.Nil(t, c.Selected())
}

func TestStoreReadOnly(t *testing.T) {
	srv := newServer(t, func(s *testutil.IMAPServer) {
		s.Tagged["SELECT"] = "OK [READ-ONLY] EXAMINE completed"
	})
	c := New(srv.Host(), Options{Port: srv.Port()})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	defer c.Close()

	err := c.StoreFlag(context.Background(), "Archive", []uint32{1}, "deleted", true)
	require.Error(t, err)
	assert.Equal(t, CodeReadOnly, c.Err().Code)
	assert.NotContains(t, srv.Commands(), "UID STORE")
}

func TestSelectFailure(t *testing.T) {
	srv := newServer(t, func(s *testutil.IMAPServer) {
		s.Tagged["SELECT"] = "NO [NONEXISTENT] Unknown mailbox"
	})
	c := New(srv.Host(), Options{Port: srv.Port()})
	require.NoError(t, c.Connect(context.Background(), "alice", "s3cret"))
	defer c.Close()

	_, err := c.Select(context.Background(), "Nope")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "NONEXISTENT", c.ResultCode())
	assert.Nil(t, c.Selected())
}
