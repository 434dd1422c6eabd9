package imapengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCramMD5RFC2195(t *testing.T) {
	c := newCramMD5Client("tim", "tanstaaftanstaaf")

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "CRAM-MD5", mech)
	assert.Nil(t, ir)

	resp, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	require.NoError(t, err)
	assert.Equal(t, "tim b913a602c7eda7a495b4e6e7334d3890", string(resp))

	_, err = c.Next(nil)
	assert.Error(t, err)
}

const rfc2831Challenge = `realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`

func TestDigestMD5RFC2831(t *testing.T) {
	c := newDigestMD5Client("", "chris", "secret", "imap", "elwood.innosoft.com", func() string {
		return "OA6MHXh6VqTrRk"
	})

	mech, _, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "DIGEST-MD5", mech)

	resp, err := c.Next([]byte(rfc2831Challenge))
	require.NoError(t, err)
	assert.Equal(t,
		`charset=utf-8,username="chris",realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",nc=00000001,`+
			`cnonce="OA6MHXh6VqTrRk",digest-uri="imap/elwood.innosoft.com",response=d388dad90d4bbd760a152321f2143af7,qop=auth`,
		string(resp))

	final, err := c.Next([]byte("rspauth=ea40f60335c427b5527b84dbabcdfffd"))
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestDigestMD5Failures(t *testing.T) {
	newClient := func() *digestMD5Client {
		return newDigestMD5Client("", "chris", "secret", "imap", "elwood.innosoft.com", func() string {
			return "OA6MHXh6VqTrRk"
		}).(*digestMD5Client)
	}

	t.Run("wrong rspauth", func(t *testing.T) {
		c := newClient()
		_, err := c.Next([]byte(rfc2831Challenge))
		require.NoError(t, err)
		_, err = c.Next([]byte("rspauth=00000000000000000000000000000000"))
		assert.Error(t, err)
	})

	t.Run("missing rspauth", func(t *testing.T) {
		c := newClient()
		_, err := c.Next([]byte(rfc2831Challenge))
		require.NoError(t, err)
		_, err = c.Next([]byte(`nonce="x"`))
		assert.ErrorContains(t, err, "unexpected response")
	})

	t.Run("no auth qop", func(t *testing.T) {
		_, err := newClient().Next([]byte(`nonce="x",qop="auth-conf",algorithm=md5-sess`))
		assert.Error(t, err)
	})

	t.Run("no nonce", func(t *testing.T) {
		_, err := newClient().Next([]byte(`realm="r",algorithm=md5-sess`))
		assert.Error(t, err)
	})
}

func TestDigestMD5Authzid(t *testing.T) {
	c := newDigestMD5Client("alice", "proxy", "secret", "imap", "mail.example.com", func() string { return "n" })
	resp, err := c.Next([]byte(`nonce="abc",qop="auth,auth-int",algorithm=md5-sess`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `username="proxy"`)
	assert.Contains(t, string(resp), `authzid="alice"`)
	assert.NotContains(t, string(resp), "realm=")
}

func TestParseDigestChallenge(t *testing.T) {
	params, err := parseDigestChallenge([]byte(`realm="a",realm="b",qop="auth",qop="auth-int", nonce="q\"x",stale=true`))
	require.NoError(t, err)
	assert.Equal(t, "a", params["realm"])
	assert.Equal(t, "auth,auth-int", params["qop"])
	assert.Equal(t, `q"x`, params["nonce"])
	assert.Equal(t, "true", params["stale"])

	_, err = parseDigestChallenge([]byte(`nonce="abc`))
	assert.Error(t, err)
}

func TestLoginClient(t *testing.T) {
	c := newLoginClient("alice", "s3cret")
	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", mech)
	assert.Nil(t, ir)

	user, err := c.Next([]byte("Username:"))
	require.NoError(t, err)
	assert.Equal(t, "alice", string(user))

	pass, err := c.Next([]byte("Password:"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(pass))

	_, err = c.Next(nil)
	assert.Error(t, err)
}

func TestLoginClientIgnoresPromptText(t *testing.T) {
	c := newLoginClient("alice", "s3cret")
	_, ir, err := c.Start()
	require.NoError(t, err)
	assert.Nil(t, ir, "username waits for the first prompt")

	user, err := c.Next([]byte("User Name\x00"))
	require.NoError(t, err)
	assert.Equal(t, "alice", string(user))

	pass, err := c.Next(nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(pass))
}

// fakeSecurityContext wraps by prefixing and unwraps as identity.
type fakeSecurityContext struct {
	initErr error
}

func (f *fakeSecurityContext) InitSecContext() ([]byte, error) {
	return []byte("init-token"), f.initErr
}

func (f *fakeSecurityContext) Unwrap(token []byte) ([]byte, error) {
	return token, nil
}

func (f *fakeSecurityContext) Wrap(payload []byte) ([]byte, error) {
	return append([]byte("wrapped:"), payload...), nil
}

func TestGSSAPIClient(t *testing.T) {
	tests := []struct {
		name    string
		layers  []byte
		wantErr bool
	}{
		{"no security layer", []byte{0x01, 0, 0x10, 0}, false},
		{"broken server zero", []byte{0x00, 0, 0, 0}, false},
		{"layer required", []byte{0x04, 0, 0, 0}, true},
		{"short token", []byte{0x01}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newGSSAPIClient(&fakeSecurityContext{})
			mech, ir, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, "GSSAPI", mech)
			assert.Equal(t, "init-token", string(ir))

			out, err := c.Next(tt.layers)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "wrapped:\x01\x00\x00\x00", string(out))
		})
	}
}

func TestGSSAPIClientInitError(t *testing.T) {
	c := newGSSAPIClient(&fakeSecurityContext{initErr: errors.New("no ticket")})
	_, _, err := c.Start()
	assert.ErrorContains(t, err, "no ticket")
}
