package imapengine

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-sasl"
)

const (
	mechLogin   = "LOGIN"
	mechCramMD5 = "CRAM-MD5"
	mechDigest  = "DIGEST-MD5"
	mechGSSAPI  = "GSSAPI"
)

var errUnexpectedChallenge = errors.New("unexpected server challenge")

// loginClient implements the obsolete LOGIN mechanism: username and
// password are sent in reply to two server prompts. The prompt text is
// ignored and nothing is sent before the first prompt; go-sasl's LOGIN
// client sends the username up front and requires the prompt "Password:".
type loginClient struct {
	username, password string
	step               int
}

func newLoginClient(username, password string) sasl.Client {
	return &loginClient{username: username, password: password}
}

func (c *loginClient) Start() (string, []byte, error) {
	return mechLogin, nil, nil
}

func (c *loginClient) Next(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return []byte(c.username), nil
	case 2:
		return []byte(c.password), nil
	default:
		return nil, errUnexpectedChallenge
	}
}

// cramMD5Client implements RFC 2195.
type cramMD5Client struct {
	username, password string
	done               bool
}

func newCramMD5Client(username, password string) sasl.Client {
	return &cramMD5Client{username: username, password: password}
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	return mechCramMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, errUnexpectedChallenge
	}
	c.done = true

	mac := hmac.New(md5.New, []byte(c.password))
	mac.Write(challenge)
	return []byte(c.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}

// digestMD5Client implements the client side of RFC 2831 without
// integrity or confidentiality layers.
type digestMD5Client struct {
	authzid, username, password string
	service, host               string
	cnonce                      func() string

	step    int
	rspauth string
}

func newDigestMD5Client(authzid, username, password, service, host string, cnonce func() string) sasl.Client {
	return &digestMD5Client{
		authzid:  authzid,
		username: username,
		password: password,
		service:  service,
		host:     host,
		cnonce:   cnonce,
	}
}

func (c *digestMD5Client) Start() (string, []byte, error) {
	return mechDigest, nil, nil
}

func (c *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return c.respond(challenge)
	case 2:
		params, err := parseDigestChallenge(challenge)
		if err != nil {
			return nil, err
		}
		got, ok := params["rspauth"]
		if !ok {
			return nil, errors.New("unexpected response from server to DIGEST-MD5 response")
		}
		if !hmac.Equal([]byte(got), []byte(c.rspauth)) {
			return nil, errors.New("DIGEST-MD5 server response mismatch")
		}
		return []byte{}, nil
	default:
		return nil, errUnexpectedChallenge
	}
}

func (c *digestMD5Client) respond(challenge []byte) ([]byte, error) {
	params, err := parseDigestChallenge(challenge)
	if err != nil {
		return nil, err
	}

	nonce := params["nonce"]
	if nonce == "" {
		return nil, errors.New("DIGEST-MD5 challenge without nonce")
	}
	if qop, ok := params["qop"]; ok && !slices.Contains(strings.Split(qop, ","), "auth") {
		return nil, fmt.Errorf("DIGEST-MD5 qop %q does not offer auth", qop)
	}
	if algo := params["algorithm"]; !strings.EqualFold(algo, "md5-sess") {
		return nil, fmt.Errorf("DIGEST-MD5 algorithm %q not supported", algo)
	}

	realm := params["realm"]
	cnonce := c.cnonce()
	const nc = "00000001"
	digestURI := c.service + "/" + c.host

	h := func(s string) []byte {
		sum := md5.Sum([]byte(s))
		return sum[:]
	}
	hexH := func(s string) string {
		return hex.EncodeToString(h(s))
	}

	a1 := string(h(c.username+":"+realm+":"+c.password)) + ":" + nonce + ":" + cnonce
	if c.authzid != "" {
		a1 += ":" + c.authzid
	}
	ha1 := hexH(a1)

	kd := func(a2 string) string {
		return hexH(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + hexH(a2))
	}
	response := kd("AUTHENTICATE:" + digestURI)
	c.rspauth = kd(":" + digestURI)

	var b strings.Builder
	if params["charset"] != "" {
		b.WriteString("charset=utf-8,")
	}
	fmt.Fprintf(&b, "username=%s", quoteDigest(c.username))
	if realm != "" {
		fmt.Fprintf(&b, ",realm=%s", quoteDigest(realm))
	}
	fmt.Fprintf(&b, ",nonce=%s,nc=%s,cnonce=%s", quoteDigest(nonce), nc, quoteDigest(cnonce))
	fmt.Fprintf(&b, ",digest-uri=%s,response=%s,qop=auth", quoteDigest(digestURI), response)
	if c.authzid != "" {
		fmt.Fprintf(&b, ",authzid=%s", quoteDigest(c.authzid))
	}
	return []byte(b.String()), nil
}

func quoteDigest(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// parseDigestChallenge splits key=value pairs separated by commas. Values
// may be quoted. Repeated keys keep their first value, except qop values
// which are joined with commas.
func parseDigestChallenge(b []byte) (map[string]string, error) {
	params := map[string]string{}
	s := string(b)

	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed DIGEST-MD5 challenge near %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, errors.New("unterminated quoted value in DIGEST-MD5 challenge")
			}
			value = b.String()
			s = s[i+1:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		if prev, ok := params[key]; ok {
			if key == "qop" {
				params[key] = prev + "," + value
			}
			continue
		}
		params[key] = value
	}
}

// randomNonce returns 16 random bytes, base64 encoded.
func randomNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawStdEncoding.EncodeToString(b)
}
