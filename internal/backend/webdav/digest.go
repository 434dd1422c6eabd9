package webdav

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// challenge holds the parameters of a Digest WWW-Authenticate header.
type challenge struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       []string
}

// parseChallenge parses the part of a Digest challenge after the scheme.
// Quoted values may contain commas.
func parseChallenge(s string) (challenge, error) {
	params := map[string]string{}
	for s = strings.TrimSpace(s); s != ""; {
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			return challenge{}, fmt.Errorf("malformed digest parameter %q", s)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		rest = strings.TrimLeft(rest, " ")

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := closingQuote(rest)
			if end < 0 {
				return challenge{}, fmt.Errorf("unterminated quoted value for %s", key)
			}
			value = strings.ReplaceAll(rest[1:end], `\"`, `"`)
			rest = rest[end+1:]
		} else {
			value, rest, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
			rest = "," + rest
		}
		params[key] = value

		rest = strings.TrimSpace(rest)
		rest = strings.TrimPrefix(rest, ",")
		s = strings.TrimSpace(rest)
	}

	ch := challenge{
		realm:     params["realm"],
		nonce:     params["nonce"],
		opaque:    params["opaque"],
		algorithm: params["algorithm"],
	}
	if ch.nonce == "" {
		return challenge{}, errors.New("digest challenge without nonce")
	}
	for _, q := range strings.Split(params["qop"], ",") {
		if q = strings.TrimSpace(q); q != "" {
			ch.qop = append(ch.qop, q)
		}
	}
	return ch, nil
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// authorize computes the Authorization header value (RFC 2617). qop=auth
// is used when the server offers it, otherwise the RFC 2069 form.
func (c challenge) authorize(method, uri, user, password, cnonce string) (string, error) {
	if c.algorithm != "" && !strings.EqualFold(c.algorithm, "MD5") {
		return "", fmt.Errorf("unsupported digest algorithm %q", c.algorithm)
	}

	ha1 := md5Hex(user + ":" + c.realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	qopAuth := false
	for _, q := range c.qop {
		if strings.EqualFold(q, "auth") {
			qopAuth = true
		}
	}
	if len(c.qop) > 0 && !qopAuth {
		return "", fmt.Errorf("unsupported digest qop %q", strings.Join(c.qop, ","))
	}

	const nc = "00000001"
	var response string
	if qopAuth {
		response = md5Hex(ha1 + ":" + c.nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
	} else {
		response = md5Hex(ha1 + ":" + c.nonce + ":" + ha2)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`,
		quoteEscape(user), quoteEscape(c.realm), c.nonce, uri)
	if qopAuth {
		fmt.Fprintf(&sb, `, cnonce="%s", nc=%s, qop=auth`, cnonce, nc)
	}
	fmt.Fprintf(&sb, `, response="%s"`, response)
	if c.algorithm != "" {
		fmt.Fprintf(&sb, `, algorithm=%s`, c.algorithm)
	}
	if c.opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, c.opaque)
	}
	return sb.String(), nil
}

func quoteEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
