package imapengine

import (
	"context"
	"slices"
	"sort"
	"strings"
)

// authPreference lists SASL mechanisms from strongest to weakest. The last
// entry is used when the server advertises none of them.
var authPreference = []string{"DIGEST-MD5", "CRAM-MD5", "CRAM_MD5", "PLAIN", "LOGIN"}

// setCapabilities replaces the capability cache with the atoms in tokens,
// taken from a CAPABILITY response or response code.
func (c *Client) setCapabilities(tokens []Token, trusted bool) {
	caps := make([]string, 0, len(tokens))
	for _, t := range tokens {
		name := strings.ToUpper(t.Value)
		if t.Kind != TokenAtom || slices.Contains(c.opts.DisabledCaps, name) {
			continue
		}
		caps = append(caps, name)
	}
	if slices.Contains(caps, "LITERAL+") {
		c.literalPlus = true
	}

	c.caps = caps
	if trusted {
		c.capRead = true
	}
}

func (c *Client) clearCapability() {
	c.caps = nil
	c.capRead = false
}

// hasCapability checks the cache. For names like "AUTH" it returns the
// values of every "AUTH=x" entry.
func (c *Client) hasCapability(name string) (bool, []string) {
	name = strings.ToUpper(name)
	if len(c.caps) == 0 {
		return false, nil
	}
	if slices.Contains(c.caps, name) {
		return true, nil
	}
	if strings.Contains(name, "=") {
		return false, nil
	}

	var values []string
	for _, cp := range c.caps {
		if k, v, ok := strings.Cut(cp, "="); ok && k == name {
			values = append(values, v)
		}
	}
	return len(values) > 0, values
}

// getCapability checks the cache and asks the server with CAPABILITY when
// the cache is not known to be complete.
func (c *Client) getCapability(ctx context.Context, name string) (bool, []string) {
	if ok, values := c.hasCapability(name); ok || c.capRead {
		return ok, values
	}

	resp, err := c.Execute(ctx, "CAPABILITY", nil, 0)
	if err == nil {
		for _, line := range resp.Untagged {
			if tokens, ok := untaggedData(line, "CAPABILITY"); ok {
				c.setCapabilities(tokens, false)
			}
		}
	}
	c.capRead = true

	return c.hasCapability(name)
}

// Capability reports whether the server advertises name, along with the
// values of "name=value" entries.
func (c *Client) Capability(ctx context.Context, name string) (bool, []string) {
	return c.getCapability(ctx, name)
}

// authMethod resolves AuthType CHECK to a concrete method.
func (c *Client) authMethod(ctx context.Context) string {
	method := c.opts.AuthType
	if method != "" && method != "CHECK" {
		return method
	}

	_, offered := c.getCapability(ctx, "AUTH")

	candidates := authPreference
	if c.opts.GSSAPI != nil {
		candidates = append([]string{"GSSAPI"}, authPreference...)
	}
	for _, method = range candidates {
		if slices.Contains(offered, method) {
			break
		}
	}

	// The LOGIN command saves a round trip over AUTHENTICATE LOGIN.
	if method == "LOGIN" {
		if disabled, _ := c.getCapability(ctx, "LOGINDISABLED"); !disabled {
			method = "IMAP"
		}
	}
	return method
}

// ID exchanges client and server identification (RFC 2971).
func (c *Client) ID(ctx context.Context, items map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := "NIL"
	if len(keys) > 0 {
		parts := make([]string, 0, 2*len(keys))
		for _, k := range keys {
			v := items[k]
			if len(k) > 30 {
				k = k[:30]
			}
			if len(v) > 1024 {
				v = v[:1024]
			}
			parts = append(parts, Quote(k), Quote(v))
		}
		args = "(" + strings.Join(parts, " ") + ")"
	}

	resp, err := c.Execute(ctx, "ID", []string{args}, 0)
	if err != nil {
		return nil, err
	}

	result := map[string]string{}
	for _, line := range resp.Untagged {
		tokens, ok := untaggedData(line, "ID")
		if !ok || len(tokens) == 0 || tokens[0].Kind != TokenList {
			continue
		}
		list := tokens[0].List
		for i := 0; i+1 < len(list); i += 2 {
			result[list[i].Value] = list[i+1].Value
		}
	}
	return result, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
