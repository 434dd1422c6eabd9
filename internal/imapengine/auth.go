package imapengine

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"
)

// login uses the LOGIN command.
func (c *Client) login(ctx context.Context, user, password string) error {
	// Refuse to send credentials in the clear when the server forbids it.
	if disabled, _ := c.getCapability(ctx, "LOGINDISABLED"); disabled {
		return c.setError(CodeBad, "login disabled by IMAP server", ErrLoginDisabled)
	}

	resp, err := c.Execute(ctx, "LOGIN", []string{Escape(user), Escape(password)}, ExecCapability|ExecAnonymized)
	if resp != nil {
		for _, line := range resp.Untagged {
			if tokens, ok := untaggedData(line, "CAPABILITY"); ok {
				c.setCapabilities(tokens, true)
			}
		}
	}
	return err
}

func (c *Client) saslClient(method, user, password string) (sasl.Client, error) {
	authz, authc, pw := "", user, password
	if c.opts.AuthCID != "" {
		authz, authc, pw = user, c.opts.AuthCID, c.opts.AuthPW
	}

	switch method {
	case "PLAIN":
		return sasl.NewPlainClient(authz, authc, pw), nil
	case mechLogin:
		return newLoginClient(user, password), nil
	case mechCramMD5:
		return newCramMD5Client(user, password), nil
	case mechDigest:
		return newDigestMD5Client(authz, authc, pw, "imap", c.host, c.cnonce), nil
	case mechGSSAPI:
		if c.opts.GSSAPI == nil {
			return nil, c.setError(CodeBye, "GSSAPI authentication is not configured", ErrMechanism)
		}
		sc, err := c.opts.GSSAPI()
		if err != nil {
			return nil, c.setError(CodeBye, "GSSAPI authentication failed: "+err.Error(), ErrMechanism)
		}
		return newGSSAPIClient(sc), nil
	default:
		return nil, c.setError(CodeBad, "unsupported mechanism "+method, ErrMechanism)
	}
}

// authenticate runs AUTHENTICATE with the given mechanism.
func (c *Client) authenticate(ctx context.Context, user, password, method string) error {
	sc, err := c.saslClient(method, user, password)
	if err != nil {
		return err
	}

	mech, ir, err := sc.Start()
	if err != nil {
		return c.setError(CodeBye, method+" authentication failed: "+err.Error(), ErrMechanism)
	}

	// GSSAPI always sends its token inline. PLAIN does so with SASL-IR
	// (RFC 4959) to save a round trip.
	inline := ir != nil && mech == mechGSSAPI
	if ir != nil && mech == "PLAIN" {
		inline, _ = c.getCapability(ctx, "SASL-IR")
	}

	stop := c.watch(ctx)
	defer stop()

	tag := c.nextTag()
	cmd := tag + " AUTHENTICATE " + mech
	if inline {
		cmd += " " + encodeSASL(ir)
		ir = nil
	}
	if err := c.send(cmd+"\r\n", inline); err != nil {
		return err
	}

	var final string
	var untagged []string
	for final == "" {
		line, err := c.readResponseLine()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "+"):
			challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[1:]))
			if err != nil {
				return c.abortAuthenticate(tag, mech, "malformed challenge: "+err.Error())
			}

			var reply []byte
			if ir != nil {
				reply, ir = ir, nil
			} else if reply, err = sc.Next(challenge); err != nil {
				return c.abortAuthenticate(tag, mech, err.Error())
			}
			if err := c.send(encodeSASL(reply)+"\r\n", true); err != nil {
				return err
			}

		case strings.HasPrefix(line, tag+" "), isFatal(line):
			final = line

		default:
			untagged = append(untagged, line)
		}
	}

	code, err := c.parseResult(final, "AUTHENTICATE "+mech+": ")
	if code != CodeOK {
		return err
	}

	for _, line := range untagged {
		if tokens, ok := untaggedData(line, "CAPABILITY"); ok {
			c.setCapabilities(tokens, true)
		}
	}
	if st, ok := parseStatusLine(final); ok && st.Code == "CAPABILITY" {
		c.setCapabilities(st.Args, true)
	}
	return nil
}

// abortAuthenticate cancels the exchange with "*" and waits for the
// tagged response so the connection stays in sync.
func (c *Client) abortAuthenticate(tag, mech, msg string) error {
	if c.send("*\r\n", false) == nil {
		for {
			line, err := c.readResponseLine()
			if err != nil || strings.HasPrefix(line, tag+" ") || isFatal(line) {
				break
			}
		}
	}
	return c.setError(CodeBad, "AUTHENTICATE "+mech+": "+msg, ErrProtocol)
}

func encodeSASL(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
