package testutil

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// IMAPServer is a minimal IMAP server for tests. It understands
// CAPABILITY, ID, STARTTLS, LOGIN, AUTHENTICATE (PLAIN, LOGIN, CRAM-MD5),
// SELECT and LOGOUT. Other commands succeed.
type IMAPServer struct {
	// Greeting is sent on connect.
	Greeting string
	// Capabilities answer the CAPABILITY command.
	Capabilities []string
	// Users maps usernames to passwords.
	Users map[string]string
	// Untagged lines sent before the tagged reply, keyed by command.
	Untagged map[string][]string
	// Tagged overrides the status text of the tagged reply, e.g.
	// "OK [READ-ONLY] done", keyed by command.
	Tagged map[string]string
	// TLS enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLS         *tls.Config
	ImplicitTLS bool

	ln net.Listener

	mu       sync.Mutex
	commands []string
	logins   []string
}

// NewIMAPServer starts a server on a random local port. The options run
// before the listener starts.
func NewIMAPServer(t *testing.T, opts ...func(*IMAPServer)) *IMAPServer {
	t.Helper()

	s := &IMAPServer{
		Greeting:     "* OK IMAP4rev1 test server ready",
		Capabilities: []string{"IMAP4rev1", "AUTH=PLAIN"},
		Users:        map[string]string{},
		Untagged:     map[string][]string{},
		Tagged:       map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if s.ImplicitTLS {
		ln = tls.NewListener(ln, s.TLS)
	}
	s.ln = ln
	t.Cleanup(func() { ln.Close() })

	go s.serve()
	return s
}

// Host returns the listener address.
func (s *IMAPServer) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listener port.
func (s *IMAPServer) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Commands returns the command names received, in order.
func (s *IMAPServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Logins returns the users that authenticated successfully.
func (s *IMAPServer) Logins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

func (s *IMAPServer) record(list *[]string, v string) {
	s.mu.Lock()
	*list = append(*list, v)
	s.mu.Unlock()
}

func (s *IMAPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

type imapConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *imapConn) writeLine(format string, args ...any) {
	fmt.Fprintf(c, format+"\r\n", args...)
}

func (c *imapConn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

var literalMarkerRe = regexp.MustCompile(`\{([0-9]+)(\+?)\}$`)

// readCommand reads a full command line, resolving literals.
func (c *imapConn) readCommand() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	for {
		m := literalMarkerRe.FindStringSubmatch(line)
		if m == nil {
			return line, nil
		}
		if m[2] == "" {
			c.writeLine("+ ready for literal")
		}
		n, _ := strconv.Atoi(m[1])
		data := make([]byte, n)
		if _, err := io.ReadFull(c.r, data); err != nil {
			return "", err
		}
		rest, err := c.readLine()
		if err != nil {
			return "", err
		}
		line = line[:len(line)-len(m[0])] + strconv.Quote(string(data)) + rest
	}
}

func (s *IMAPServer) handle(raw net.Conn) {
	c := &imapConn{Conn: raw, r: bufio.NewReader(raw)}
	defer func() { c.Close() }()

	if s.Greeting == "" {
		return
	}
	c.writeLine("%s", s.Greeting)

	for {
		line, err := c.readCommand()
		if err != nil {
			return
		}
		tag, rest, _ := strings.Cut(line, " ")
		cmd, args, _ := strings.Cut(rest, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "UID" {
			sub, more, _ := strings.Cut(args, " ")
			cmd, args = "UID "+strings.ToUpper(sub), more
		}
		s.record(&s.commands, cmd)

		for _, u := range s.Untagged[cmd] {
			c.writeLine("%s", u)
		}

		switch cmd {
		case "CAPABILITY":
			c.writeLine("* CAPABILITY %s", strings.Join(s.Capabilities, " "))
			s.reply(c, tag, cmd, "OK CAPABILITY completed")

		case "ID":
			c.writeLine(`* ID ("name" "testutil" "version" "1")`)
			s.reply(c, tag, cmd, "OK ID completed")

		case "STARTTLS":
			if s.TLS == nil {
				c.writeLine("%s BAD STARTTLS unavailable", tag)
				continue
			}
			c.writeLine("%s OK Begin TLS negotiation now", tag)
			tlsConn := tls.Server(c.Conn, s.TLS)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			c = &imapConn{Conn: tlsConn, r: bufio.NewReader(tlsConn)}

		case "LOGIN":
			fields := parseArgs(args)
			if len(fields) == 2 && s.check(fields[0], fields[1]) {
				s.reply(c, tag, cmd, "OK [CAPABILITY IMAP4rev1 IDLE] LOGIN completed")
			} else {
				c.writeLine("%s NO [AUTHENTICATIONFAILED] Authentication failed.", tag)
			}

		case "AUTHENTICATE":
			if !s.authenticate(c, tag, args) {
				return
			}

		case "LOGOUT":
			c.writeLine("* BYE logging out")
			c.writeLine("%s OK LOGOUT completed", tag)
			return

		default:
			s.reply(c, tag, cmd, "OK "+cmd+" completed")
		}
	}
}

func (s *IMAPServer) reply(c *imapConn, tag, cmd, status string) {
	if override, ok := s.Tagged[cmd]; ok {
		status = override
	}
	c.writeLine("%s %s", tag, status)
}

func (s *IMAPServer) check(user, pass string) bool {
	want, ok := s.Users[user]
	if ok && want == pass {
		s.record(&s.logins, user)
		return true
	}
	return false
}

// authenticate runs one SASL exchange. It returns false when the
// connection broke.
func (s *IMAPServer) authenticate(c *imapConn, tag, args string) bool {
	mech, ir, _ := strings.Cut(args, " ")
	mech = strings.ToUpper(mech)

	// prompt sends a challenge and returns the decoded answer; ok is false
	// when the client cancelled or the connection failed.
	prompt := func(challenge string) (string, bool) {
		c.writeLine("+ %s", base64.StdEncoding.EncodeToString([]byte(challenge)))
		line, err := c.readLine()
		if err != nil {
			return "", false
		}
		if line == "*" {
			c.writeLine("%s BAD AUTHENTICATE cancelled", tag)
			return "", false
		}
		b, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			c.writeLine("%s BAD invalid base64", tag)
			return "", false
		}
		return string(b), true
	}

	ok := false
	switch mech {
	case "PLAIN":
		var msg string
		if ir != "" {
			b, err := base64.StdEncoding.DecodeString(ir)
			if err != nil {
				c.writeLine("%s BAD invalid base64", tag)
				return true
			}
			msg = string(b)
		} else {
			var cont bool
			if msg, cont = prompt(""); !cont {
				return true
			}
		}
		parts := strings.Split(msg, "\x00")
		ok = len(parts) == 3 && s.check(parts[1], parts[2])

	case "LOGIN":
		user, cont := prompt("Username:")
		if !cont {
			return true
		}
		pass, cont := prompt("Password:")
		if !cont {
			return true
		}
		ok = s.check(user, pass)

	case "CRAM-MD5":
		challenge := "<1896.697170952@postoffice.example.net>"
		answer, cont := prompt(challenge)
		if !cont {
			return true
		}
		user, digest, _ := strings.Cut(answer, " ")
		if pass, known := s.Users[user]; known {
			mac := hmac.New(md5.New, []byte(pass))
			mac.Write([]byte(challenge))
			if hex.EncodeToString(mac.Sum(nil)) == digest {
				ok = true
				s.record(&s.logins, user)
			}
		}

	default:
		c.writeLine("%s NO Unsupported authentication mechanism", tag)
		return true
	}

	if ok {
		s.reply(c, tag, "AUTHENTICATE", "OK [CAPABILITY IMAP4rev1 IDLE] Authenticated")
	} else {
		c.writeLine("%s NO [AUTHENTICATIONFAILED] Authentication failed.", tag)
	}
	return true
}

// parseArgs splits atoms and quoted strings.
func parseArgs(s string) []string {
	var out []string
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return out
		}
		if s[0] != '"' {
			end := strings.IndexByte(s, ' ')
			if end < 0 {
				end = len(s)
			}
			out = append(out, s[:end])
			s = s[end:]
			continue
		}
		var b strings.Builder
		i := 1
		for ; i < len(s) && s[i] != '"'; i++ {
			if s[i] == '\\' && i+1 < len(s) {
				i++
			}
			b.WriteByte(s[i])
		}
		out = append(out, b.String())
		if i >= len(s) {
			return out
		}
		s = s[i+1:]
	}
}

// ScriptStep is one exchange of a ScriptServer: the next client line must
// match Expect, then Reply is written.
type ScriptStep struct {
	Expect string
	Reply  []string
}

// ScriptServer replays a fixed conversation on its first connection.
type ScriptServer struct {
	ln   net.Listener
	done chan struct{}

	mu       sync.Mutex
	received []string
}

// NewScriptServer starts a server that sends greeting (nothing when
// empty) and then walks steps. Mismatches are reported on t.
func NewScriptServer(t *testing.T, greeting string, steps ...ScriptStep) *ScriptServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ScriptServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })

	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		c := &imapConn{Conn: conn, r: bufio.NewReader(conn)}

		if greeting == "" {
			return
		}
		c.writeLine("%s", greeting)

		for i, step := range steps {
			line, err := c.readLine()
			if err != nil {
				t.Errorf("script step %d: client hung up: %v", i, err)
				return
			}
			s.mu.Lock()
			s.received = append(s.received, line)
			s.mu.Unlock()

			if step.Expect != "" && !regexp.MustCompile(step.Expect).MatchString(line) {
				t.Errorf("script step %d: got %q, want match for %q", i, line, step.Expect)
				return
			}
			for _, r := range step.Reply {
				c.writeLine("%s", r)
			}
		}

		// Drain until the client closes.
		for {
			line, err := c.readLine()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, line)
			s.mu.Unlock()
			if strings.HasSuffix(strings.ToUpper(line), " LOGOUT") {
				tag, _, _ := strings.Cut(line, " ")
				c.writeLine("* BYE")
				c.writeLine("%s OK LOGOUT completed", tag)
			}
		}
	}()

	return s
}

// Host returns the listener address.
func (s *ScriptServer) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listener port.
func (s *ScriptServer) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Received waits for the conversation to end and returns the client lines.
func (s *ScriptServer) Received() []string {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// TLSConfigs returns a server config with a self-signed certificate for
// 127.0.0.1 and a client config that trusts it.
func TLSConfigs(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	ts := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	server = &tls.Config{Certificates: ts.TLS.Certificates}
	client = ts.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	return server, client
}
