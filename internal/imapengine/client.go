// Package imapengine is a small IMAP4rev1 client used to verify passwords.
// It speaks just enough of the protocol to connect, negotiate TLS,
// authenticate with several SASL mechanisms and select a mailbox.
package imapengine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultPort is used when Options.Port is zero.
	DefaultPort = 143

	// DefaultTimeout bounds dialing and every read or write.
	DefaultTimeout = 10 * time.Second

	// maxLiteral caps server literals so a broken peer cannot exhaust memory.
	maxLiteral = 16 << 20
)

// Options configures a Client.
type Options struct {
	Port int

	// SSLMode is "" for plain text, "tls" for STARTTLS, anything else for
	// implicit TLS.
	SSLMode string

	Timeout time.Duration

	// AuthType forces a mechanism (PLAIN, LOGIN, CRAM-MD5, DIGEST-MD5,
	// GSSAPI) or the LOGIN command ("IMAP"). Empty or "CHECK" picks the
	// strongest mechanism the server offers.
	AuthType string

	// AuthCID and AuthPW authenticate as a proxy user on behalf of the
	// login user (PLAIN and DIGEST-MD5).
	AuthCID string
	AuthPW  string

	// DisabledCaps are ignored when advertised by the server.
	DisabledCaps []string

	// ForceCaps drops the capability cache after login.
	ForceCaps bool

	// Ident is sent with the ID command when the server supports it.
	Ident map[string]string

	// GSSAPI creates a Kerberos security context. Setting it enables
	// GSSAPI and allows an empty password.
	GSSAPI func() (SecurityContext, error)

	TLSConfig *tls.Config

	// Logger receives a wire trace at debug level with credentials masked.
	Logger *slog.Logger
}

// ExecFlag tunes Execute.
type ExecFlag int

const (
	// ExecNoResponse discards untagged lines.
	ExecNoResponse ExecFlag = 1 << iota
	// ExecCapability parses a [CAPABILITY ...] code in the tagged OK.
	ExecCapability
	// ExecAnonymized masks command arguments in the wire trace.
	ExecAnonymized
)

// Response is the outcome of one tagged command.
type Response struct {
	Tag      string
	Code     Code
	Untagged []string
	// Final is the complete tagged (or fatal untagged) line.
	Final string
	// Text is Final without tag, status and response code.
	Text string
}

var (
	literalEndRe = regexp.MustCompile(`\{([0-9]+)\}$`)
	literalArgRe = regexp.MustCompile(`\{[0-9]+\}\r\n`)
	anonRe       = regexp.MustCompile(`^(A\d+ (?:[A-Z]+ )+)(.+)`)
)

// Client is a single IMAP connection. It is not safe for concurrent use.
type Client struct {
	host   string
	opts   Options
	logger *slog.Logger

	conn      net.Conn
	r         *bufio.Reader
	cancelled atomic.Bool

	tagNum      int
	caps        []string
	capRead     bool
	literalPlus bool
	loggedIn    bool
	mailbox     *Mailbox
	greeting    string

	resultCode string
	lastErr    *Error

	cnonce func() string
}

// New returns an unconnected client for host.
func New(host string, opts Options) *Client {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	opts.AuthType = strings.ToUpper(opts.AuthType)
	if opts.AuthType == "" {
		opts.AuthType = "CHECK"
	}
	disabled := make([]string, len(opts.DisabledCaps))
	for i, c := range opts.DisabledCaps {
		disabled[i] = strings.ToUpper(c)
	}
	opts.DisabledCaps = disabled

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		host:   host,
		opts:   opts,
		logger: logger,
		cnonce: randomNonce,
	}
}

// Connect dials the server, checks the greeting, negotiates STARTTLS when
// configured and authenticates. On failure the connection is closed.
func (c *Client) Connect(ctx context.Context, user, password string) error {
	c.loggedIn = false
	c.mailbox = nil
	c.lastErr = nil

	if c.host == "" {
		return c.setError(CodeBad, "empty host", ErrInvalidArgument)
	}
	if user == "" {
		return c.setError(CodeNo, "empty user", ErrInvalidArgument)
	}
	if password == "" && c.opts.GSSAPI == nil {
		return c.setError(CodeNo, "empty password", ErrInvalidArgument)
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	if len(c.opts.Ident) > 0 {
		if ok, _ := c.getCapability(ctx, "ID"); ok {
			if _, err := c.ID(ctx, c.opts.Ident); err != nil && c.conn == nil {
				return err
			}
		}
	}

	method := c.authMethod(ctx)
	if c.conn == nil {
		// Lost while reading capabilities.
		if c.lastErr == nil {
			return c.setError(CodeBad, "connection lost", ErrConnection)
		}
		return c.lastErr
	}

	// Pre-login capabilities may be incomplete.
	c.capRead = false

	var err error
	switch method {
	case "CRAM_MD5":
		method = "CRAM-MD5"
		fallthrough
	case "CRAM-MD5", "DIGEST-MD5", "GSSAPI", "PLAIN", "LOGIN":
		err = c.authenticate(ctx, user, password, method)
	case "IMAP":
		err = c.login(ctx, user, password)
	default:
		err = c.setError(CodeBad, "configuration error: unknown auth method "+method, ErrMechanism)
	}

	if err != nil {
		c.closeConnection(ctx)
		return err
	}

	if c.opts.ForceCaps {
		c.clearCapability()
	}
	c.loggedIn = true
	return nil
}

// connect opens the socket and handles the greeting and STARTTLS.
func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.opts.Port))

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	d := &net.Dialer{Timeout: c.opts.Timeout}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return c.setError(CodeBad, fmt.Sprintf("could not connect to %s: %v", addr, err), ErrConnection)
	}

	if c.opts.SSLMode != "" && c.opts.SSLMode != "tls" {
		tlsConn := tls.Client(conn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return c.setError(CodeBad, fmt.Sprintf("TLS handshake with %s: %v", addr, err), ErrConnection)
		}
		conn = tlsConn
	}

	c.setConn(conn)
	c.logger.Debug("connected", slog.String("addr", addr), slog.String("ssl_mode", c.opts.SSLMode))

	stop := c.watch(ctx)
	defer stop()

	line, err := c.readLine()
	if err != nil {
		c.closeSocket()
		if errors.Is(err, io.EOF) {
			return c.setError(CodeBad, fmt.Sprintf("empty startup greeting (%s)", addr), ErrProtocol)
		}
		return err
	}
	line = strings.TrimSpace(line)

	st, ok := parseStatusLine(line)
	if !ok || st.Tag != "*" || (st.Status != "OK" && st.Status != "PREAUTH") {
		c.closeSocket()
		return c.setError(CodeBad, fmt.Sprintf("wrong startup greeting (%s): %s", addr, line), ErrProtocol)
	}

	c.greeting = strings.TrimSpace("* " + st.Status + " " + st.Text)

	// RFC 3501 7.1: optional CAPABILITY response code in the greeting.
	if st.Code == "CAPABILITY" {
		c.setCapabilities(st.Args, true)
	}

	if c.opts.SSLMode != "tls" {
		return nil
	}

	if ok, _ := c.getCapability(ctx, "STARTTLS"); !ok {
		c.closeSocket()
		return c.setError(CodeBad, "server does not offer STARTTLS", ErrProtocol)
	}

	if _, err := c.Execute(ctx, "STARTTLS", nil, ExecNoResponse); err != nil {
		c.closeSocket()
		return err
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig())
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		c.closeSocket()
		return c.setError(CodeBad, "unable to negotiate TLS: "+err.Error(), ErrConnection)
	}
	c.setConn(tlsConn)

	// Capabilities must be read again over the secure channel.
	c.clearCapability()
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	return cfg
}

func (c *Client) setConn(conn net.Conn) {
	c.conn = conn
	c.r = bufio.NewReader(conn)
}

// Connected reports whether the client is connected and logged in.
func (c *Client) Connected() bool {
	return c.conn != nil && c.loggedIn
}

// Greeting returns the server greeting without bracketed codes.
func (c *Client) Greeting() string {
	return c.greeting
}

// Err returns the last command error, or nil after a successful command.
func (c *Client) Err() *Error {
	return c.lastErr
}

// ResultCode returns the RFC 5530 code of the last tagged response.
func (c *Client) ResultCode() string {
	return c.resultCode
}

// Close logs out when logged in and closes the connection.
func (c *Client) Close() error {
	c.closeConnection(context.Background())
	return nil
}

func (c *Client) closeConnection(ctx context.Context) {
	if c.loggedIn && c.conn != nil {
		stop := c.watch(ctx)
		if err := c.send(c.nextTag()+" LOGOUT\r\n", false); err == nil {
			c.readReply()
		}
		stop()
	}
	c.loggedIn = false
	c.closeSocket()
}

func (c *Client) closeSocket() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

func (c *Client) setError(code Code, msg string, sentinel error) *Error {
	c.lastErr = &Error{Code: code, Message: msg, ResultCode: c.resultCode, Err: sentinel}
	return c.lastErr
}

func (c *Client) nextTag() string {
	c.tagNum++
	return fmt.Sprintf("A%04d", c.tagNum)
}

// watch aborts blocking I/O when ctx is cancelled.
func (c *Client) watch(ctx context.Context) func() {
	conn := c.conn
	if conn == nil || ctx.Done() == nil {
		return func() {}
	}
	c.cancelled.Store(false)
	stop := context.AfterFunc(ctx, func() {
		c.cancelled.Store(true)
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (c *Client) ioError(op string, err error) *Error {
	c.closeSocket()
	return c.setError(CodeBad, op+": "+err.Error(), fmt.Errorf("%w: %w", ErrConnection, err))
}

// readLine reads one raw line including the line ending.
func (c *Client) readLine() (string, error) {
	if c.conn == nil {
		return "", c.setError(CodeBad, "read: not connected", ErrNotConnected)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	if c.cancelled.Load() {
		return "", c.ioError("read", context.Canceled)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			c.closeSocket()
			return "", c.setError(CodeBad, "connection closed by server", fmt.Errorf("%w: %w", ErrConnection, io.EOF))
		}
		return line, c.ioError("read", err)
	}
	c.logger.Debug("S: " + strings.TrimRight(line, "\r\n"))
	return line, nil
}

// readBytes reads exactly n raw bytes, regardless of line breaks.
func (c *Client) readBytes(n int) ([]byte, error) {
	if c.conn == nil {
		return nil, c.setError(CodeBad, "read: not connected", ErrNotConnected)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, c.ioError("read literal", err)
	}
	c.logger.Debug(fmt.Sprintf("S: [literal %d bytes]", n))
	return buf, nil
}

// readResponseLine reads one logical response line. Literals announced by
// a trailing {N} are read as N raw bytes and kept inline as "{N}\r\n<data>"
// so the result can be passed to Tokenize.
func (c *Client) readResponseLine() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")

	var b strings.Builder
	for {
		m := literalEndRe.FindStringSubmatch(line)
		if m == nil {
			b.WriteString(line)
			return b.String(), nil
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n > maxLiteral {
			c.closeSocket()
			return "", c.setError(CodeBad, "literal too large: "+m[1], ErrProtocol)
		}
		data, err := c.readBytes(n)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		b.WriteString("\r\n")
		b.Write(data)

		next, err := c.readLine()
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(next, "\r\n")
	}
}

// readReply skips untagged lines and returns the first other line.
func (c *Client) readReply() (string, []string, error) {
	var untagged []string
	for {
		line, err := c.readResponseLine()
		if err != nil {
			return "", untagged, err
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "*") {
			untagged = append(untagged, line)
			continue
		}
		return line, untagged, nil
	}
}

// send writes raw data, masking it in the trace when anonymized.
func (c *Client) send(data string, anonymized bool) error {
	if c.conn == nil {
		return c.setError(CodeCommand, "write: not connected", ErrNotConnected)
	}

	c.trace(data, anonymized)

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	if c.cancelled.Load() {
		return c.ioError("write", context.Canceled)
	}
	if _, err := io.WriteString(c.conn, data); err != nil {
		return c.ioError("write", err)
	}
	return nil
}

func (c *Client) trace(data string, anonymized bool) {
	if !c.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	line := strings.TrimRight(data, "\r\n")
	cut := len(data) - len(line)
	switch {
	case anonymized && anonRe.MatchString(line):
		m := anonRe.FindStringSubmatch(line)
		line = m[1] + fmt.Sprintf("****** [%d]", len(m[2]))
	case anonymized:
		line = fmt.Sprintf("****** [%d]", len(data)-cut)
	}
	c.logger.Debug("C: " + line)
}

// sendCommand writes a command that may carry literals, waiting for the
// continuation request after each one unless LITERAL+ is available.
func (c *Client) sendCommand(query string, anonymized bool) error {
	query += "\r\n"

	locs := literalArgRe.FindAllStringIndex(query, -1)
	if len(locs) == 0 {
		return c.send(query, anonymized)
	}

	pos := 0
	for _, loc := range locs {
		marker := query[loc[0]:loc[1]]
		if c.literalPlus {
			marker = strings.Replace(marker, "}", "+}", 1)
		}
		if err := c.send(query[pos:loc[0]]+marker, anonymized); err != nil {
			return err
		}
		pos = loc[1]

		if !c.literalPlus {
			line, err := c.readLine()
			if err != nil {
				return err
			}
			if !strings.HasPrefix(line, "+") {
				c.parseResult(line, "")
				return c.setError(CodeCommand, "literal not accepted: "+strings.TrimSpace(line), ErrRejected)
			}
		}
	}
	return c.send(query[pos:], anonymized)
}

// Execute sends a tagged command and collects the response. A NO, BAD or
// BYE result is returned as an *Error alongside the response.
func (c *Client) Execute(ctx context.Context, command string, args []string, flags ExecFlag) (*Response, error) {
	if c.conn == nil {
		return nil, c.setError(CodeCommand, command+": not connected", ErrNotConnected)
	}

	stop := c.watch(ctx)
	defer stop()

	tag := c.nextTag()
	query := tag + " " + command
	for _, arg := range args {
		query += " " + arg
	}

	if err := c.sendCommand(query, flags&ExecAnonymized != 0); err != nil {
		return nil, err
	}

	resp := &Response{Tag: tag, Code: CodeUnknown}
	for {
		line, err := c.readResponseLine()
		if err != nil {
			return resp, err
		}

		if strings.HasPrefix(line, tag+" ") {
			resp.Final = line
			break
		}
		if isFatal(line) {
			resp.Final = line
			break
		}
		if flags&ExecNoResponse == 0 {
			resp.Untagged = append(resp.Untagged, line)
		}
	}

	code, err := c.parseResult(resp.Final, command+": ")
	resp.Code = code

	if code == CodeOK && flags&ExecCapability != 0 {
		if st, ok := parseStatusLine(resp.Final); ok && st.Code == "CAPABILITY" {
			c.setCapabilities(st.Args, true)
		}
	}

	resp.Text = stripStatus(resp.Final)
	return resp, err
}

// stripStatus removes tag, status and response code.
func stripStatus(line string) string {
	st, ok := parseStatusLine(line)
	if !ok {
		_, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		return strings.TrimSpace(rest)
	}
	return st.Text
}

// parseResult interprets a status line. BYE closes the connection.
func (c *Client) parseResult(line, prefix string) (Code, error) {
	st, ok := parseStatusLine(line)
	if !ok || st.Status == "PREAUTH" {
		return CodeUnknown, c.setError(CodeUnknown, prefix+"unexpected response: "+strings.TrimSpace(line), ErrProtocol)
	}

	var code Code
	switch st.Status {
	case "OK":
		code = CodeOK
	case "NO":
		code = CodeNo
	case "BAD":
		code = CodeBad
	case "BYE":
		c.closeSocket()
		code = CodeBye
	}

	text := st.Text
	c.resultCode = st.Code

	if code == CodeOK {
		c.lastErr = nil
		return code, nil
	}
	return code, c.setError(code, prefix+text, ErrRejected)
}
