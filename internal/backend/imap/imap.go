// Package imap authenticates users against an IMAP server, either through
// go-imap ("imap") or through the built-in protocol engine ("imap_engine").
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// DefaultPort is used when the configuration leaves the port empty.
const DefaultPort = 143

func init() {
	backend.Register(backend.KindIMAP, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return NewSimple(cfg.ID, *cfg.IMAP, deps)
	})
	backend.Register(backend.KindIMAPEngine, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return NewEngine(cfg.ID, *cfg.IMAP, deps)
	})
}

// Option customizes an IMAP backend.
type Option func(*options)

type options struct {
	tlsConfig *tls.Config
}

// WithTLSConfig replaces the TLS settings used for ssl and tls modes.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// settings is the part of the configuration both variants share.
type settings struct {
	host      string
	addr      string
	sslMode   string
	timeout   time.Duration
	policy    backend.DomainPolicy
	tlsConfig *tls.Config
}

func newSettings(id string, cfg model.IMAPConfig, opts []Option) (string, settings, error) {
	if cfg.Host == "" {
		return "", settings{}, errors.New("imap: host is required")
	}
	policy, err := backend.NewDomainPolicy(cfg.DomainConfig)
	if err != nil {
		return "", settings{}, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = backend.DialTimeout
	}
	tlsConfig := o.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Host
	}

	if id == "" {
		id = cfg.Host
	}

	return id, settings{
		host:      cfg.Host,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		sslMode:   cfg.SSLMode,
		timeout:   timeout,
		policy:    policy,
		tlsConfig: tlsConfig,
	}, nil
}

// Simple checks passwords with a LOGIN (or AUTHENTICATE PLAIN) through
// go-imap.
type Simple struct {
	backend.Base
	settings
	authPlain bool
}

// NewSimple creates the go-imap based backend. The backend id defaults to
// the host name.
func NewSimple(id string, cfg model.IMAPConfig, deps backend.Deps, opts ...Option) (*Simple, error) {
	id, s, err := newSettings(id, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Simple{
		Base:      backend.NewBase(backend.KindIMAP, id, deps),
		settings:  s,
		authPlain: strings.EqualFold(strings.TrimSpace(cfg.LoginOptions), "AUTH=PLAIN"),
	}, nil
}

// CheckPassword logs in as the normalized user and logs out again.
func (b *Simple) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	login, err := b.policy.Normalize(uid)
	if err != nil {
		return "", b.Fail(uid, backend.ClassConfiguration, "normalize", err)
	}

	if err := b.login(ctx, login.Name, password); err != nil {
		return "", err
	}

	stored, _, err := b.Users.Materialize(ctx, login.UID, login.Groups...)
	if err != nil {
		return "", err
	}
	return stored, nil
}

func (b *Simple) login(ctx context.Context, name, password string) error {
	dialer := &net.Dialer{Timeout: b.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return b.Fail(name, backend.ClassConnectivity, "dial", err)
	}

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	clientOpts := &imapclient.Options{TLSConfig: b.tlsConfig}

	var client *imapclient.Client
	switch b.sslMode {
	case "ssl":
		tlsConn := tls.Client(conn, b.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return b.Fail(name, backend.ClassConnectivity, "tls handshake", err)
		}
		client = imapclient.New(tlsConn, clientOpts)
	case "tls":
		client, err = imapclient.NewStartTLS(conn, clientOpts)
		if err != nil {
			conn.Close()
			return b.Fail(name, classify(err), "starttls", err)
		}
	default:
		client = imapclient.New(conn, clientOpts)
	}
	defer client.Close()

	if err := client.WaitGreeting(); err != nil {
		return b.Fail(name, classify(err), "greeting", err)
	}

	if b.authPlain {
		err = client.Authenticate(sasl.NewPlainClient("", name, password))
	} else {
		err = client.Login(name, password).Wait()
	}
	if err != nil {
		return b.Fail(name, classify(err), "login", err)
	}

	if err := client.Logout().Wait(); err != nil {
		b.Logger.Debug("logout failed", "error", err)
	}
	return nil
}

// classify maps go-imap errors: a tagged NO or BAD is a rejection,
// everything else depends on the transport.
func classify(err error) backend.Class {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Type {
		case imap.StatusResponseTypeNo, imap.StatusResponseTypeBad:
			return backend.ClassRejected
		default:
			return backend.ClassProtocol
		}
	}
	return backend.ClassifyTransport(err)
}
