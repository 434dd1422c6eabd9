package imap

import (
	"context"
	"errors"
	"strconv"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/imapengine"
	"github.com/nhle/userexternal/internal/model"
)

// Engine checks passwords with the built-in IMAP engine, which supports
// SASL mechanisms and proxy authorization.
type Engine struct {
	backend.Base
	settings
	port int
	opts imapengine.Options
}

// NewEngine creates the engine based backend.
func NewEngine(id string, cfg model.IMAPConfig, deps backend.Deps, opts ...Option) (*Engine, error) {
	id, s, err := newSettings(id, cfg, opts)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	b := &Engine{
		Base:     backend.NewBase(backend.KindIMAPEngine, id, deps),
		settings: s,
		port:     port,
	}
	b.opts = imapengine.Options{
		Port:         port,
		SSLMode:      cfg.SSLMode,
		Timeout:      s.timeout,
		AuthType:     cfg.AuthType,
		AuthCID:      cfg.AuthCID,
		AuthPW:       cfg.AuthPW,
		DisabledCaps: cfg.DisabledCaps,
		ForceCaps:    cfg.ForceCaps,
		Ident:        cfg.Ident,
		TLSConfig:    s.tlsConfig,
		Logger:       b.Logger,
	}
	if g := cfg.GSSAPI; g != nil {
		b.opts.GSSAPI = imapengine.NewKerberosContext(imapengine.KerberosConfig{
			CCache:   g.CCache,
			KRB5Conf: g.KRB5Conf,
			Service:  g.Service,
		})
	}
	return b, nil
}

// CheckPassword connects, authenticates and disconnects.
func (b *Engine) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	login, err := b.policy.Normalize(uid)
	if err != nil {
		return "", b.Fail(uid, backend.ClassConfiguration, "normalize", err)
	}

	client := imapengine.New(b.host, b.opts)
	if err := client.Connect(ctx, login.Name, password); err != nil {
		return "", b.Fail(login.Name, engineClass(err), "connect "+b.host+":"+strconv.Itoa(b.port), err)
	}
	client.Close()

	stored, _, err := b.Users.Materialize(ctx, login.UID, login.Groups...)
	if err != nil {
		return "", err
	}
	return stored, nil
}

func engineClass(err error) backend.Class {
	switch {
	case errors.Is(err, imapengine.ErrConnection), errors.Is(err, imapengine.ErrNotConnected):
		return backend.ClassConnectivity
	case errors.Is(err, imapengine.ErrProtocol):
		return backend.ClassProtocol
	case errors.Is(err, imapengine.ErrLoginDisabled), errors.Is(err, imapengine.ErrMechanism):
		return backend.ClassConfiguration
	default:
		// NO, BAD or BYE to the login, and empty passwords.
		return backend.ClassRejected
	}
}
