// Package webdav authenticates users with an HTTP Basic or Digest request
// against a WebDAV URL.
package webdav

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// Auth types.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
)

var (
	errNoChallenge = errors.New("no Digest challenge in WWW-Authenticate")
	errBadURL      = errors.New("webdav: url must contain ://")
)

func init() {
	backend.Register(backend.KindWebDAV, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.WebDAV, deps)
	})
}

// Backend checks passwords by fetching a protected WebDAV resource.
type Backend struct {
	backend.Base
	url      string
	authType string
	client   *http.Client
	cnonce   func() string
}

// New validates cfg. The backend id defaults to the URL.
func New(id string, cfg model.WebDAVConfig, deps backend.Deps) (*Backend, error) {
	if !strings.Contains(cfg.URL, "://") {
		return nil, fmt.Errorf("%w: %q", errBadURL, cfg.URL)
	}
	authType := strings.ToLower(cfg.AuthType)
	switch authType {
	case "":
		authType = AuthBasic
	case AuthBasic, AuthDigest:
	default:
		return nil, fmt.Errorf("webdav: invalid auth type %q, expected basic or digest", cfg.AuthType)
	}
	if id == "" {
		id = cfg.URL
	}
	return &Backend{
		Base:     backend.NewBase(backend.KindWebDAV, id, deps),
		url:      cfg.URL,
		authType: authType,
		client:   deps.Client(),
		cnonce:   newCnonce,
	}, nil
}

// CheckPassword requests the URL with the user's credentials; any 2xx
// answer accepts them. A redirect is not followed and counts as a failure.
// The uid is stored as given.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	var (
		authorization string
		err           error
	)
	if b.authType == AuthDigest {
		authorization, err = b.digestAuthorization(ctx, uid, password)
		if err != nil {
			return "", err
		}
	} else {
		authorization = "Basic " + base64.StdEncoding.EncodeToString([]byte(uid+":"+password))
	}

	code, err := b.get(ctx, authorization)
	if err != nil {
		return "", b.Fail(uid, backend.ClassifyTransport(err), "get", err)
	}
	if code < 200 || code > 299 {
		return "", b.Fail(uid, backend.ClassifyStatus(code), "get", &backend.StatusError{Code: code})
	}

	stored, _, err := b.Users.Materialize(ctx, uid)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// digestAuthorization fetches the challenge with an unauthenticated
// request and answers it.
func (b *Backend) digestAuthorization(ctx context.Context, uid, password string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return "", b.Fail(uid, backend.ClassConfiguration, "challenge", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", b.Fail(uid, backend.ClassifyTransport(err), "challenge", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	var header string
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		if scheme, rest, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Digest") {
			header = rest
			break
		}
	}
	if header == "" {
		return "", b.Fail(uid, backend.ClassProtocol, "challenge", errNoChallenge)
	}

	ch, err := parseChallenge(header)
	if err != nil {
		return "", b.Fail(uid, backend.ClassProtocol, "challenge", err)
	}
	authorization, err := ch.authorize(http.MethodGet, req.URL.RequestURI(), uid, password, b.cnonce())
	if err != nil {
		return "", b.Fail(uid, backend.ClassProtocol, "challenge", err)
	}
	return authorization, nil
}

func (b *Backend) get(ctx context.Context, authorization string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", authorization)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
