// Package basicauth authenticates users against any URL protected with
// HTTP Basic authentication.
package basicauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// ErrNotProtected means the URL answered an anonymous request without
// asking for credentials, so any password would be accepted.
var ErrNotProtected = errors.New("url does not require authentication")

func init() {
	backend.Register(backend.KindBasicAuth, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.BasicAuth, deps)
	})
}

// Backend probes the URL anonymously, then with the user's credentials.
type Backend struct {
	backend.Base
	url    string
	client *http.Client
}

// New validates cfg. The backend id defaults to the URL.
func New(id string, cfg model.BasicAuthConfig, deps backend.Deps) (*Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("basic_auth: invalid url %q", cfg.URL)
	}
	if id == "" {
		id = cfg.URL
	}
	return &Backend{
		Base:   backend.NewBase(backend.KindBasicAuth, id, deps),
		url:    cfg.URL,
		client: deps.Client(),
	}, nil
}

// CheckPassword accepts the credentials when the authenticated request
// returns 2xx. Redirects are not followed and count as failures.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	resp, err := b.fetch(ctx, "", "")
	if err != nil {
		return "", b.Fail(uid, backend.ClassifyTransport(err), "probe", err)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		return "", b.Fail(uid, backend.ClassConfiguration, "probe", fmt.Errorf("%w: %s", ErrNotProtected, b.url))
	}

	resp, err = b.fetch(ctx, uid, password)
	if err != nil {
		return "", b.Fail(uid, backend.ClassifyTransport(err), "get", err)
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
	case code >= 300 && code < 400:
		b.Logger.Error("redirect from basic auth url", "url", b.url, "status", code, "location", resp.Header.Get("Location"))
		return "", b.Fail(uid, backend.ClassRejected, "get", &backend.StatusError{Code: code})
	default:
		return "", b.Fail(uid, backend.ClassifyStatus(code), "get", &backend.StatusError{Code: code})
	}

	stored, _, err := b.Users.Materialize(ctx, uid)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// fetch issues a GET and keeps only the status line and headers.
func (b *Backend) fetch(ctx context.Context, uid, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, err
	}
	if uid != "" {
		req.SetBasicAuth(uid, password)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp, nil
}
