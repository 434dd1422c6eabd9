// Package rest authenticates users against a JSON endpoint that also
// supplies the canonical id, display name and groups.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// maxResponse bounds the body read from the endpoint.
const maxResponse = 1 << 20

var (
	errDenied = errors.New("endpoint reported success=false")
	errNoID   = errors.New("endpoint reported success without an id")
)

func init() {
	backend.Register(backend.KindREST, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.REST, deps)
	})
}

// Backend posts the credentials as JSON and trusts the returned identity.
type Backend struct {
	backend.Base
	endpoint                string
	alwaysAssignDisplayName bool
	client                  *http.Client
	store                   displayNames
}

// displayNames is the part of the user store the backend writes directly.
type displayNames interface {
	SetDisplayName(ctx context.Context, uid, backend, name string) (bool, error)
}

// New validates cfg. The backend id defaults to the URL.
func New(id string, cfg model.RESTConfig, deps backend.Deps) (*Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rest: invalid url %q", cfg.URL)
	}
	if id == "" {
		id = cfg.URL
	}
	return &Backend{
		Base:                    backend.NewBase(backend.KindREST, id, deps),
		endpoint:                strings.TrimRight(cfg.URL, "/") + AuthenticatePath,
		alwaysAssignDisplayName: cfg.AlwaysAssignDisplayName,
		client:                  deps.Client(),
		store:                   deps.Store,
	}, nil
}

// CheckPassword returns the id reported by the endpoint, even when the local
// record was first stored with different case. Groups are applied
// when the identity is created. The display name is written on creation,
// and on every login when always_assign_displayname is set.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	result, err := b.authenticate(ctx, uid, password)
	if err != nil {
		return "", err
	}

	stored, created, err := b.Users.Materialize(ctx, result.ID, result.Groups...)
	if err != nil {
		return "", err
	}

	if result.DisplayName != "" && (created || b.alwaysAssignDisplayName) {
		if _, err := b.store.SetDisplayName(ctx, stored, b.ID(), result.DisplayName); err != nil {
			return "", backend.NewError(backend.ClassInternal, b.ID(), "set display name", err)
		}
	}
	return result.ID, nil
}

func (b *Backend) authenticate(ctx context.Context, uid, password string) (AuthResult, error) {
	body, err := json.Marshal(Request{User: Credentials{ID: uid, Password: password}})
	if err != nil {
		return AuthResult{}, b.Fail(uid, backend.ClassInternal, "marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return AuthResult{}, b.Fail(uid, backend.ClassConfiguration, "post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return AuthResult{}, b.Fail(uid, backend.ClassifyTransport(err), "post", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return AuthResult{}, b.Fail(uid, backend.ClassifyTransport(err), "read response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return AuthResult{}, b.Fail(uid, backend.ClassRejected, "post", &backend.StatusError{Code: resp.StatusCode})
	case http.StatusNotFound:
		b.Logger.Error("rest endpoint not found", "url", b.endpoint)
		return AuthResult{}, b.Fail(uid, backend.ClassConfiguration, "post", &backend.StatusError{Code: resp.StatusCode})
	default:
		return AuthResult{}, b.Fail(uid, backend.ClassifyStatus(resp.StatusCode), "post", &backend.StatusError{Code: resp.StatusCode})
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return AuthResult{}, b.Fail(uid, backend.ClassProtocol, "decode response", err)
	}
	if !out.Auth.Success {
		return AuthResult{}, b.Fail(uid, backend.ClassRejected, "authenticate", errDenied)
	}
	if out.Auth.ID == "" {
		return AuthResult{}, b.Fail(uid, backend.ClassProtocol, "authenticate", errNoID)
	}
	return out.Auth, nil
}
