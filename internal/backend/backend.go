// Package backend defines the password-check contract implemented by every
// external authentication source, along with the pieces they share.
package backend

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nhle/userexternal/internal/metrics"
	"github.com/nhle/userexternal/internal/model"
	"github.com/nhle/userexternal/internal/store"
)

// Kind identifies the type of external authentication source.
type Kind string

const (
	KindIMAP       Kind = model.TypeIMAP
	KindIMAPEngine Kind = model.TypeIMAPEngine
	KindWebDAV     Kind = model.TypeWebDAV
	KindBasicAuth  Kind = model.TypeBasicAuth
	KindHTTP       Kind = model.TypeHTTP
	KindREST       Kind = model.TypeREST
	KindSMB        Kind = model.TypeSMB
	KindSSH        Kind = model.TypeSSH
	KindMySQL      Kind = model.TypeMySQL
	KindXMPP       Kind = model.TypeXMPP
)

// Backend checks a password against one external source.
//
// CheckPassword returns the canonical uid on success. On failure it returns
// an empty uid and an error that satisfies errors.Is(err, ErrNotAuthenticated)
// and carries a *Error describing why. Implementations must be safe for
// concurrent use.
type Backend interface {
	// ID returns the namespace under which identities are stored.
	ID() string

	// Kind returns the backend type.
	Kind() Kind

	CheckPassword(ctx context.Context, uid, password string) (string, error)
}

// Deps bundles the collaborators handed to backend factories.
type Deps struct {
	Store      store.UserStore
	Logger     *slog.Logger
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client returns the shared HTTP client, or a default one when none was
// provided.
func (d Deps) Client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return NewHTTPClient(model.HTTPClientConfig{})
}
