package backend

import (
	"log/slog"

	"github.com/nhle/userexternal/internal/logging"
)

// Base carries the fields every adapter shares. Adapters embed it to
// satisfy ID and Kind.
type Base struct {
	BackendID   string
	BackendKind Kind
	Logger      *slog.Logger
	Users       Materializer
}

// NewBase scopes the logger to the backend and wires the materializer.
func NewBase(kind Kind, id string, deps Deps) Base {
	logger := logging.ForBackend(deps.Logger, string(kind), id)
	return Base{
		BackendID:   id,
		BackendKind: kind,
		Logger:      logger,
		Users: Materializer{
			Store:   deps.Store,
			Backend: id,
			Logger:  logger,
			Metrics: deps.Metrics,
		},
	}
}

// ID returns the identity namespace of the backend.
func (b Base) ID() string { return b.BackendID }

// Kind returns the backend type.
func (b Base) Kind() Kind { return b.BackendKind }

// Fail logs a failed check for uid and returns it as a *Error.
// Rejections are routine and logged at debug level.
func (b Base) Fail(uid string, c Class, op string, err error) error {
	e := NewError(c, b.BackendID, op, err)
	attrs := []any{slog.String("uid", uid), slog.String("class", c.String()), slog.String("op", op)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if c == ClassRejected {
		b.Logger.Debug("authentication rejected", attrs...)
	} else {
		b.Logger.Error("authentication failed", attrs...)
	}
	return e
}

// RequireUID fails the check for an empty uid before any I/O happens.
func (b Base) RequireUID(uid string) error {
	if uid == "" {
		return b.Fail(uid, ClassConfiguration, "validate", ErrEmptyUID)
	}
	return nil
}
