package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/userexternal/internal/logging"
	"github.com/nhle/userexternal/internal/metrics"
)

// Result identifies who authenticated and through which backend.
type Result struct {
	UID     string
	Backend Backend
}

// Chain tries backends in order until one accepts the credentials.
type Chain struct {
	backends []Backend
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewChain returns a chain over backends. logger and m may be nil.
func NewChain(backends []Backend, logger *slog.Logger, m *metrics.Metrics) *Chain {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Chain{backends: backends, logger: logger, metrics: m}
}

// Backends returns the configured backends in order.
func (c *Chain) Backends() []Backend {
	return c.backends
}

// Lookup returns the backend with the given id.
func (c *Chain) Lookup(id string) (Backend, bool) {
	for _, b := range c.backends {
		if b.ID() == id {
			return b, true
		}
	}
	return nil, false
}

// Authenticate returns the first successful check. When every backend
// fails the joined failures are returned; the result still satisfies
// errors.Is(err, ErrNotAuthenticated).
func (c *Chain) Authenticate(ctx context.Context, uid, password string) (Result, error) {
	if len(c.backends) == 0 {
		return Result{}, fmt.Errorf("%w: no backends configured", ErrNotAuthenticated)
	}

	logger := c.logger.With(slog.String("request_id", uuid.NewString()))

	var errs []error
	for _, b := range c.backends {
		canonical, err := c.check(ctx, b, uid, password)
		if err == nil {
			logger.Info("authenticated",
				slog.String("uid", canonical),
				slog.String("backend_id", b.ID()),
				slog.String("backend", string(b.Kind())),
			)
			return Result{UID: canonical, Backend: b}, nil
		}
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	logger.Debug("no backend accepted credentials", slog.String("uid", uid), slog.Int("tried", len(errs)))
	return Result{}, errors.Join(errs...)
}

// Check runs a single backend and records the outcome.
func (c *Chain) Check(ctx context.Context, b Backend, uid, password string) (string, error) {
	return c.check(ctx, b, uid, password)
}

func (c *Chain) check(ctx context.Context, b Backend, uid, password string) (string, error) {
	start := time.Now()
	canonical, err := b.CheckPassword(ctx, uid, password)

	outcome := "success"
	switch {
	case err != nil:
		if class := ClassOf(err); class != 0 {
			outcome = class.String()
		} else {
			outcome = "error"
			err = NewError(ClassInternal, b.ID(), "check password", err)
		}
	case canonical == "":
		outcome = "error"
		err = NewError(ClassInternal, b.ID(), "check password", errors.New("empty uid returned"))
	}

	c.metrics.ObserveAttempt(b.ID(), string(b.Kind()), outcome, time.Since(start))
	return canonical, err
}
