package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nhle/userexternal/internal/metrics"
	"github.com/nhle/userexternal/internal/store"
)

// Materializer creates the local identity for a successful login.
type Materializer struct {
	Store   store.UserStore
	Backend string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Materialize stores uid if absent and returns it as stored. Groups are
// only applied when the identity is created by this call, in the same
// transaction as the identity. Blank and repeated group names are dropped.
// Failures are ClassInternal errors.
func (m Materializer) Materialize(ctx context.Context, uid string, groups ...string) (string, bool, error) {
	if m.Store == nil {
		return "", false, NewError(ClassInternal, m.Backend, "store user", fmt.Errorf("no user store configured"))
	}

	stored, created, err := m.Store.EnsureUser(ctx, uid, m.Backend, cleanGroups(groups)...)
	if err != nil {
		return "", false, NewError(ClassInternal, m.Backend, "store user", err)
	}
	if !created {
		return stored, false, nil
	}

	m.Metrics.UserCreated(m.Backend)
	if m.Logger != nil {
		m.Logger.Info("created local user", slog.String("uid", stored))
	}
	return stored, true, nil
}

// cleanGroups trims names and drops blanks and case-insensitive repeats,
// keeping the first spelling.
func cleanGroups(groups []string) []string {
	seen := make(map[string]bool, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		key := strings.ToLower(g)
		if g == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, g)
	}
	return out
}
