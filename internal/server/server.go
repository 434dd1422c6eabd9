// Package server exposes the backend chain over HTTP, speaking the same
// JSON contract the rest backend consumes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/backend/rest"
	"github.com/nhle/userexternal/internal/logging"
	"github.com/nhle/userexternal/internal/store"
)

// maxBody bounds the size of an authenticate request.
const maxBody = 64 << 10

// Server serves the authenticate endpoint, health checks and metrics.
type Server struct {
	chain    *backend.Chain
	users    store.UserStore
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// New creates a server. A nil gatherer disables /metrics.
func New(chain *backend.Chain, users store.UserStore, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{chain: chain, users: users, logger: logger, gatherer: gatherer}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rest.AuthenticatePath, s.handleAuthenticate)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req rest.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.User.ID == "" {
		http.Error(w, "user.id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	res, err := s.chain.Authenticate(ctx, req.User.ID, req.User.Password)
	if err != nil {
		s.logger.Debug("authentication failed", slog.String("uid", req.User.ID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnauthorized, rest.Response{})
		return
	}

	displayName, err := s.users.GetDisplayName(ctx, res.UID, res.Backend.ID())
	if err != nil {
		s.logger.Error("reading display name", slog.String("uid", res.UID), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	groups, err := s.users.GroupsForUser(ctx, res.UID)
	if err != nil {
		s.logger.Error("reading groups", slog.String("uid", res.UID), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rest.Response{Auth: rest.AuthResult{
		Success:     true,
		ID:          res.UID,
		DisplayName: displayName,
		Groups:      groups,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
