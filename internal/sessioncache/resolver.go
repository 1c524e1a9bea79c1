package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrEmptySessionID is returned when the session creator yields no id.
var ErrEmptySessionID = errors.New("session create returned no session id")

// SessionCreator creates a fresh server-side session for an agent.
type SessionCreator interface {
	CreateSession(ctx context.Context, botID string) (string, error)
}

// Resolver returns a stable session id per agent, creating one on demand.
// Cached ids are reused as-is until ResetSession or Forget; they are never
// validated against the server and never expire.
type Resolver struct {
	cache   Cache
	creator SessionCreator
	logger  *slog.Logger
}

// NewResolver creates a Resolver over cache and creator.
func NewResolver(cache Cache, creator SessionCreator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cache: cache, creator: creator, logger: logger}
}

// EnsureSession returns the cached session id for botID, or creates and
// caches a new one.
func (r *Resolver) EnsureSession(ctx context.Context, botID string) (string, error) {
	if id, ok := r.cache.Get(Key(botID)); ok && id != "" {
		return id, nil
	}
	return r.create(ctx, botID)
}

// ResetSession discards the cached id and always creates a new one.
func (r *Resolver) ResetSession(ctx context.Context, botID string) (string, error) {
	if err := r.cache.Delete(Key(botID)); err != nil {
		return "", err
	}
	return r.create(ctx, botID)
}

// Forget removes the cached id without creating a new one.
func (r *Resolver) Forget(botID string) error {
	return r.cache.Delete(Key(botID))
}

// Lookup returns the cached id, if any.
func (r *Resolver) Lookup(botID string) (string, bool) {
	id, ok := r.cache.Get(Key(botID))
	return id, ok && id != ""
}

func (r *Resolver) create(ctx context.Context, botID string) (string, error) {
	id, err := r.creator.CreateSession(ctx, botID)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", botID, err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptySessionID
	}
	if err := r.cache.Set(Key(botID), id); err != nil {
		return "", err
	}
	r.logger.Info("Created session", "bot_id", botID, "session_id", id)
	return id, nil
}
