// Package session issues and checks the login sessions handed out after a
// successful Mastodon login.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meysam81/go-auth-mastodon/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

const (
	// DefaultSessionTTL is how long a login session lives, and how far
	// Refresh pushes its expiry.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultSessionIDLength is the number of random bytes in a session id.
	DefaultSessionIDLength = 32

	minSessionIDLength = 16
)

// Config configures a Manager.
type Config struct {
	Store          storage.SessionStore
	SessionTTL     time.Duration // Optional: defaults to DefaultSessionTTL
	SessionIDBytes int           // Optional: defaults to DefaultSessionIDLength, at least 16
	Logger         *zap.Logger   // Optional
}

// Manager creates, looks up and ends login sessions.
type Manager struct {
	store   storage.SessionStore
	ttl     time.Duration
	idBytes int
	logger  *zap.Logger
}

// NewManager creates a session manager over cfg.Store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}

	m := &Manager{
		store:   cfg.Store,
		ttl:     cfg.SessionTTL,
		idBytes: cfg.SessionIDBytes,
		logger:  cfg.Logger,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultSessionTTL
	}
	if m.idBytes == 0 {
		m.idBytes = DefaultSessionIDLength
	}
	if m.idBytes < minSessionIDLength {
		return nil, fmt.Errorf("session id must be at least %d bytes", minSessionIDLength)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("session")

	return m, nil
}

// CreateSessionRequest names the local account a session is issued for.
type CreateSessionRequest struct {
	UserID   string
	Username string
	Provider string
	Instance string
	Metadata map[string]interface{}
	TTL      time.Duration // Optional: overrides the manager TTL
}

// Session is a live login session.
type Session struct {
	ID   string
	Data *storage.SessionData
}

// Create issues a new session with a fresh random id.
func (m *Manager) Create(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}

	id, err := NewID(m.idBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	ttl := m.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}

	s := &Session{
		ID: id,
		Data: &storage.SessionData{
			UserID:   req.UserID,
			Username: req.Username,
			Provider: req.Provider,
			Instance: req.Instance,
			Metadata: req.Metadata,
		},
	}
	if err := m.store.CreateSession(ctx, id, s.Data, ttl); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.logger.Debug("session created",
		zap.String("user_id", req.UserID),
		zap.String("instance", req.Instance),
		zap.Duration("ttl", ttl),
	)
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{ID: sessionID, Data: data}, nil
}

// Validate returns the data of a live session. An expired session is removed
// from the store and reported as ErrSessionExpired.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*storage.SessionData, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	data, err := m.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrSessionNotFound
	case errors.Is(err, storage.ErrExpired):
		m.expire(ctx, sessionID)
		return nil, ErrSessionExpired
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	// Not every store enforces expiry itself.
	if !data.ExpiresAt.After(time.Now()) {
		m.expire(ctx, sessionID)
		return nil, ErrSessionExpired
	}
	return data, nil
}

// Refresh moves the expiry of a live session to now plus the manager TTL.
func (m *Manager) Refresh(ctx context.Context, sessionID string) error {
	err := m.store.RefreshSession(ctx, sessionID, m.ttl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, storage.ErrExpired):
		return ErrSessionExpired
	default:
		return fmt.Errorf("failed to refresh session: %w", err)
	}
}

// Delete ends a session. Deleting an unknown session succeeds.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.logger.Debug("session deleted")
	return nil
}

// TTL returns the default lifetime of sessions created by m.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) expire(ctx context.Context, sessionID string) {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("failed to remove expired session", zap.Error(err))
	}
}

// NewID returns a URL-safe random identifier built from n random bytes.
func NewID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
