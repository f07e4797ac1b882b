// Package storage provides interfaces for persistent and ephemeral data storage.
// Users of the go-auth-mastodon library may implement these interfaces to provide
// their preferred storage backends (e.g., PostgreSQL, Redis), or use the
// in-memory and Redis implementations shipped here.
package storage

import (
	"context"
	"time"
)

// UserStore defines the interface for persistent user identity storage.
//
// Federated identities are looked up by (provider, instance, subject): the
// same account id on two Mastodon instances belongs to two different people.
type UserStore interface {
	// CreateUser creates a new user with the given identity.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByID retrieves a user by their unique identifier.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUserByIdentity retrieves the user linked to a provider account.
	GetUserByIdentity(ctx context.Context, provider, instance, subject string) (*User, error)

	// UpdateUser updates an existing user's profile fields.
	UpdateUser(ctx context.Context, user *User) error

	// DeleteUser removes a user by their ID.
	DeleteUser(ctx context.Context, id string) error
}

// SessionStore defines the interface for login session storage.
// This is typically implemented using in-memory stores, Redis, or similar.
type SessionStore interface {
	// CreateSession creates a new session with the given ID and data.
	// The session should expire after the specified TTL.
	CreateSession(ctx context.Context, sessionID string, data *SessionData, ttl time.Duration) error

	// GetSession retrieves session data by session ID.
	GetSession(ctx context.Context, sessionID string) (*SessionData, error)

	// DeleteSession removes a session by ID.
	DeleteSession(ctx context.Context, sessionID string) error

	// RefreshSession extends the TTL of an existing session.
	RefreshSession(ctx context.Context, sessionID string, ttl time.Duration) error
}

// FlowStateStore holds the transient values of an in-flight OAuth2 login,
// scoped to one browser session.
//
// Values are plain strings stored under (sessionID, key). A browser session
// only ever reads and writes its own keys.
type FlowStateStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, sessionID, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	// A ttl of zero or less means the value does not expire.
	Set(ctx context.Context, sessionID, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, sessionID string, keys ...string) error

	// Consume returns the value stored under key and removes it in one step,
	// or returns ErrNotFound. Of several concurrent calls for the same key at
	// most one gets the value.
	Consume(ctx context.Context, sessionID, key string) (string, error)
}

// User represents a local account linked to a Mastodon identity.
type User struct {
	ID        string                 `json:"id"`
	Username  string                 `json:"username,omitempty"` // acct, e.g. "alice@mastodon.social"
	Name      string                 `json:"name,omitempty"`
	AvatarURL string                 `json:"avatar_url,omitempty"`
	Provider  string                 `json:"provider"`
	Instance  string                 `json:"instance"`
	Subject   string                 `json:"subject"` // account id on Instance
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SessionData represents a logged-in session.
type SessionData struct {
	UserID    string                 `json:"user_id"`
	Username  string                 `json:"username,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Instance  string                 `json:"instance,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}
