package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a user, session or flow value does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an id or a linked identity is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired is returned for a session past its expiry.
	ErrExpired = errors.New("expired")

	// ErrIdentityChanged is returned when an update would relink a user to
	// another Mastodon account.
	ErrIdentityChanged = errors.New("linked identity cannot change")
)

// identity is the federated key of a user: the same subject on two
// instances belongs to two different people.
type identity struct {
	provider, instance, subject string
}

func identityOf(u *User) identity {
	return identity{provider: u.Provider, instance: u.Instance, subject: u.Subject}
}

// InMemoryUserStore keeps users in process memory. Values are copied on the
// way in and out so callers never share the stored record.
// Intended for tests and single-process deployments.
type InMemoryUserStore struct {
	mu         sync.RWMutex
	users      map[string]User
	byIdentity map[identity]string
}

// NewInMemoryUserStore returns an empty user store.
func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:      make(map[string]User),
		byIdentity: make(map[identity]string),
	}
}

// CreateUser stores user and stamps its CreatedAt and UpdatedAt.
func (s *InMemoryUserStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := identityOf(user)
	if _, taken := s.users[user.ID]; taken {
		return ErrAlreadyExists
	}
	if _, taken := s.byIdentity[id]; taken {
		return ErrAlreadyExists
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	s.users[user.ID] = cloneUser(user)
	s.byIdentity[id] = user.ID
	return nil
}

func (s *InMemoryUserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneUser(&u)
	return &out, nil
}

func (s *InMemoryUserStore) GetUserByIdentity(ctx context.Context, provider, instance, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byIdentity[identity{provider: provider, instance: instance, subject: subject}]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.users[userID]
	out := cloneUser(&u)
	return &out, nil
}

// UpdateUser replaces the profile fields of an existing user. CreatedAt is
// preserved and the linked identity must stay the same.
func (s *InMemoryUserStore) UpdateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	if identityOf(&current) != identityOf(user) {
		return ErrIdentityChanged
	}

	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = time.Now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *InMemoryUserStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byIdentity, identityOf(&u))
	delete(s.users, id)
	return nil
}

// InMemorySessionStore keeps login sessions in process memory. Expired
// sessions are reported as ErrExpired until they are purged; Purge runs on
// every CreateSession.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]SessionData
}

// NewInMemorySessionStore returns an empty session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]SessionData)}
}

// CreateSession stores data under sessionID and stamps its CreatedAt and
// ExpiresAt.
func (s *InMemorySessionStore) CreateSession(ctx context.Context, sessionID string, data *SessionData, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.purge(now)

	if _, taken := s.sessions[sessionID]; taken {
		return ErrAlreadyExists
	}

	data.CreatedAt = now
	data.ExpiresAt = now.Add(ttl)
	s.sessions[sessionID] = cloneSession(data)
	return nil
}

func (s *InMemorySessionStore) GetSession(ctx context.Context, sessionID string) (*SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !data.ExpiresAt.After(time.Now()) {
		return nil, ErrExpired
	}
	out := cloneSession(&data)
	return &out, nil
}

// DeleteSession removes a session. Unknown ids are not an error.
func (s *InMemorySessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// RefreshSession moves the expiry of a live session to now+ttl.
func (s *InMemorySessionStore) RefreshSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	if !data.ExpiresAt.After(now) {
		return ErrExpired
	}

	data.ExpiresAt = now.Add(ttl)
	s.sessions[sessionID] = data
	return nil
}

// Purge drops every expired session and reports how many were removed.
func (s *InMemorySessionStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purge(time.Now())
}

func (s *InMemorySessionStore) purge(now time.Time) int {
	n := 0
	for id, data := range s.sessions {
		if !data.ExpiresAt.After(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func cloneUser(u *User) User {
	out := *u
	out.Metadata = cloneMap(u.Metadata)
	return out
}

func cloneSession(d *SessionData) SessionData {
	out := *d
	out.Metadata = cloneMap(d.Metadata)
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
