package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/meysam81/go-auth-mastodon/session"
)

// DefaultSessionCookieName is the cookie read by SessionMiddleware when no
// extractor is configured.
const DefaultSessionCookieName = "session_id"

// SessionConfig configures SessionMiddleware.
type SessionConfig struct {
	SessionManager *session.Manager
	Extractor      SessionTokenExtractor // Optional: defaults to the DefaultSessionCookieName cookie
	ErrorHandler   ErrorHandler          // Optional: defaults to DefaultErrorHandler

	// RefreshWithin slides the expiry of a session that has less than this
	// much time left. Zero keeps fixed expiries.
	RefreshWithin time.Duration
}

// SessionMiddleware lets through only requests that carry a live login
// session, and exposes that session through the request context.
type SessionMiddleware struct {
	cfg SessionConfig
}

// NewSessionMiddleware creates a SessionMiddleware.
func NewSessionMiddleware(cfg SessionConfig) (*SessionMiddleware, error) {
	if cfg.SessionManager == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = &CookieExtractor{CookieName: DefaultSessionCookieName}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultErrorHandler
	}
	return &SessionMiddleware{cfg: cfg}, nil
}

func (m *SessionMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.cfg.Extractor.Extract(r)
		if err != nil {
			m.cfg.ErrorHandler(w, r, ErrUnauthorized)
			return
		}

		data, err := m.cfg.SessionManager.Validate(r.Context(), id)
		if err != nil {
			m.cfg.ErrorHandler(w, r, ErrUnauthorized)
			return
		}

		if m.cfg.RefreshWithin > 0 && time.Until(data.ExpiresAt) < m.cfg.RefreshWithin {
			// A failed refresh leaves the session valid until its old expiry.
			if err := m.cfg.SessionManager.Refresh(r.Context(), id); err == nil {
				if fresh, err := m.cfg.SessionManager.Validate(r.Context(), id); err == nil {
					data = fresh
				}
			}
		}

		ctx := WithSessionID(WithUserID(r.Context(), data.UserID), id)
		next.ServeHTTP(w, r.WithContext(withSessionData(ctx, data)))
	})
}
