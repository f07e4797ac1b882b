// Package middleware provides the HTTP plumbing around a Mastodon login:
// the anonymous flow-session cookie the login flow keys its state on, and
// guards for pages that need a logged-in user.
// Everything is a plain func(http.Handler) http.Handler, so it works with any
// Go HTTP router.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/meysam81/go-auth-mastodon/storage"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	sessionIDKey
	sessionDataKey
	flowSessionIDKey
)

// ErrUnauthorized means the request carries no usable login session.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorHandler answers a request that a guard rejected with err.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DefaultErrorHandler answers with a bare 401 and a Bearer challenge, which
// suits API clients sending the session id in a header.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// RedirectToLogin returns an ErrorHandler that sends the browser to loginPath,
// remembering the requested page as the post-login destination.
func RedirectToLogin(loginPath string) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		target := loginPath
		if r.Method == http.MethodGet {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + "destination=" + url.QueryEscape(r.URL.RequestURI())
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}

// SessionTokenExtractor finds the login session id in a request.
// It returns ErrUnauthorized when there is none.
type SessionTokenExtractor interface {
	Extract(r *http.Request) (string, error)
}

// CookieExtractor reads the session id from a cookie.
type CookieExtractor struct {
	CookieName string
}

func (e *CookieExtractor) Extract(r *http.Request) (string, error) {
	c, err := r.Cookie(e.CookieName)
	if err != nil || c.Value == "" {
		return "", ErrUnauthorized
	}
	return c.Value, nil
}

// HeaderExtractor reads the session id from a header, for API clients that
// cannot keep cookies. With a Scheme set the header must look like
// "<Scheme> <id>"; the scheme is matched case-insensitively.
type HeaderExtractor struct {
	HeaderName string
	Scheme     string
}

func (e *HeaderExtractor) Extract(r *http.Request) (string, error) {
	value := r.Header.Get(e.HeaderName)
	if value == "" {
		return "", ErrUnauthorized
	}
	if e.Scheme == "" {
		return value, nil
	}

	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, e.Scheme) || token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// MultiExtractor returns the first id found by its Extractors.
type MultiExtractor struct {
	Extractors []SessionTokenExtractor
}

func (e *MultiExtractor) Extract(r *http.Request) (string, error) {
	for _, ex := range e.Extractors {
		if id, err := ex.Extract(r); err == nil {
			return id, nil
		}
	}
	return "", ErrUnauthorized
}

// SessionTokenWriter hands a new login session id to the browser, or takes
// it away on logout.
type SessionTokenWriter interface {
	Write(w http.ResponseWriter, token string)
	Clear(w http.ResponseWriter)
}

// CookieWriter stores the login session id in a cookie.
type CookieWriter struct {
	CookieName string
	Path       string
	Domain     string
	MaxAge     int // seconds; zero makes a browser-session cookie
	Secure     bool
	HttpOnly   bool
	SameSite   http.SameSite
}

func (w *CookieWriter) Write(rw http.ResponseWriter, token string) {
	http.SetCookie(rw, w.cookie(token, w.MaxAge))
}

func (w *CookieWriter) Clear(rw http.ResponseWriter) {
	http.SetCookie(rw, w.cookie("", -1))
}

func (w *CookieWriter) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     w.CookieName,
		Value:    value,
		Path:     w.Path,
		Domain:   w.Domain,
		MaxAge:   maxAge,
		Secure:   w.Secure,
		HttpOnly: w.HttpOnly,
		SameSite: w.SameSite,
	}
}

// GetUserID returns the local user id set by SessionMiddleware.
func GetUserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok
}

// GetSessionID returns the login session id set by SessionMiddleware.
func GetSessionID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(sessionIDKey).(string)
	return id, ok
}

// GetSessionData returns the login session set by SessionMiddleware.
func GetSessionData(r *http.Request) (*storage.SessionData, bool) {
	data, ok := r.Context().Value(sessionDataKey).(*storage.SessionData)
	return data, ok
}

// GetFlowSessionID returns the flow session id set by FlowSession.
func GetFlowSessionID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(flowSessionIDKey).(string)
	return id, ok && id != ""
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithFlowSessionID attaches a flow session id, as FlowSession does. Useful
// in tests and when the id comes from somewhere other than a cookie.
func WithFlowSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowSessionIDKey, id)
}

func withSessionData(ctx context.Context, data *storage.SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey, data)
}
