package middleware

import (
	"net/http"
	"time"

	"github.com/meysam81/go-auth-mastodon/session"
)

const (
	// DefaultFlowCookieName names the cookie carrying the flow session ID.
	DefaultFlowCookieName = "mastodon_flow"

	// DefaultFlowSessionIDBytes is the entropy of generated flow session IDs.
	DefaultFlowSessionIDBytes = 32
)

// FlowSessionConfig configures the flow-session middleware.
type FlowSessionConfig struct {
	CookieName string        // Optional: defaults to DefaultFlowCookieName
	Path       string        // Optional: defaults to "/"
	Domain     string        // Optional
	Secure     bool          // Set in production; requires HTTPS
	SameSite   http.SameSite // Optional: defaults to Lax so the callback redirect carries the cookie
	MaxAge     time.Duration // Optional: defaults to a browser-session cookie
}

// FlowSession gives every browser an opaque, random flow session ID and
// stores it in the request context. The login flow keys its transient state
// (CSRF state, access token, instance) on this ID.
//
// The cookie is only (re)issued when the browser does not present one, so a
// started login and its callback see the same ID.
func FlowSession(cfg FlowSessionConfig) func(http.Handler) http.Handler {
	writer := &CookieWriter{
		CookieName: cfg.CookieName,
		Path:       cfg.Path,
		Domain:     cfg.Domain,
		MaxAge:     int(cfg.MaxAge / time.Second),
		Secure:     cfg.Secure,
		HttpOnly:   true,
		SameSite:   cfg.SameSite,
	}
	if writer.CookieName == "" {
		writer.CookieName = DefaultFlowCookieName
	}
	if writer.Path == "" {
		writer.Path = "/"
	}
	if writer.SameSite == 0 || writer.SameSite == http.SameSiteDefaultMode {
		writer.SameSite = http.SameSiteLaxMode
	}
	extractor := &CookieExtractor{CookieName: writer.CookieName}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := extractor.Extract(r)
			if err != nil {
				id, err = session.NewID(DefaultFlowSessionIDBytes)
				if err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				writer.Write(w, id)
			}
			next.ServeHTTP(w, r.WithContext(WithFlowSessionID(r.Context(), id)))
		})
	}
}
