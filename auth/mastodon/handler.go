package mastodon

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/meysam81/go-auth-mastodon/middleware"
	"go.uber.org/zap"
)

// Flow is the login flow driven by Handler. *Manager implements it; the audit
// package wraps it.
type Flow interface {
	StartLogin(ctx context.Context, sessionID string, req StartRequest) (string, error)
	HandleCallback(ctx context.Context, sessionID string, params CallbackParams) (*CallbackResult, error)
}

// HandlerConfig configures the HTTP handler.
type HandlerConfig struct {
	Flow Flow

	// LoginPath is where failed logins are sent back to, with "error" and
	// "message" query parameters. Defaults to "/login".
	LoginPath string

	// DefaultRedirect is used after login when neither the provisioner nor
	// the request supplied a destination. Defaults to "/".
	DefaultRedirect string

	// SessionWriter hands the provisioned login session to the browser.
	// Optional: without it no login cookie is written.
	SessionWriter middleware.SessionTokenWriter

	Logger *zap.Logger // Optional
}

// Handler serves the start-login and callback endpoints. Both expect the
// middleware.FlowSession middleware in front of them.
type Handler struct {
	flow            Flow
	loginPath       string
	defaultRedirect string
	sessionWriter   middleware.SessionTokenWriter
	logger          *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Flow == nil {
		return nil, errors.New("flow is required")
	}

	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}

	defaultRedirect := SafeDestination(cfg.DefaultRedirect)
	if defaultRedirect == "" {
		defaultRedirect = "/"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		flow:            cfg.Flow,
		loginPath:       loginPath,
		defaultRedirect: defaultRedirect,
		sessionWriter:   cfg.SessionWriter,
		logger:          logger,
	}, nil
}

// Login starts a login. It reads the "instance" and "destination" form values
// and redirects the browser to the instance's authorization page.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.GetFlowSessionID(r)
	if !ok {
		h.logger.Error("login request without flow session")
		h.fail(w, r, errors.New("missing flow session"))
		return
	}

	authURL, err := h.flow.StartLogin(r.Context(), sessionID, StartRequest{
		Instance:    r.FormValue("instance"),
		Destination: r.FormValue("destination"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// Callback finishes a login and redirects to the post-login destination.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := middleware.GetFlowSessionID(r)

	result, err := h.flow.HandleCallback(r.Context(), sessionID, CallbackParamsFromQuery(r.URL.Query()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if h.sessionWriter != nil && result.Provision != nil && result.Provision.SessionID != "" {
		h.sessionWriter.Write(w, result.Provision.SessionID)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.redirectTarget(result), http.StatusSeeOther)
}

func (h *Handler) redirectTarget(result *CallbackResult) string {
	if result.Provision != nil {
		if dest := SafeDestination(result.Provision.RedirectURL); dest != "" {
			return dest
		}
	}
	if dest := SafeDestination(result.Destination); dest != "" {
		return dest
	}
	return h.defaultRedirect
}

// fail sends the browser back to the login page with a user-safe message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, message := Category(err)

	q := url.Values{}
	q.Set("error", code)
	q.Set("message", message)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.loginPath+"?"+q.Encode(), http.StatusSeeOther)
}

// CookieMaxAge converts a session TTL into a cookie Max-Age.
func CookieMaxAge(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return int(ttl / time.Second)
}
