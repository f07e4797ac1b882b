package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/meysam81/go-auth-mastodon/session"
	"github.com/meysam81/go-auth-mastodon/storage"
)

func TestCookieExtractor(t *testing.T) {
	extractor := &CookieExtractor{CookieName: "session_id"}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "test-session-123"})

	token, err := extractor.Extract(req)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if token != "test-session-123" {
		t.Errorf("Expected token 'test-session-123', got %s", token)
	}

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{name: "missing cookie"},
		{name: "wrong cookie name", cookie: &http.Cookie{Name: "wrong_name", Value: "value"}},
		{name: "empty value", cookie: &http.Cookie{Name: "session_id", Value: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			if _, err := extractor.Extract(req); err != ErrUnauthorized {
				t.Fatalf("Expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestHeaderExtractor(t *testing.T) {
	extractor := &HeaderExtractor{HeaderName: "Authorization", Scheme: "Bearer"}

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer test-token-123", want: "test-token-123"},
		{name: "lowercase scheme", header: "bearer test-token-123", want: "test-token-123"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "no separator", header: "Bearertoken", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			token, err := extractor.Extract(req)
			if tt.wantErr {
				if err != ErrUnauthorized {
					t.Fatalf("Expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if token != tt.want {
				t.Errorf("Expected token %q, got %q", tt.want, token)
			}
		})
	}

	raw := &HeaderExtractor{HeaderName: "X-Flow-Session"}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Flow-Session", "flow-value")
	token, err := raw.Extract(req)
	if err != nil || token != "flow-value" {
		t.Fatalf("Expected 'flow-value', got %q (%v)", token, err)
	}
}

func TestMultiExtractor(t *testing.T) {
	multi := &MultiExtractor{
		Extractors: []SessionTokenExtractor{
			&HeaderExtractor{HeaderName: "Authorization", Scheme: "Bearer"},
			&CookieExtractor{CookieName: "session_id"},
		},
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "cookie-token"})
	token, err := multi.Extract(req)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if token != "header-token" {
		t.Errorf("Expected first extractor's token 'header-token', got %s", token)
	}

	reqCookie := httptest.NewRequest("GET", "/", nil)
	reqCookie.AddCookie(&http.Cookie{Name: "session_id", Value: "cookie-token"})
	token, err = multi.Extract(reqCookie)
	if err != nil || token != "cookie-token" {
		t.Fatalf("Expected fallback token 'cookie-token', got %q (%v)", token, err)
	}

	if _, err := multi.Extract(httptest.NewRequest("GET", "/", nil)); err != ErrUnauthorized {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestCookieWriter(t *testing.T) {
	writer := &CookieWriter{
		CookieName: "session_id",
		Path:       "/",
		Domain:     "example.com",
		MaxAge:     3600,
		Secure:     true,
		HttpOnly:   true,
		SameSite:   http.SameSiteStrictMode,
	}

	rw := httptest.NewRecorder()
	writer.Write(rw, "test-session-token")

	cookies := rw.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected 1 cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "session_id" || cookie.Value != "test-session-token" {
		t.Errorf("Expected session_id=test-session-token, got %s=%s", cookie.Name, cookie.Value)
	}
	if cookie.Domain != "example.com" {
		t.Errorf("Expected domain 'example.com', got %s", cookie.Domain)
	}
	if cookie.MaxAge != 3600 {
		t.Errorf("Expected MaxAge 3600, got %d", cookie.MaxAge)
	}
	if !cookie.Secure || !cookie.HttpOnly {
		t.Error("Expected Secure and HttpOnly to be set")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("Expected SameSite Strict, got %v", cookie.SameSite)
	}

	rwClear := httptest.NewRecorder()
	writer.Clear(rwClear)

	clearCookies := rwClear.Result().Cookies()
	if len(clearCookies) != 1 {
		t.Fatalf("Expected 1 cookie, got %d", len(clearCookies))
	}
	if clearCookies[0].Value != "" {
		t.Errorf("Expected empty value, got %s", clearCookies[0].Value)
	}
	if clearCookies[0].MaxAge != -1 {
		t.Errorf("Expected MaxAge -1, got %d", clearCookies[0].MaxAge)
	}
}

func TestDefaultErrorHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)

	rw := httptest.NewRecorder()
	DefaultErrorHandler(rw, req, ErrUnauthorized)
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rw.Code)
	}
	if !strings.Contains(rw.Body.String(), "Unauthorized") {
		t.Errorf("Expected body to contain 'Unauthorized', got %s", rw.Body.String())
	}

	if got := rw.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("Expected Bearer challenge, got %q", got)
	}
}

func TestRedirectToLogin(t *testing.T) {
	handler := RedirectToLogin("/login")

	rw := httptest.NewRecorder()
	handler(rw, httptest.NewRequest("GET", "/settings?tab=profile", nil), ErrUnauthorized)

	if rw.Code != http.StatusSeeOther {
		t.Fatalf("Expected status 303, got %d", rw.Code)
	}
	loc, err := url.Parse(rw.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Expected valid Location, got %v", err)
	}
	if loc.Path != "/login" {
		t.Errorf("Expected redirect to /login, got %s", loc.Path)
	}
	if got := loc.Query().Get("destination"); got != "/settings?tab=profile" {
		t.Errorf("Expected destination '/settings?tab=profile', got %q", got)
	}

	rwPost := httptest.NewRecorder()
	handler(rwPost, httptest.NewRequest("POST", "/settings", nil), ErrUnauthorized)
	if got := rwPost.Header().Get("Location"); got != "/login" {
		t.Errorf("Expected bare /login for POST, got %q", got)
	}
}

func TestFlowSessionIssuesCookie(t *testing.T) {
	var seen string
	handler := FlowSession(FlowSessionConfig{Secure: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetFlowSessionID(r)
	}))

	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, httptest.NewRequest("GET", "/login", nil))

	if seen == "" {
		t.Fatal("Expected a flow session ID in the context")
	}
	cookies := rw.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected 1 cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != DefaultFlowCookieName {
		t.Errorf("Expected cookie %q, got %q", DefaultFlowCookieName, cookie.Name)
	}
	if cookie.Value != seen {
		t.Errorf("Expected cookie value %q, got %q", seen, cookie.Value)
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Error("Expected HttpOnly and Secure flow cookie")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("Expected SameSite Lax, got %v", cookie.SameSite)
	}
	if cookie.Path != "/" {
		t.Errorf("Expected path '/', got %s", cookie.Path)
	}
}

func TestFlowSessionReusesCookie(t *testing.T) {
	var seen string
	handler := FlowSession(FlowSessionConfig{CookieName: "flow"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetFlowSessionID(r)
	}))

	req := httptest.NewRequest("GET", "/callback", nil)
	req.AddCookie(&http.Cookie{Name: "flow", Value: "existing-id"})
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	if seen != "existing-id" {
		t.Errorf("Expected existing flow ID, got %q", seen)
	}
	if len(rw.Result().Cookies()) != 0 {
		t.Error("Expected no cookie to be reissued")
	}
}

func TestFlowSessionIDsAreUnique(t *testing.T) {
	ids := make(map[string]bool)
	handler := FlowSession(FlowSessionConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := GetFlowSessionID(r)
		ids[id] = true
	}))
	for i := 0; i < 50; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	if len(ids) != 50 {
		t.Errorf("Expected 50 unique flow IDs, got %d", len(ids))
	}
}

func TestSessionMiddleware(t *testing.T) {
	ctx := context.Background()
	manager, err := session.NewManager(session.Config{Store: storage.NewInMemorySessionStore()})
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}
	sess, err := manager.Create(ctx, session.CreateSessionRequest{
		UserID:   "user-1",
		Username: "alice@mastodon.social",
		Provider: "mastodon",
		Instance: "mastodon.social",
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	mw, err := NewSessionMiddleware(SessionConfig{SessionManager: manager})
	if err != nil {
		t.Fatalf("Failed to create middleware: %v", err)
	}

	var gotUser string
	var gotData *storage.SessionData
	protected := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUserID(r)
		gotData, _ = GetSessionData(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/me", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: sess.ID})
	rw := httptest.NewRecorder()
	protected.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rw.Code)
	}
	if gotUser != "user-1" {
		t.Errorf("Expected user 'user-1', got %q", gotUser)
	}
	if gotData == nil || gotData.Instance != "mastodon.social" {
		t.Errorf("Expected session data for mastodon.social, got %+v", gotData)
	}

	reqBad := httptest.NewRequest("GET", "/me", nil)
	reqBad.AddCookie(&http.Cookie{Name: "session_id", Value: "unknown"})
	rwBad := httptest.NewRecorder()
	protected.ServeHTTP(rwBad, reqBad)
	if rwBad.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rwBad.Code)
	}
}

func TestSessionMiddlewareSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	manager, err := session.NewManager(session.Config{Store: storage.NewInMemorySessionStore()})
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}
	sess, err := manager.Create(ctx, session.CreateSessionRequest{UserID: "user-1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	mw, err := NewSessionMiddleware(SessionConfig{SessionManager: manager, RefreshWithin: time.Hour})
	if err != nil {
		t.Fatalf("Failed to create middleware: %v", err)
	}

	var gotData *storage.SessionData
	protected := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotData, _ = GetSessionData(r)
	}))

	req := httptest.NewRequest("GET", "/me", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: sess.ID})
	protected.ServeHTTP(httptest.NewRecorder(), req)

	if gotData == nil {
		t.Fatal("Expected session data in context")
	}
	if time.Until(gotData.ExpiresAt) < time.Hour {
		t.Errorf("Expected expiry to slide to the manager TTL, got %v", gotData.ExpiresAt)
	}
}

func TestSessionMiddlewareAcceptsBearerOrCookie(t *testing.T) {
	ctx := context.Background()
	manager, err := session.NewManager(session.Config{Store: storage.NewInMemorySessionStore()})
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}
	sess, err := manager.Create(ctx, session.CreateSessionRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	mw, err := NewSessionMiddleware(SessionConfig{
		SessionManager: manager,
		Extractor: &MultiExtractor{Extractors: []SessionTokenExtractor{
			&HeaderExtractor{HeaderName: "Authorization", Scheme: "Bearer"},
			&CookieExtractor{CookieName: DefaultSessionCookieName},
		}},
		ErrorHandler: DefaultErrorHandler,
	})
	if err != nil {
		t.Fatalf("Failed to create middleware: %v", err)
	}
	protected := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, _ := GetUserID(r); id != "user-1" {
			t.Errorf("Expected user-1, got %q", id)
		}
	}))

	bearer := httptest.NewRequest("GET", "/api/me", nil)
	bearer.Header.Set("Authorization", "Bearer "+sess.ID)
	rw := httptest.NewRecorder()
	protected.ServeHTTP(rw, bearer)
	if rw.Code != http.StatusOK {
		t.Errorf("Expected status 200 with bearer session, got %d", rw.Code)
	}

	cookie := httptest.NewRequest("GET", "/api/me", nil)
	cookie.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: sess.ID})
	rw = httptest.NewRecorder()
	protected.ServeHTTP(rw, cookie)
	if rw.Code != http.StatusOK {
		t.Errorf("Expected status 200 with cookie session, got %d", rw.Code)
	}

	rw = httptest.NewRecorder()
	protected.ServeHTTP(rw, httptest.NewRequest("GET", "/api/me", nil))
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without session, got %d", rw.Code)
	}
	if rw.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("Expected Bearer challenge, got %q", rw.Header().Get("WWW-Authenticate"))
	}
}

func TestNewSessionMiddlewareRequiresManager(t *testing.T) {
	if _, err := NewSessionMiddleware(SessionConfig{}); err == nil {
		t.Fatal("Expected error for missing session manager")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := WithUserID(context.Background(), "user456")
	ctx = WithSessionID(ctx, "session456")
	ctx = WithFlowSessionID(ctx, "flow456")
	req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)

	if id, ok := GetUserID(req); !ok || id != "user456" {
		t.Errorf("Expected user ID 'user456', got %q", id)
	}
	if id, ok := GetSessionID(req); !ok || id != "session456" {
		t.Errorf("Expected session ID 'session456', got %q", id)
	}
	if id, ok := GetFlowSessionID(req); !ok || id != "flow456" {
		t.Errorf("Expected flow session ID 'flow456', got %q", id)
	}

	empty := httptest.NewRequest("GET", "/", nil)
	if _, ok := GetUserID(empty); ok {
		t.Error("Expected user ID to not be found")
	}
	if _, ok := GetFlowSessionID(empty); ok {
		t.Error("Expected flow session ID to not be found")
	}
}
