package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthentication is returned when the instance rejects the authorization
	// code or the token request cannot be completed.
	ErrAuthentication = errors.New("failed to exchange authorization code")

	// ErrProfileFetch is returned when the authenticated account cannot be read.
	ErrProfileFetch = errors.New("failed to fetch mastodon profile")
)

const (
	authorizePath         = "/oauth/authorize"
	tokenPath             = "/oauth/token"
	verifyCredentialsPath = "/api/v1/accounts/verify_credentials"

	// stateBytes yields 256 bits of entropy per state token.
	stateBytes = 32

	maxErrorBody = 4 << 10
)

// Profile is the account returned by verify_credentials.
//
// Mastodon does not expose the account's email address to OAuth clients, so
// Profile has no email field.
type Profile struct {
	ID          string
	Username    string
	Acct        string
	DisplayName string
	Avatar      string
	URL         string
	Raw         map[string]interface{}
}

// Client talks OAuth2 to a single Mastodon instance.
//
// A Client is bound to the instance host it was built for; federated logins
// build one Client per attempt. It is safe for concurrent use.
type Client struct {
	host         string
	oauth2Config *oauth2.Config
	httpClient   *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for every call to the instance.
// The proxy and timeout settings from Config are not applied to it.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient builds a Client for host from cfg.
//
// It returns an error wrapping ErrConfiguration when cfg is incomplete and
// ErrInvalidInstance when host is malformed.
//
// Example:
//
//	host, err := cfg.ResolveInstanceHost(r.URL.Query().Get("instance"))
//	if err != nil {
//	    return err
//	}
//	client, err := provider.NewClient(cfg, host)
func NewClient(cfg Config, host string, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	normalized, err := NormalizeInstance(host)
	if err != nil {
		return nil, err
	}

	base := "https://" + normalized
	c := &Client{
		host: normalized,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + authorizePath,
				TokenURL:  base + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: BuildScopes(cfg.Scopes),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		hc, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		c.httpClient = hc
	}

	return c, nil
}

// Host returns the instance host, e.g. "mastodon.social".
func (c *Client) Host() string {
	return c.host
}

// InstanceURL returns the base URL of the instance.
func (c *Client) InstanceURL() string {
	return "https://" + c.host
}

// AuthorizationURL returns the URL to send the browser to and the fresh state
// token embedded in it. Every call generates a new state.
//
// The requested scopes are BaselineScope, DefaultScopes and extraScopes, in
// that order and de-duplicated.
func (c *Client) AuthorizationURL(extraScopes []string) (string, string, error) {
	state, err := generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	cfg := *c.oauth2Config
	cfg.Scopes = BuildScopes(extraScopes)

	return cfg.AuthCodeURL(state), state, nil
}

// Exchange redeems an authorization code for an access token. The token
// endpoint is called exactly once.
//
// Failures wrap ErrAuthentication. The instance's error code and description
// are part of the error text for server-side logs; do not show them to users.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrAuthentication)
	}

	token, err := c.oauth2Config.Exchange(c.context(ctx), code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, fmt.Errorf("%w: %s %s (status %d)", ErrAuthentication, rErr.ErrorCode, rErr.ErrorDescription, statusOf(rErr.Response))
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrAuthentication)
	}

	return token, nil
}

// FetchProfile reads the account that owns token.
func (c *Client) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	var data map[string]interface{}
	if err := c.getJSON(ctx, http.MethodGet, c.InstanceURL()+verifyCredentialsPath, token, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileFetch, err)
	}

	profile := extractProfile(data)
	if profile.ID == "" {
		return nil, fmt.Errorf("%w: account has no id", ErrProfileFetch)
	}

	return profile, nil
}

// FetchEndpoint performs an authenticated call to path and returns the decoded
// JSON body. Numbers are decoded as json.Number. domain overrides the instance URL when set, e.g. to call a
// different server that accepts the same token.
func (c *Client) FetchEndpoint(ctx context.Context, method, path string, token *oauth2.Token, domain string) (interface{}, error) {
	if method == "" {
		method = http.MethodGet
	}

	base := c.InstanceURL()
	if domain != "" {
		u, err := url.Parse(domain)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint domain %q", domain)
		}
		base = strings.TrimRight(domain, "/")
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var out interface{}
	if err := c.getJSON(ctx, method, base+path, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BearerToken wraps a stored access token for use with FetchProfile and
// FetchEndpoint.
func BearerToken(accessToken string) *oauth2.Token {
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
}

func (c *Client) getJSON(ctx context.Context, method, rawURL string, token *oauth2.Token, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != nil {
		token.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("request to %s failed with status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}

	return nil
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func extractProfile(data map[string]interface{}) *Profile {
	profile := &Profile{Raw: data}

	// Mastodon ids are strings; some forks send numbers, which getJSON keeps
	// as json.Number so snowflake ids above 2^53 stay exact.
	switch id := data["id"].(type) {
	case string:
		profile.ID = id
	case json.Number:
		profile.ID = id.String()
	}

	if username, ok := data["username"].(string); ok {
		profile.Username = username
	}
	if acct, ok := data["acct"].(string); ok {
		profile.Acct = acct
	}
	if displayName, ok := data["display_name"].(string); ok {
		profile.DisplayName = displayName
	}
	if avatar, ok := data["avatar"].(string); ok {
		profile.Avatar = avatar
	}
	if u, ok := data["url"].(string); ok {
		profile.URL = u
	}

	return profile
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid proxy url: %v", ErrConfiguration, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// generateState generates a cryptographically secure state parameter.
func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
