package provider

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrConfiguration is returned when client credentials or the instance
	// host are missing or invalid. The login attempt cannot proceed.
	ErrConfiguration = errors.New("mastodon provider is not configured")

	// ErrInvalidInstance is returned when a Mastodon instance host is malformed.
	ErrInvalidInstance = errors.New("invalid mastodon instance")
)

const (
	// DefaultHTTPTimeout bounds every outbound call to a Mastodon instance.
	DefaultHTTPTimeout = 10 * time.Second

	// BaselineScope is always requested so the account can be read back.
	BaselineScope = "read:accounts"
)

// DefaultScopes are requested after the baseline scope on every login.
var DefaultScopes = []string{"read", "write"}

var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var validate = validator.New()

// Config holds the administrator settings for Mastodon login.
//
// Config is a plain value: it is read once when a flow starts and never
// mutated by the login flow itself.
type Config struct {
	// ClientID and ClientSecret come from the application registered on the
	// Mastodon instance (Preferences > Development).
	ClientID     string `env:"MASTODON_CLIENT_ID" validate:"required"`
	ClientSecret string `env:"MASTODON_CLIENT_SECRET" validate:"required"`

	// Instance is the default instance host. When PinInstance is set it is
	// the only instance users may log in with.
	Instance    string `env:"MASTODON_INSTANCE" validate:"required_if=PinInstance true"`
	PinInstance bool   `env:"MASTODON_PIN_INSTANCE"`

	// Scopes are requested in addition to BaselineScope and DefaultScopes.
	Scopes []string `env:"MASTODON_SCOPES" envSeparator:","`

	// Endpoints lists extra API calls made on a user's first login, one
	// "path|label" pair per entry.
	Endpoints []string `env:"MASTODON_ENDPOINTS" envSeparator:"\n"`

	// RedirectURL is the absolute callback URL registered with the instance.
	RedirectURL string `env:"MASTODON_REDIRECT_URL" validate:"required,url"`

	// ProxyURL routes outbound provider requests through an HTTP proxy.
	ProxyURL string `env:"MASTODON_PROXY_URL" validate:"omitempty,url"`

	HTTPTimeout time.Duration `env:"MASTODON_HTTP_TIMEOUT" envDefault:"10s"`
}

// Endpoint is an additional API call whose response is attached to a new
// account under Label.
type Endpoint struct {
	Path  string
	Label string
}

// LoadConfigFromEnv reads the Mastodon settings from MASTODON_* environment
// variables. Values are trimmed; the result is not validated.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse mastodon config: %w", err)
	}

	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	cfg.Instance = strings.TrimSpace(cfg.Instance)
	cfg.RedirectURL = strings.TrimSpace(cfg.RedirectURL)
	cfg.ProxyURL = strings.TrimSpace(cfg.ProxyURL)
	cfg.Scopes = trimList(cfg.Scopes)
	cfg.Endpoints = trimList(cfg.Endpoints)

	return cfg, nil
}

// Validate checks that the configuration can start a login flow.
// All failures wrap ErrConfiguration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("%w: client id and client secret are required", ErrConfiguration)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if c.PinInstance {
		if _, err := NormalizeInstance(c.Instance); err != nil {
			return fmt.Errorf("%w: pinned instance: %v", ErrConfiguration, err)
		}
	}

	return nil
}

// ResolveInstanceHost returns the instance host a login attempt must use.
//
// A pinned instance always wins and the requested host is ignored. Otherwise
// the requested host is used, falling back to the configured default.
// Missing credentials or a missing host yield ErrConfiguration; a malformed
// host yields ErrInvalidInstance.
func (c Config) ResolveInstanceHost(requested string) (string, error) {
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
		return "", fmt.Errorf("%w: client id and client secret are required", ErrConfiguration)
	}

	if c.PinInstance {
		if strings.TrimSpace(c.Instance) == "" {
			return "", fmt.Errorf("%w: instance is pinned but not set", ErrConfiguration)
		}
		host, err := NormalizeInstance(c.Instance)
		if err != nil {
			return "", fmt.Errorf("%w: pinned instance: %v", ErrConfiguration, err)
		}
		return host, nil
	}

	candidate := strings.TrimSpace(requested)
	if candidate == "" {
		candidate = strings.TrimSpace(c.Instance)
	}
	if candidate == "" {
		return "", fmt.Errorf("%w: no instance selected", ErrConfiguration)
	}

	return NormalizeInstance(candidate)
}

// NormalizeInstance reduces user input such as "https://Mastodon.Social/about"
// to a bare authority ("mastodon.social"). A port is kept when present.
func NormalizeInstance(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidInstance)
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInstance, u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials are not allowed in the host", ErrInvalidInstance)
	}

	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if hostname == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidInstance)
	}
	if net.ParseIP(hostname) == nil && !hostnamePattern.MatchString(hostname) {
		return "", fmt.Errorf("%w: %q is not a valid hostname", ErrInvalidInstance, hostname)
	}

	port := u.Port()
	if port == "" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]", nil
		}
		return hostname, nil
	}
	if !validPort(port) {
		return "", fmt.Errorf("%w: invalid port %q", ErrInvalidInstance, port)
	}

	return net.JoinHostPort(hostname, port), nil
}

// BuildScopes returns the baseline scope, the default scopes and extra in
// that order, without duplicates or blanks.
func BuildScopes(extra []string) []string {
	scopes := make([]string, 0, 1+len(DefaultScopes)+len(extra))
	seen := make(map[string]struct{})

	add := func(scope string) {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			return
		}
		if _, ok := seen[scope]; ok {
			return
		}
		seen[scope] = struct{}{}
		scopes = append(scopes, scope)
	}

	add(BaselineScope)
	for _, s := range DefaultScopes {
		add(s)
	}
	for _, s := range extra {
		add(s)
	}

	return scopes
}

// ExtraEndpoints parses the configured "path|label" pairs. Entries without a
// leading slash or without a label are skipped.
func (c Config) ExtraEndpoints() []Endpoint {
	endpoints := make([]Endpoint, 0, len(c.Endpoints))
	for _, line := range c.Endpoints {
		path, label, ok := strings.Cut(strings.TrimSpace(line), "|")
		if !ok {
			continue
		}
		path = strings.TrimSpace(path)
		label = strings.TrimSpace(label)
		if label == "" || !strings.HasPrefix(path, "/") {
			continue
		}
		endpoints = append(endpoints, Endpoint{Path: path, Label: label})
	}
	return endpoints
}

func validPort(port string) bool {
	if len(port) == 0 || len(port) > 5 {
		return false
	}
	n := 0
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n > 0 && n <= 65535
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
