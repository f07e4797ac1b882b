// Package mastodon implements "Login with Mastodon": the OAuth2
// authorization-code flow against a federated Mastodon instance.
//
// A Manager starts a login by redirecting the browser to the instance and
// finishes it on the callback: it checks the CSRF state, exchanges the code,
// reads the account and hands a NormalizedProfile to a UserProvisioner.
// Transient flow values live in a storage.FlowStateStore keyed by an opaque
// browser session id supplied by the caller.
package mastodon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meysam81/go-auth-mastodon/metrics"
	"github.com/meysam81/go-auth-mastodon/provider"
	"github.com/meysam81/go-auth-mastodon/storage"
	"go.uber.org/zap"
)

const (
	// DefaultStateTTL bounds how long a started login may wait for its callback.
	DefaultStateTTL = 10 * time.Minute

	// DefaultTokenTTL is how long the access token is kept in the session.
	DefaultTokenTTL = 24 * time.Hour
)

// Config configures the Manager.
type Config struct {
	Provider    provider.Config
	StateStore  storage.FlowStateStore
	Provisioner UserProvisioner

	Logger        *zap.Logger             // Optional: defaults to a no-op logger
	Metrics       *metrics.Collector      // Optional
	StateTTL      time.Duration           // Optional: defaults to DefaultStateTTL
	TokenTTL      time.Duration           // Optional: defaults to DefaultTokenTTL
	ClientOptions []provider.ClientOption // Optional: applied to every provider.Client
}

// Manager runs Mastodon login flows. It holds no per-flow state of its own
// and is safe for concurrent use.
type Manager struct {
	cfg         provider.Config
	store       storage.FlowStateStore
	provisioner UserProvisioner
	logger      *zap.Logger
	metrics     *metrics.Collector
	stateTTL    time.Duration
	tokenTTL    time.Duration
	clientOpts  []provider.ClientOption
}

// NewManager creates a new Manager.
//
// The provider configuration is not validated here: an incomplete
// configuration fails each login attempt with provider.ErrConfiguration so
// users see a "not configured" message instead of the application failing
// to start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.StateStore == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Provisioner == nil {
		return nil, errors.New("user provisioner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stateTTL := cfg.StateTTL
	if stateTTL == 0 {
		stateTTL = DefaultStateTTL
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = DefaultTokenTTL
	}

	return &Manager{
		cfg:         cfg.Provider,
		store:       cfg.StateStore,
		provisioner: cfg.Provisioner,
		logger:      logger.With(zap.String("provider", ProviderName)),
		metrics:     cfg.Metrics,
		stateTTL:    stateTTL,
		tokenTTL:    tokenTTL,
		clientOpts:  cfg.ClientOptions,
	}, nil
}

// StartLogin begins a login for the browser session and returns the
// authorization URL to redirect to.
//
// A fresh state token replaces any pending one, so only the most recent
// start-login of a session can complete.
func (m *Manager) StartLogin(ctx context.Context, sessionID string, req StartRequest) (string, error) {
	authURL, err := m.startLogin(ctx, sessionID, req)
	if err != nil {
		code, _ := Category(err)
		m.metrics.LoginStarted(code)
		return "", err
	}
	m.metrics.LoginStarted("redirected")
	return authURL, nil
}

func (m *Manager) startLogin(ctx context.Context, sessionID string, req StartRequest) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}

	host, err := m.cfg.ResolveInstanceHost(req.Instance)
	if err != nil {
		m.logger.Warn("cannot start login", zap.String("requested_instance", req.Instance), zap.Error(err))
		return "", err
	}

	client, err := m.client(host)
	if err != nil {
		m.logger.Warn("cannot build mastodon client", zap.String("instance", host), zap.Error(err))
		return "", err
	}

	authURL, state, err := client.AuthorizationURL(m.cfg.Scopes)
	if err != nil {
		return "", err
	}

	if err := m.store.Delete(ctx, sessionID, KeyAccessToken, KeyDestination); err != nil {
		return "", fmt.Errorf("failed to reset flow state: %w", err)
	}
	if dest := SafeDestination(req.Destination); dest != "" {
		if err := m.store.Set(ctx, sessionID, KeyDestination, dest, m.stateTTL); err != nil {
			return "", fmt.Errorf("failed to store destination: %w", err)
		}
	}
	if err := m.store.Set(ctx, sessionID, KeyInstance, host, m.tokenTTL); err != nil {
		return "", fmt.Errorf("failed to store instance: %w", err)
	}
	if err := m.store.Set(ctx, sessionID, KeyState, state, m.stateTTL); err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}

	m.logger.Debug("login started", zap.String("instance", host))
	return authURL, nil
}

// HandleCallback finishes the login of the browser session.
//
// A nil error means the flow reached StateAuthenticated; any error means it
// failed. Use Category to turn the error into a user-facing message. The
// pending state is consumed by the first callback whatever its outcome, so a
// replayed callback always fails with ErrStateMismatch.
func (m *Manager) HandleCallback(ctx context.Context, sessionID string, params CallbackParams) (*CallbackResult, error) {
	result, err := m.handleCallback(ctx, sessionID, params)
	if err != nil {
		code, _ := Category(err)
		m.metrics.CallbackOutcome(code)
		return nil, err
	}
	m.metrics.CallbackOutcome(string(StateAuthenticated))
	return result, nil
}

func (m *Manager) handleCallback(ctx context.Context, sessionID string, params CallbackParams) (*CallbackResult, error) {
	if sessionID == "" {
		return nil, ErrStateMismatch
	}

	// Denial is expected user behaviour and is not logged as an error.
	if params.Error != "" {
		m.clear(ctx, sessionID)
		m.logger.Debug("authorization denied", zap.String("error", params.Error))
		return nil, fmt.Errorf("%w: %s", ErrUserDenied, params.Error)
	}

	stored, err := m.store.Consume(ctx, sessionID, KeyState)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Nothing pending: a replay, or a concurrent callback already took
		// the state. The remaining keys belong to that callback.
		m.logger.Warn("callback without pending login", zap.Bool("received", params.State != ""))
		return nil, ErrStateMismatch
	case err != nil:
		m.clear(ctx, sessionID)
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	if params.State == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(params.State)) != 1 {
		m.clear(ctx, sessionID)
		m.logger.Warn("callback state mismatch", zap.Bool("received", params.State != ""))
		return nil, ErrStateMismatch
	}

	instance := m.lookup(ctx, sessionID, KeyInstance)
	destination := m.lookup(ctx, sessionID, KeyDestination)

	host, err := m.cfg.ResolveInstanceHost(instance)
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("cannot resolve instance on callback", zap.String("instance", instance), zap.Error(err))
		return nil, err
	}

	client, err := m.client(host)
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("cannot build mastodon client", zap.String("instance", host), zap.Error(err))
		return nil, err
	}

	start := time.Now()
	token, err := client.Exchange(ctx, params.Code)
	m.metrics.ObserveExchange(time.Since(start))
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("token exchange failed", zap.String("instance", host), zap.Error(err))
		return nil, err
	}

	if err := m.store.Set(ctx, sessionID, KeyAccessToken, token.AccessToken, m.tokenTTL); err != nil {
		m.logger.Warn("failed to store access token", zap.String("instance", host), zap.Error(err))
	}

	account, err := client.FetchProfile(ctx, token)
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("profile fetch failed", zap.String("instance", host), zap.Error(err))
		return nil, err
	}

	profile := normalizeProfile(host, account)

	linked, err := m.provisioner.IsLinked(ctx, profile.Identity())
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("identity lookup failed", zap.Stringer("identity", profile.Identity()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	var extra map[string]interface{}
	if !linked {
		extra = m.fetchExtraDetails(ctx, client, token.AccessToken)
	}

	provisioned, err := m.provisioner.Provision(ctx, ProvisionRequest{
		Profile:      profile,
		ExtraDetails: extra,
		AccessToken:  token.AccessToken,
		Destination:  destination,
	})
	if err != nil {
		m.clear(ctx, sessionID)
		m.logger.Error("user provisioning failed", zap.Stringer("identity", profile.Identity()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	if err := m.store.Delete(ctx, sessionID, KeyDestination); err != nil {
		m.logger.Warn("failed to clear destination", zap.Error(err))
	}

	m.logger.Info("login completed",
		zap.Stringer("identity", profile.Identity()),
		zap.Bool("new_user", !linked),
	)

	return &CallbackResult{
		State:        StateAuthenticated,
		Profile:      profile,
		ExtraDetails: extra,
		Provision:    provisioned,
		Destination:  destination,
	}, nil
}

// State reports whether the browser session has a login waiting for its
// callback.
func (m *Manager) State(ctx context.Context, sessionID string) (State, error) {
	_, err := m.store.Get(ctx, sessionID, KeyState)
	switch {
	case err == nil:
		return StateAwaitingCallback, nil
	case errors.Is(err, storage.ErrNotFound):
		return StateIdle, nil
	default:
		return "", fmt.Errorf("failed to read state: %w", err)
	}
}

// RequestEndpoint calls the Mastodon API with the access token stored for the
// session. domain overrides the instance URL when set.
func (m *Manager) RequestEndpoint(ctx context.Context, sessionID, method, path, domain string) (interface{}, error) {
	accessToken := m.lookup(ctx, sessionID, KeyAccessToken)
	if accessToken == "" {
		return nil, ErrNotAuthenticated
	}

	host, err := m.cfg.ResolveInstanceHost(m.lookup(ctx, sessionID, KeyInstance))
	if err != nil {
		return nil, err
	}

	client, err := m.client(host)
	if err != nil {
		return nil, err
	}

	data, err := client.FetchEndpoint(ctx, method, path, provider.BearerToken(accessToken), domain)
	if err != nil {
		m.logger.Error("endpoint request failed", zap.String("instance", host), zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return data, nil
}

// Logout forgets every flow value of the session, including the access token.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID, flowKeys...); err != nil {
		return fmt.Errorf("failed to clear flow state: %w", err)
	}
	return nil
}

func (m *Manager) fetchExtraDetails(ctx context.Context, client *provider.Client, accessToken string) map[string]interface{} {
	endpoints := m.cfg.ExtraEndpoints()
	if len(endpoints) == 0 {
		return nil
	}

	token := provider.BearerToken(accessToken)
	details := make(map[string]interface{}, len(endpoints))
	for _, ep := range endpoints {
		data, err := client.FetchEndpoint(ctx, http.MethodGet, ep.Path, token, "")
		m.metrics.ExtraFetch(err == nil)
		if err != nil {
			m.logger.Warn("extra endpoint fetch failed",
				zap.String("instance", client.Host()),
				zap.String("endpoint", ep.Label),
				zap.Error(err),
			)
			continue
		}
		details[ep.Label] = data
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

func (m *Manager) client(host string) (*provider.Client, error) {
	return provider.NewClient(m.cfg, host, m.clientOpts...)
}

// lookup returns the stored value or "" when it is missing or unreadable.
func (m *Manager) lookup(ctx context.Context, sessionID, key string) string {
	v, err := m.store.Get(ctx, sessionID, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("failed to read flow state", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	return v
}

// clear drops every flow value after a failed callback.
func (m *Manager) clear(ctx context.Context, sessionID string) {
	if err := m.store.Delete(ctx, sessionID, flowKeys...); err != nil {
		m.logger.Warn("failed to clear flow state", zap.Error(err))
	}
}

func normalizeProfile(host string, account *provider.Profile) *NormalizedProfile {
	displayName := account.DisplayName
	if displayName == "" {
		displayName = account.Username
	}

	username := account.Acct
	if username == "" {
		username = account.Username
	}

	return &NormalizedProfile{
		ProviderUserID: account.ID,
		InstanceHost:   host,
		Username:       username,
		DisplayName:    displayName,
		AvatarURL:      account.Avatar,
		ProfileURL:     account.URL,
		RawData:        account.Raw,
	}
}
