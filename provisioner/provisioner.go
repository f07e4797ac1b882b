// Package provisioner is the default mastodon.UserProvisioner: it keeps one
// local user per Mastodon identity in a storage.UserStore and logs it in with
// a session.Manager.
package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meysam81/go-auth-mastodon/auth/mastodon"
	"github.com/meysam81/go-auth-mastodon/session"
	"github.com/meysam81/go-auth-mastodon/storage"
	"go.uber.org/zap"
)

// Metadata keys set on provisioned users.
const (
	MetaProfileURL   = "profile_url"
	MetaRawProfile   = "raw_profile"
	MetaExtraDetails = "extra_details"
)

// Config configures the Provisioner.
type Config struct {
	Users    storage.UserStore
	Sessions *session.Manager // Optional: without it no login session is issued

	// NewUserRedirect overrides the post-login destination for new users,
	// e.g. an onboarding page. Optional.
	NewUserRedirect string

	Logger *zap.Logger // Optional
}

// Provisioner links Mastodon identities to local users.
type Provisioner struct {
	users           storage.UserStore
	sessions        *session.Manager
	newUserRedirect string
	logger          *zap.Logger
}

var _ mastodon.UserProvisioner = (*Provisioner)(nil)

// New creates a new Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Users == nil {
		return nil, errors.New("user store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provisioner{
		users:           cfg.Users,
		sessions:        cfg.Sessions,
		newUserRedirect: mastodon.SafeDestination(cfg.NewUserRedirect),
		logger:          logger,
	}, nil
}

// IsLinked reports whether the identity already has a local user.
func (p *Provisioner) IsLinked(ctx context.Context, id mastodon.Identity) (bool, error) {
	_, err := p.users.GetUserByIdentity(ctx, mastodon.ProviderName, id.Instance, id.Subject)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to query user: %w", err)
	}
}

// Provision creates the local user on first login and refreshes its profile
// on later logins, then issues a login session.
func (p *Provisioner) Provision(ctx context.Context, req mastodon.ProvisionRequest) (*mastodon.ProvisionResult, error) {
	if req.Profile == nil {
		return nil, errors.New("profile is required")
	}

	user, isNew, err := p.findOrCreateUser(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &mastodon.ProvisionResult{
		UserID:    user.ID,
		IsNewUser: isNew,
	}
	if isNew {
		result.RedirectURL = p.newUserRedirect
	}

	if p.sessions != nil {
		sess, err := p.sessions.Create(ctx, session.CreateSessionRequest{
			UserID:   user.ID,
			Username: user.Username,
			Provider: mastodon.ProviderName,
			Instance: user.Instance,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		result.SessionID = sess.ID
		result.SessionTTL = p.sessions.TTL()
	}

	p.logger.Info("user provisioned",
		zap.String("user_id", user.ID),
		zap.String("instance", user.Instance),
		zap.Bool("new_user", isNew),
	)
	return result, nil
}

func (p *Provisioner) findOrCreateUser(ctx context.Context, req mastodon.ProvisionRequest) (*storage.User, bool, error) {
	profile := req.Profile

	existing, err := p.users.GetUserByIdentity(ctx, mastodon.ProviderName, profile.InstanceHost, profile.ProviderUserID)
	if err == nil {
		updated := *existing
		updated.Username = profile.Username
		updated.Name = profile.DisplayName
		updated.AvatarURL = profile.AvatarURL
		updated.Metadata = mergeMetadata(existing.Metadata, map[string]interface{}{
			MetaProfileURL: profile.ProfileURL,
			MetaRawProfile: profile.RawData,
		})
		if err := p.users.UpdateUser(ctx, &updated); err != nil {
			return nil, false, fmt.Errorf("failed to update user: %w", err)
		}
		return &updated, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to query user: %w", err)
	}

	metadata := map[string]interface{}{
		MetaProfileURL: profile.ProfileURL,
		MetaRawProfile: profile.RawData,
	}
	if len(req.ExtraDetails) > 0 {
		metadata[MetaExtraDetails] = req.ExtraDetails
	}

	user := &storage.User{
		ID:        uuid.NewString(),
		Username:  profile.Username,
		Name:      profile.DisplayName,
		AvatarURL: profile.AvatarURL,
		Provider:  mastodon.ProviderName,
		Instance:  profile.InstanceHost,
		Subject:   profile.ProviderUserID,
		Metadata:  metadata,
	}

	if err := p.users.CreateUser(ctx, user); err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return user, true, nil
}

func mergeMetadata(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
