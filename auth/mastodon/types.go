package mastodon

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// ProviderName identifies Mastodon identities in user stores and audit logs.
const ProviderName = "mastodon"

// Session keys owned by the login flow.
const (
	// KeyState holds the pending CSRF state token. Set at start-login and
	// removed by the first callback, whatever its outcome.
	KeyState = "oauth2_state"

	// KeyAccessToken holds the access token after a successful exchange.
	KeyAccessToken = "access_token"

	// KeyInstance holds the instance host the flow was started against.
	KeyInstance = "instance"

	// KeyDestination holds the local path to return to after login.
	KeyDestination = "destination"
)

var flowKeys = []string{KeyState, KeyAccessToken, KeyInstance, KeyDestination}

// State is the phase of a login flow for one browser session.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingCallback State = "awaiting_callback"
	StateAuthenticated    State = "authenticated"
	StateFailed           State = "failed"
)

// Identity is a federated account: the same Subject on two instances is two
// different people.
type Identity struct {
	Instance string
	Subject  string
}

// String renders the identity as "subject@instance".
func (i Identity) String() string {
	return i.Subject + "@" + i.Instance
}

// NormalizedProfile is the provider-independent view of the logged-in account.
type NormalizedProfile struct {
	ProviderUserID string                 `json:"provider_user_id"`
	InstanceHost   string                 `json:"instance_host"`
	Username       string                 `json:"username"` // acct as seen by the instance
	DisplayName    string                 `json:"display_name"`
	Email          string                 `json:"email,omitempty"` // never provided by Mastodon
	AvatarURL      string                 `json:"avatar_url,omitempty"`
	ProfileURL     string                 `json:"profile_url,omitempty"`
	RawData        map[string]interface{} `json:"raw_data,omitempty"`
}

// Identity returns the federated identity of the profile.
func (p *NormalizedProfile) Identity() Identity {
	return Identity{Instance: p.InstanceHost, Subject: p.ProviderUserID}
}

// UserProvisioner creates or logs in the local account for a Mastodon identity.
// It is supplied by the host application; see package provisioner for a
// default implementation.
type UserProvisioner interface {
	// IsLinked reports whether the identity already has a local account.
	IsLinked(ctx context.Context, id Identity) (bool, error)

	// Provision creates or logs in the local account.
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
}

// ProvisionRequest is handed to the UserProvisioner after a successful callback.
type ProvisionRequest struct {
	Profile *NormalizedProfile

	// ExtraDetails maps endpoint labels to raw API responses. It is nil for
	// accounts that were already linked.
	ExtraDetails map[string]interface{}

	AccessToken string
	Destination string
}

// ProvisionResult describes the local login produced by the provisioner.
type ProvisionResult struct {
	UserID    string
	IsNewUser bool

	// SessionID and SessionTTL describe the login session to hand to the
	// browser, if the provisioner issued one.
	SessionID  string
	SessionTTL time.Duration

	// RedirectURL overrides the destination when set.
	RedirectURL string
}

// StartRequest carries the inputs of a start-login request.
type StartRequest struct {
	Instance    string // user-selected instance; ignored when the instance is pinned
	Destination string // local path to return to after login
}

// CallbackParams are the query parameters of the callback request.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery extracts CallbackParams from a callback URL query.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	State        State
	Profile      *NormalizedProfile
	ExtraDetails map[string]interface{}
	Provision    *ProvisionResult
	Destination  string
}

// SafeDestination returns dest if it is a local path, and "" otherwise.
func SafeDestination(dest string) string {
	dest = strings.TrimSpace(dest)
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.HasPrefix(dest, "/\\") {
		return ""
	}
	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return dest
}
