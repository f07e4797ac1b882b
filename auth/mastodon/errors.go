package mastodon

import (
	"errors"

	"github.com/meysam81/go-auth-mastodon/provider"
)

var (
	// ErrStateMismatch is returned when the callback state is missing or does
	// not match the pending state of the session.
	ErrStateMismatch = errors.New("invalid state parameter")

	// ErrUserDenied is returned when the instance reports that the user did not
	// grant access.
	ErrUserDenied = errors.New("authorization denied by user")

	// ErrProvisioning is returned when the local account cannot be created or
	// logged in.
	ErrProvisioning = errors.New("failed to provision user")

	// ErrNotAuthenticated is returned when a session has no access token.
	ErrNotAuthenticated = errors.New("session has no mastodon access token")
)

// Error categories reported to the browser.
const (
	CategoryNotConfigured        = "not_configured"
	CategoryInvalidInstance      = "invalid_instance"
	CategoryInvalidState         = "invalid_state"
	CategoryAccessDenied         = "access_denied"
	CategoryAuthenticationFailed = "authentication_failed"
	CategoryProfileUnavailable   = "profile_unavailable"
	CategoryLoginFailed          = "login_failed"
	CategoryServerError          = "server_error"
)

// Category maps a flow error to a category code and a message that is safe
// to show to end users. Provider error details never appear in the message.
func Category(err error) (code, message string) {
	switch {
	case errors.Is(err, provider.ErrConfiguration):
		return CategoryNotConfigured, "Mastodon login is not configured properly. Contact the site administrator."
	case errors.Is(err, provider.ErrInvalidInstance):
		return CategoryInvalidInstance, "That Mastodon server address is not valid. Check it and try again."
	case errors.Is(err, ErrStateMismatch):
		return CategoryInvalidState, "Mastodon login failed. Invalid OAuth2 state."
	case errors.Is(err, ErrUserDenied):
		return CategoryAccessDenied, "You could not be authenticated."
	case errors.Is(err, provider.ErrAuthentication):
		return CategoryAuthenticationFailed, "Mastodon login failed. Please try again."
	case errors.Is(err, provider.ErrProfileFetch):
		return CategoryProfileUnavailable, "Mastodon login failed, could not load your Mastodon profile."
	case errors.Is(err, ErrProvisioning):
		return CategoryLoginFailed, "Your account could not be signed in. Contact the site administrator."
	default:
		return CategoryServerError, "Something went wrong during Mastodon login. Please try again."
	}
}
