package authflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration indicates the client configuration or the
	// supplied options are invalid or contradictory.
	ErrInvalidConfiguration = errors.New("authflow: invalid configuration")

	// ErrMissingCallbackQuery indicates the callback URL carried no query
	// parameters to parse.
	ErrMissingCallbackQuery = errors.New("authflow: no query parameters in callback url")

	// ErrInvalidState indicates the callback state does not match any
	// in-flight transaction (CSRF, replay, or an expired attempt).
	ErrInvalidState = errors.New("authflow: invalid state")

	// ErrMissingIDToken indicates the token response contained no ID token.
	ErrMissingIDToken = errors.New("authflow: missing id token")

	// ErrTokenVerification indicates ID token verification failed. It is
	// never retried.
	ErrTokenVerification = errors.New("authflow: id token verification failed")

	// ErrJWKSFetch indicates the provider's signing keys could not be
	// retrieved.
	ErrJWKSFetch = errors.New("authflow: failed to fetch jwks")

	// ErrInvalidIssuer indicates the ID token issuer does not match.
	ErrInvalidIssuer = errors.New("authflow: invalid issuer")

	// ErrInvalidAudience indicates the ID token audience does not include
	// the client.
	ErrInvalidAudience = errors.New("authflow: invalid audience")

	// ErrInvalidNonce indicates the ID token nonce does not match the
	// transaction's nonce.
	ErrInvalidNonce = errors.New("authflow: invalid nonce")

	// ErrTokenExpired indicates the ID token is expired.
	ErrTokenExpired = errors.New("authflow: token expired")

	// ErrStaleAuthentication indicates auth_time is older than the allowed
	// max age.
	ErrStaleAuthentication = errors.New("authflow: authentication too old")

	// ErrMissingRefreshToken indicates silent renewal found no refresh
	// token to exchange. Callers fall back to an interactive login.
	ErrMissingRefreshToken = errors.New("authflow: missing refresh token")

	// ErrLoginRequired indicates the flow cannot renew silently and an
	// interactive login is required. Callers fall back to an interactive
	// login.
	ErrLoginRequired = errors.New("authflow: login required")

	// ErrLockTimeout indicates the renewal lock could not be acquired
	// within the configured wait.
	ErrLockTimeout = errors.New("authflow: lock acquisition timed out")

	// ErrTimeout indicates a network exchange exceeded its deadline.
	ErrTimeout = errors.New("authflow: request timed out")

	// ErrTransport indicates a network or HTTP failure talking to the
	// authorization server. Callers may retry with backoff.
	ErrTransport = errors.New("authflow: transport failure")

	// ErrStorage indicates the underlying storage capability failed.
	ErrStorage = errors.New("authflow: storage operation failed")
)

// AuthenticationError represents an OAuth error returned by the
// authorization server, either as error/error_description parameters on
// the redirect callback or as an error response from the token endpoint.
// AppState carries the opaque payload recorded when the authorize URL was
// built so callers can restore their pre-redirect context on failure.
type AuthenticationError struct {
	Code        string
	Description string
	State       string
	AppState    string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authflow: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authflow: %s", e.Code)
}

// recoverableErrorCodes are OAuth error codes that CheckSession treats as
// an expected "no usable session" outcome on a clean browser rather than a
// failure worth surfacing.
var recoverableErrorCodes = []string{
	"login_required",
	"consent_required",
	"interaction_required",
	"account_selection_required",
	"access_denied",
}

// isRecoverable reports whether err belongs to the fixed allow-list of
// errors CheckSession swallows.
func isRecoverable(err error) bool {
	if errors.Is(err, ErrLoginRequired) || errors.Is(err, ErrMissingRefreshToken) {
		return true
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return containsString(recoverableErrorCodes, authErr.Code)
	}

	return false
}

// containsString checks if a slice contains a string.
func containsString(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
