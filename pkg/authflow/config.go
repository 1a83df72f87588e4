package authflow

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configuration defaults.
const (
	defaultHTTPTimeout = 30 * time.Second
	defaultLeeway      = 60 * time.Second
	defaultLockTimeout = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	// Domain is the authorization server domain, e.g. "auth.example.com".
	// Endpoint URLs and the expected issuer derive from it unless the
	// explicit endpoint fields below override them.
	Domain string

	// ClientID is the OAuth 2.0 client identifier. Required.
	ClientID string

	// Audience is the API audience requested by default. Empty requests
	// the provider default.
	Audience string

	// Scope is requested in addition to the baseline
	// "openid profile email" scopes.
	Scope string

	// RedirectURI is the default callback URL sent with authorize
	// requests.
	RedirectURI string

	// UseRefreshTokens requests offline_access and lets GetTokenSilently
	// renew sessions with refresh-token grants.
	UseRefreshTokens bool

	// AuthorizeParams are static extra authorize parameters sent on every
	// login request, e.g. a tenant hint. Protocol parameters cannot be
	// overridden here.
	AuthorizeParams map[string]string

	// MaxAge bounds the age of the user's original authentication. Zero
	// disables the bound.
	MaxAge time.Duration

	// Leeway absorbs clock drift between this process and the
	// authorization server during ID token verification. Defaults to 60
	// seconds.
	Leeway time.Duration

	// AuthorizeURL, TokenURL, LogoutURL, JWKSURL, and Issuer override the
	// endpoints derived from Domain. All five are required when Domain is
	// empty.
	AuthorizeURL string
	TokenURL     string
	LogoutURL    string
	JWKSURL      string
	Issuer       string

	// Storage persists in-flight transactions, cached credentials, and
	// the authenticated flag. Defaults to NewMemoryStorage.
	Storage Storage

	// Lock serializes silent renewal between concurrent callers.
	// Defaults to a lease lock over Storage.
	Lock Lock

	// LockTimeout bounds the wait for the renewal lock. Defaults to 5
	// seconds.
	LockTimeout time.Duration

	// TransactionTTL bounds how long an abandoned login attempt stays
	// consumable. Defaults to one hour.
	TransactionTTL time.Duration

	// Exchanger overrides the token endpoint client. Defaults to an HTTP
	// client against TokenURL.
	Exchanger TokenExchanger

	// Verifier overrides ID token verification. Defaults to a JWKS
	// verifier against JWKSURL.
	Verifier IDTokenVerifier

	// HTTPClient overrides the transport used by the default exchanger.
	HTTPClient HTTPClient

	// Timeout is the HTTP timeout for token requests. Defaults to 30
	// seconds.
	Timeout time.Duration

	// TLSConfig customizes TLS for the default HTTP client.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables TLS certificate verification. Never
	// enable outside tests.
	InsecureSkipVerify bool

	// Logger emits debug and warning events. The zero value discards
	// everything.
	Logger zerolog.Logger
}

// Validate checks required fields and applies defaults in place.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfiguration)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidConfiguration)
	}

	c.Domain = strings.TrimSuffix(strings.TrimPrefix(c.Domain, "https://"), "/")
	if c.Domain == "" {
		if c.AuthorizeURL == "" || c.TokenURL == "" || c.LogoutURL == "" || c.JWKSURL == "" || c.Issuer == "" {
			return fmt.Errorf("%w: domain is required unless all endpoint overrides are set", ErrInvalidConfiguration)
		}
	}

	if c.AuthorizeURL == "" {
		c.AuthorizeURL = "https://" + c.Domain + "/authorize"
	}
	if c.TokenURL == "" {
		c.TokenURL = "https://" + c.Domain + "/oauth/token"
	}
	if c.LogoutURL == "" {
		c.LogoutURL = "https://" + c.Domain + "/v2/logout"
	}
	if c.JWKSURL == "" {
		c.JWKSURL = "https://" + c.Domain + "/.well-known/jwks.json"
	}
	if c.Issuer == "" {
		c.Issuer = "https://" + c.Domain + "/"
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.Leeway <= 0 {
		c.Leeway = defaultLeeway
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.TransactionTTL <= 0 {
		c.TransactionTTL = defaultTransactionTTL
	}
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}

	return nil
}
