package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client drives the authorization-code-with-PKCE flow for one OAuth
// client: building authorize URLs, completing redirect callbacks, and
// serving access tokens from cache with silent renewal.
//
// All methods are safe for concurrent use.
type Client struct {
	config       *Config
	logger       zerolog.Logger
	exchanger    TokenExchanger
	verifier     IDTokenVerifier
	cache        *credentialCache
	transactions *transactionStore
	lock         Lock
	flag         *authFlag
	now          func() time.Time

	verifierCancel context.CancelFunc
}

// New validates config, applies defaults, and builds a Client. When no
// custom Verifier is configured the provider's JWKS is fetched eagerly, so
// a misconfigured JWKS URL fails here rather than on the first callback.
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	now := time.Now
	logger := config.Logger

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = newTokenHTTPClient(config.Timeout, config.TLSConfig, config.InsecureSkipVerify)
	}

	exchanger := config.Exchanger
	if exchanger == nil {
		exchanger = newHTTPExchanger(config.TokenURL, config.ClientID, httpClient, logger)
	}

	var verifierCancel context.CancelFunc
	verifier := config.Verifier
	if verifier == nil {
		jwksCtx, cancel := context.WithCancel(context.Background())
		v, err := newJWKSVerifier(jwksCtx, config.Issuer, config.ClientID, config.JWKSURL, config.Leeway)
		if err != nil {
			cancel()
			return nil, err
		}
		verifier = v
		verifierCancel = cancel
	}

	lock := config.Lock
	if lock == nil {
		lock = NewStorageLock(config.Storage, logger)
	}

	return &Client{
		config:         config,
		logger:         logger,
		exchanger:      exchanger,
		verifier:       verifier,
		cache:          &credentialCache{storage: config.Storage, now: now},
		transactions:   newTransactionStore(config.Storage, config.TransactionTTL, now),
		lock:           lock,
		flag:           &authFlag{storage: config.Storage},
		now:            now,
		verifierCancel: verifierCancel,
	}, nil
}

// Close stops background maintenance. The Client must not be used after
// Close.
func (c *Client) Close() {
	c.transactions.Close()
	if c.verifierCancel != nil {
		c.verifierCancel()
	}
	if v, ok := c.verifier.(*jwksVerifier); ok {
		v.Close()
	}
}

// LoginOptions customizes one authorize request.
type LoginOptions struct {
	// Scope is additional scope for this attempt, merged with the
	// baseline and configured scopes.
	Scope string

	// Audience overrides the configured audience for this attempt.
	Audience string

	// RedirectURI overrides the configured redirect URI.
	RedirectURI string

	// AppState is an opaque payload stored with the attempt and returned
	// by HandleRedirectCallback, on success and on failure alike.
	AppState string

	// Fragment is appended to the authorize URL after construction, for
	// providers whose hosted pages route on it.
	Fragment string

	// Enumerated authorize parameters, sent when non-empty.
	Connection   string
	Organization string
	Invitation   string
	Prompt       string
	LoginHint    string

	// ExtraParams are additional authorize parameters. Protocol
	// parameters (state, nonce, PKCE, response settings) cannot be
	// overridden.
	ExtraParams map[string]string
}

// BuildAuthorizeURL starts an authorization attempt: it generates state,
// nonce, and a PKCE pair, persists the attempt, and returns the URL to
// send the user to. The attempt stays pending until the matching callback
// arrives or the transaction TTL passes.
func (c *Client) BuildAuthorizeURL(ctx context.Context, opts LoginOptions) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("authflow: failed to generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("authflow: failed to generate nonce: %w", err)
	}
	verifier, challenge := generatePKCE()

	audience := opts.Audience
	if audience == "" {
		audience = c.config.Audience
	}
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = c.config.RedirectURI
	}
	scope := c.requestScope(opts.Scope)

	params := url.Values{}
	for k, v := range c.config.AuthorizeParams {
		params.Set(k, v)
	}
	for k, v := range opts.ExtraParams {
		params.Set(k, v)
	}
	setIfNotEmpty(params, "connection", opts.Connection)
	setIfNotEmpty(params, "organization", opts.Organization)
	setIfNotEmpty(params, "invitation", opts.Invitation)
	setIfNotEmpty(params, "prompt", opts.Prompt)
	setIfNotEmpty(params, "login_hint", opts.LoginHint)
	setIfNotEmpty(params, "audience", audience)
	setIfNotEmpty(params, "redirect_uri", redirectURI)
	if c.config.MaxAge > 0 {
		params.Set("max_age", strconv.FormatInt(int64(c.config.MaxAge/time.Second), 10))
	}

	// Protocol parameters go last so no option can clobber them.
	params.Set("client_id", c.config.ClientID)
	params.Set("response_type", "code")
	params.Set("response_mode", "query")
	params.Set("scope", scope)
	params.Set("state", state)
	params.Set("nonce", nonce)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")

	tx := &transaction{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Scope:        scope,
		Audience:     normalizeAudience(audience),
		RedirectURI:  redirectURI,
		AppState:     opts.AppState,
	}
	if err := c.transactions.create(ctx, tx); err != nil {
		return "", err
	}

	authorizeURL := c.config.AuthorizeURL + queryJoiner(c.config.AuthorizeURL) + params.Encode()
	if opts.Fragment != "" {
		authorizeURL += "#" + opts.Fragment
	}

	c.logger.Debug().Str("client_id", c.config.ClientID).Msg("authorize url built")
	return authorizeURL, nil
}

// RedirectResult is the outcome of a completed redirect callback.
type RedirectResult struct {
	// AppState is the opaque payload given to BuildAuthorizeURL.
	AppState string
}

// HandleRedirectCallback completes the flow for the redirect landing at
// callbackURL. It binds the callback to its pending attempt via state,
// redeems the authorization code with the stored PKCE verifier, verifies
// the resulting ID token against the stored nonce, and caches the granted
// credentials.
//
// Each attempt completes at most once: replaying a callback reports
// ErrInvalidState. A provider error redirect consumes the attempt and
// returns a *AuthenticationError carrying the stored AppState.
func (c *Client) HandleRedirectCallback(ctx context.Context, callbackURL string) (*RedirectResult, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingCallbackQuery, err)
	}
	if u.RawQuery == "" {
		return nil, ErrMissingCallbackQuery
	}
	query := u.Query()

	tx, err := c.transactions.consume(ctx, query.Get("state"))
	if err != nil {
		return nil, err
	}

	if errCode := query.Get("error"); errCode != "" {
		return nil, &AuthenticationError{
			Code:        errCode,
			Description: query.Get("error_description"),
			State:       tx.State,
			AppState:    tx.AppState,
		}
	}

	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: no code parameter", ErrMissingCallbackQuery)
	}

	resp, err := c.exchanger.ExchangeCode(ctx, code, tx.CodeVerifier, tx.RedirectURI)
	if err != nil {
		return nil, c.annotateAuthErr(err, tx)
	}

	if _, err := c.verifyAndRecord(ctx, resp, tx.Nonce, tx.Audience, tx.Scope); err != nil {
		return nil, c.annotateAuthErr(err, tx)
	}

	c.logger.Debug().Msg("redirect callback completed")
	return &RedirectResult{AppState: tx.AppState}, nil
}

// TokenOptions customizes GetTokenSilently, GetUser, and CheckSession.
type TokenOptions struct {
	// Audience selects the API audience. Empty uses the configured
	// default.
	Audience string

	// Scope is additional scope, merged like LoginOptions.Scope.
	Scope string

	// IgnoreCache forces a fresh grant even when a cached token would do.
	IgnoreCache bool

	// RedirectURI overrides the configured redirect URI sent with
	// refresh-token grants.
	RedirectURI string
}

// GetTokenSilently returns an access token for the requested audience and
// scope, from cache when possible and through a refresh-token grant when
// not.
//
// Renewal is serialized: concurrent callers contend on the renewal lock
// and at most one performs the grant; the rest are served from the cache
// it fills. When the lock cannot be acquired within the configured wait,
// GetTokenSilently reports ErrLockTimeout. ErrLoginRequired and
// ErrMissingRefreshToken mean the session cannot be renewed without an
// interactive login.
func (c *Client) GetTokenSilently(ctx context.Context, opts TokenOptions) (string, error) {
	audience := opts.Audience
	if audience == "" {
		audience = c.config.Audience
	}
	scope := c.requestScope(opts.Scope)
	key := cacheKey(c.config.ClientID, audience, scope)

	if !opts.IgnoreCache {
		rec, err := c.cache.get(ctx, key, expiryGrace)
		if err != nil {
			return "", err
		}
		if rec != nil && rec.AccessToken != "" {
			return rec.AccessToken, nil
		}
	}

	release, err := c.lock.Acquire(ctx, renewLockName, c.config.LockTimeout)
	if err != nil {
		return "", err
	}
	defer release()

	// Another caller may have renewed while this one waited on the lock.
	if !opts.IgnoreCache {
		rec, err := c.cache.get(ctx, key, expiryGrace)
		if err != nil {
			return "", err
		}
		if rec != nil && rec.AccessToken != "" {
			return rec.AccessToken, nil
		}
	}

	if !c.config.UseRefreshTokens {
		return "", fmt.Errorf("%w: refresh tokens are not enabled", ErrLoginRequired)
	}
	if opts.Audience != "" {
		return "", fmt.Errorf("%w: cannot renew silently for an explicit audience", ErrLoginRequired)
	}

	rec, err := c.renewWithRefreshToken(ctx, key, audience, scope, opts.RedirectURI)
	if err != nil {
		return "", err
	}

	c.logger.Debug().Msg("tokens renewed silently")
	return rec.AccessToken, nil
}

// renewWithRefreshToken performs one refresh-token grant for the cache
// entry under key. The grant is attempted once; failures surface
// immediately.
func (c *Client) renewWithRefreshToken(ctx context.Context, key, audience, scope, redirectURI string) (*CredentialRecord, error) {
	cached, err := c.cache.get(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	if cached == nil || cached.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	if redirectURI == "" {
		redirectURI = c.config.RedirectURI
	}

	resp, err := c.exchanger.ExchangeRefreshToken(ctx, cached.RefreshToken, redirectURI)
	if err != nil {
		return nil, err
	}
	// Providers with rotation disabled return no new refresh token; keep
	// the old one.
	if resp.RefreshToken == "" {
		resp.RefreshToken = cached.RefreshToken
	}

	// No nonce: refresh grants have no authorize round trip.
	return c.verifyAndRecord(ctx, resp, "", audience, scope)
}

// verifyAndRecord verifies the ID token from resp, writes the granted
// credentials to the cache, and marks the session authenticated.
func (c *Client) verifyAndRecord(ctx context.Context, resp *TokenResponse, nonce, audience, scope string) (*CredentialRecord, error) {
	if resp.IDToken == "" {
		return nil, ErrMissingIDToken
	}

	claims, err := c.verifier.Verify(ctx, resp.IDToken, VerifyOptions{
		Nonce:  nonce,
		MaxAge: c.config.MaxAge,
	})
	if err != nil {
		return nil, err
	}

	rec := &CredentialRecord{
		ClientID:     c.config.ClientID,
		Audience:     audience,
		Scope:        scope,
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		ExpiresAt:    recordExpiry(resp.Expiry, claims.ExpiresAt),
		Claims:       claims,
	}
	if err := c.cache.set(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.flag.set(ctx, true); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetUser returns the decoded ID token claims for the requested audience
// and scope, or nil without error when no user is cached. The profile is
// served from the cache without network calls, even past access token
// expiry.
func (c *Client) GetUser(ctx context.Context, opts TokenOptions) (*IDTokenClaims, error) {
	audience := opts.Audience
	if audience == "" {
		audience = c.config.Audience
	}
	key := cacheKey(c.config.ClientID, audience, c.requestScope(opts.Scope))

	rec, err := c.cache.peek(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Claims, nil
}

// IsAuthenticated reports whether a user is cached for the requested
// audience and scope.
func (c *Client) IsAuthenticated(ctx context.Context, opts TokenOptions) (bool, error) {
	user, err := c.GetUser(ctx, opts)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// CheckSession restores a session after a process restart. When a
// previous session left the authenticated flag set, it primes the cache
// via GetTokenSilently; "no usable session" outcomes (login required,
// missing refresh token, and the recoverable OAuth error codes) are
// swallowed so a clean start is not an error.
func (c *Client) CheckSession(ctx context.Context, opts TokenOptions) error {
	authenticated, err := c.flag.get(ctx)
	if err != nil {
		return err
	}
	if !authenticated {
		return nil
	}

	if _, err := c.GetTokenSilently(ctx, opts); err != nil && !isRecoverable(err) {
		return err
	}
	return nil
}

// LogoutOptions customizes Logout.
type LogoutOptions struct {
	// ReturnTo is where the provider redirects after ending the session.
	ReturnTo string

	// ClientID overrides the configured client id in the logout URL.
	ClientID string

	// OmitClientID leaves client_id out of the logout URL entirely, so
	// the provider applies its tenant-level returnTo rules instead of the
	// application-level ones.
	OmitClientID bool

	// Federated also ends the session at the upstream identity provider.
	Federated bool

	// LocalOnly clears local state without building a logout URL.
	LocalOnly bool

	// ExtraParams are additional logout URL parameters.
	ExtraParams map[string]string
}

// Logout clears the cached credentials and the authenticated flag and
// returns the provider logout URL to send the user to. With LocalOnly no
// URL is produced and the server session stays alive. LocalOnly and
// Federated together are contradictory and rejected before any state is
// cleared.
func (c *Client) Logout(ctx context.Context, opts LogoutOptions) (string, error) {
	if opts.LocalOnly && opts.Federated {
		return "", fmt.Errorf("%w: localonly and federated logout are mutually exclusive", ErrInvalidConfiguration)
	}

	if err := c.cache.clear(ctx); err != nil {
		return "", err
	}
	if err := c.flag.set(ctx, false); err != nil {
		return "", err
	}
	c.logger.Debug().Msg("local session cleared")

	if opts.LocalOnly {
		return "", nil
	}

	params := url.Values{}
	for k, v := range opts.ExtraParams {
		params.Set(k, v)
	}
	if !opts.OmitClientID {
		clientID := opts.ClientID
		if clientID == "" {
			clientID = c.config.ClientID
		}
		params.Set("client_id", clientID)
	}
	if opts.ReturnTo != "" {
		params.Set("returnTo", opts.ReturnTo)
	}

	logoutURL := c.config.LogoutURL
	if encoded := params.Encode(); encoded != "" {
		logoutURL += queryJoiner(logoutURL) + encoded
	}
	if opts.Federated {
		// The federated switch is a valueless parameter.
		logoutURL += queryJoiner(logoutURL) + "federated"
	}
	return logoutURL, nil
}

// annotateAuthErr stamps a token endpoint AuthenticationError with the
// attempt's state and app state so callers keep their redirect context.
func (c *Client) annotateAuthErr(err error, tx *transaction) error {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		authErr.State = tx.State
		authErr.AppState = tx.AppState
	}
	return err
}

// requestScope merges the baseline scopes with the configured and per-call
// additions. offline_access rides along when refresh tokens are in use.
func (c *Client) requestScope(callScope string) string {
	scopes := []string{defaultScope, c.config.Scope, callScope}
	if c.config.UseRefreshTokens {
		scopes = append(scopes, "offline_access")
	}
	return unionScopes(scopes...)
}

// recordExpiry picks the earlier of the token response expiry and the ID
// token exp claim, so a cached record never outlives either.
func recordExpiry(respExpiry time.Time, claimsExp int64) time.Time {
	expiry := respExpiry
	if claimsExp > 0 {
		claimExpiry := time.Unix(claimsExp, 0)
		if expiry.IsZero() || claimExpiry.Before(expiry) {
			expiry = claimExpiry
		}
	}
	return expiry
}

func setIfNotEmpty(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

// queryJoiner picks the separator for appending params to base, which may
// already carry a query of its own.
func queryJoiner(base string) string {
	if strings.Contains(base, "?") {
		return "&"
	}
	return "?"
}
