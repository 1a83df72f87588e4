package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// allowedSigningMethods lists the JWS algorithms accepted for ID tokens.
// Symmetric algorithms are excluded; a public client holds no secret that
// could verify them safely.
var allowedSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
}

// VerifyOptions carries the per-verification expectations.
type VerifyOptions struct {
	// Nonce is the expected nonce claim. Empty skips the comparison:
	// refresh grants have no authorize round trip and therefore no nonce.
	Nonce string

	// MaxAge bounds the age of the original authentication when > 0. The
	// token must then carry auth_time.
	MaxAge time.Duration
}

// IDTokenVerifier checks an ID token's signature and claims and returns
// the decoded claims.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string, opts VerifyOptions) (*IDTokenClaims, error)
}

// jwksVerifier verifies tokens against the provider's published JWKS.
type jwksVerifier struct {
	issuer   string
	clientID string
	leeway   time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	jwks keyfunc.Keyfunc
}

// newJWKSVerifier fetches the JWKS and prepares a verifier. Keys refresh
// in the background for the lifetime of ctx.
func newJWKSVerifier(ctx context.Context, issuer, clientID, jwksURL string, leeway time.Duration) (*jwksVerifier, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}

	return &jwksVerifier{
		issuer:   issuer,
		clientID: clientID,
		leeway:   leeway,
		now:      time.Now,
		jwks:     jwks,
	}, nil
}

func (v *jwksVerifier) Verify(ctx context.Context, rawIDToken string, opts VerifyOptions) (*IDTokenClaims, error) {
	if rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	v.mu.RLock()
	jwks := v.jwks
	v.mu.RUnlock()
	if jwks == nil {
		return nil, fmt.Errorf("%w: verifier is closed", ErrTokenVerification)
	}

	token, err := jwt.Parse(rawIDToken, jwks.Keyfunc,
		jwt.WithValidMethods(allowedSigningMethods),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenVerification, err)
	}
	if !token.Valid {
		return nil, ErrTokenVerification
	}

	claims, err := parseIDTokenClaims(token)
	if err != nil {
		return nil, err
	}
	if err := v.validateClaims(claims, opts); err != nil {
		return nil, err
	}

	return claims, nil
}

// validateClaims applies the OIDC checks beyond signature and lifetime.
func (v *jwksVerifier) validateClaims(claims *IDTokenClaims, opts VerifyOptions) error {
	if claims.Issuer != v.issuer {
		return fmt.Errorf("%w: got %q, want %q", ErrInvalidIssuer, claims.Issuer, v.issuer)
	}

	if !containsString(claims.Audience, v.clientID) {
		return fmt.Errorf("%w: audience %v does not include client %q", ErrInvalidAudience, claims.Audience, v.clientID)
	}
	// With multiple audiences the authorized party must be this client.
	if len(claims.Audience) > 1 && claims.AZP != v.clientID {
		return fmt.Errorf("%w: azp %q does not match client %q", ErrInvalidAudience, claims.AZP, v.clientID)
	}

	if opts.Nonce != "" {
		if claims.Nonce == "" {
			return fmt.Errorf("%w: nonce claim missing", ErrInvalidNonce)
		}
		if claims.Nonce != opts.Nonce {
			return fmt.Errorf("%w: nonce mismatch", ErrInvalidNonce)
		}
	}

	if opts.MaxAge > 0 {
		if claims.AuthTime == 0 {
			return fmt.Errorf("%w: auth_time claim missing", ErrStaleAuthentication)
		}
		authTime := time.Unix(claims.AuthTime, 0)
		if v.now().After(authTime.Add(opts.MaxAge + v.leeway)) {
			return fmt.Errorf("%w: authenticated at %s", ErrStaleAuthentication, authTime.UTC().Format(time.RFC3339))
		}
	}

	return nil
}

// Close detaches the verifier from its key set. Background JWKS refresh
// stops when the context given to newJWKSVerifier is cancelled.
func (v *jwksVerifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.jwks = nil
}

var _ IDTokenVerifier = (*jwksVerifier)(nil)
