package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenResponse is a decoded token endpoint response.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Scope        string
	Expiry       time.Time
}

// TokenExchanger performs token endpoint grants. Implementations return a
// *AuthenticationError when the server answers with an OAuth error body,
// ErrTimeout when the request deadline passes, and ErrTransport for other
// network or protocol failures.
type TokenExchanger interface {
	// ExchangeCode redeems an authorization code together with its PKCE
	// verifier. redirectURI is sent only when non-empty and must match
	// the value from the authorize request.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error)

	// ExchangeRefreshToken performs a refresh_token grant. redirectURI
	// is sent only when non-empty.
	ExchangeRefreshToken(ctx context.Context, refreshToken, redirectURI string) (*TokenResponse, error)
}

// httpExchanger talks to the token endpoint over HTTP.
type httpExchanger struct {
	tokenURL   string
	clientID   string
	httpClient HTTPClient
	logger     zerolog.Logger
	now        func() time.Time
}

func newHTTPExchanger(tokenURL, clientID string, httpClient HTTPClient, logger zerolog.Logger) *httpExchanger {
	return &httpExchanger{
		tokenURL:   tokenURL,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

func (e *httpExchanger) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("client_id", e.clientID)
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	if redirectURI != "" {
		data.Set("redirect_uri", redirectURI)
	}

	return e.exchange(ctx, data)
}

func (e *httpExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken, redirectURI string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", e.clientID)
	data.Set("refresh_token", refreshToken)
	if redirectURI != "" {
		data.Set("redirect_uri", redirectURI)
	}

	return e.exchange(ctx, data)
}

// exchange posts the grant as a form and decodes the JSON response.
func (e *httpExchanger) exchange(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	e.logger.Debug().Str("grant_type", data.Get("grant_type")).Msg("token request")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, tokenEndpointError(resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode token response: %v", ErrTransport, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token in response", ErrTransport)
	}

	token := &TokenResponse{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		Scope:        tokenResp.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = e.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	return token, nil
}

// tokenEndpointError maps a non-200 token response to an error. OAuth
// error bodies become *AuthenticationError; anything else is a transport
// failure.
func tokenEndpointError(status int, body []byte) error {
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		return &AuthenticationError{
			Code:        oauthErr.Error,
			Description: oauthErr.ErrorDescription,
		}
	}
	return fmt.Errorf("%w: token endpoint returned status %d", ErrTransport, status)
}

// wrapTransportErr classifies a request failure as a timeout or a general
// transport error.
func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

var _ TokenExchanger = (*httpExchanger)(nil)
