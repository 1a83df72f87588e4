//go:build integration

package authflow_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jhahn/go-authflow/pkg/authflow"
)

const (
	defaultRedisAddr = "127.0.0.1:6379"

	integrationIssuer   = "https://idp.integration.test/"
	integrationClientID = "integration-client"
	integrationRedirect = "https://app.integration.test/callback"
	integrationKeyID    = "integration-key"
)

// Helper function to get the Redis address from environment
func redisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return defaultRedisAddr
}

// newRedisStorage connects to the integration Redis instance under a key
// prefix unique to this test run, so concurrent runs cannot collide. The
// cleanup removes every key the test wrote.
func newRedisStorage(t *testing.T) *authflow.RedisStorage {
	t.Helper()

	storage, err := authflow.NewRedisStorage(authflow.RedisConfig{
		Addr:      redisAddr(),
		Password:  os.Getenv("TEST_REDIS_PASSWORD"),
		KeyPrefix: fmt.Sprintf("authflow-it-%s:", uuid.NewString()[:8]),
	})
	if err != nil {
		t.Fatalf("Failed to connect to redis at %s: %v", redisAddr(), err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := storage.List(ctx, "")
		if err == nil {
			for _, key := range keys {
				_ = storage.Delete(ctx, key)
			}
		}
		_ = storage.Close()
	})

	return storage
}

// identityProvider is a minimal authorization server for integration runs:
// a JWKS endpoint plus a token endpoint that mints RSA-signed ID tokens
// carrying the nonce of the most recent authorize URL.
type identityProvider struct {
	key    *rsa.PrivateKey
	jwks   *httptest.Server
	tokens *httptest.Server

	mu            sync.Mutex
	nonce         string
	codeGrants    int
	refreshGrants int
	delay         time.Duration
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}

	p := &identityProvider{key: key}

	p.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]interface{}{{
				"kty": "RSA",
				"kid": integrationKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(p.jwks.Close)

	p.tokens = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		p.mu.Lock()
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			p.refreshGrants++
		default:
			p.codeGrants++
		}
		total := p.codeGrants + p.refreshGrants
		nonce := p.nonce
		delay := p.delay
		p.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		claims := jwt.MapClaims{
			"iss":   integrationIssuer,
			"sub":   "integration-user",
			"aud":   integrationClientID,
			"exp":   time.Now().Add(time.Hour).Unix(),
			"iat":   time.Now().Unix(),
			"email": "it@example.com",
		}
		if nonce != "" {
			claims["nonce"] = nonce
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = integrationKeyID
		signed, err := token.SignedString(p.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("at-%d", total),
			"token_type":    "Bearer",
			"id_token":      signed,
			"expires_in":    3600,
			"refresh_token": fmt.Sprintf("rt-%d", total),
		})
	}))
	t.Cleanup(p.tokens.Close)

	return p
}

func (p *identityProvider) setNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonce = nonce
}

func (p *identityProvider) setDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *identityProvider) grants() (code, refresh int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codeGrants, p.refreshGrants
}

// clientConfig builds a Config against the fake provider, backed by the
// given storage and lock. AuthorizeURL and LogoutURL are never fetched by
// the client, so they can point at the fake issuer.
func (p *identityProvider) clientConfig(storage authflow.Storage, lock authflow.Lock) *authflow.Config {
	return &authflow.Config{
		ClientID:         integrationClientID,
		RedirectURI:      integrationRedirect,
		UseRefreshTokens: true,
		AuthorizeURL:     integrationIssuer + "authorize",
		TokenURL:         p.tokens.URL,
		LogoutURL:        integrationIssuer + "v2/logout",
		JWKSURL:          p.jwks.URL,
		Issuer:           integrationIssuer,
		Storage:          storage,
		Lock:             lock,
		LockTimeout:      5 * time.Second,
		Timeout:          10 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

func newIntegrationClient(t *testing.T, p *identityProvider, storage *authflow.RedisStorage) *authflow.Client {
	t.Helper()

	lock := authflow.NewRedisLock(storage.Client(), "authflow-it-lock:")
	client, err := authflow.New(p.clientConfig(storage, lock))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// login drives one full authorization code round trip against the fake
// provider and returns the access token it produced.
func login(t *testing.T, p *identityProvider, client *authflow.Client) string {
	t.Helper()
	ctx := context.Background()

	authorizeURL, err := client.BuildAuthorizeURL(ctx, authflow.LoginOptions{AppState: "/home"})
	if err != nil {
		t.Fatalf("Failed to build authorize URL: %v", err)
	}

	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("Failed to parse authorize URL: %v", err)
	}
	query := u.Query()
	p.setNonce(query.Get("nonce"))

	callback := integrationRedirect + "?code=integration-code&state=" + url.QueryEscape(query.Get("state"))
	result, err := client.HandleRedirectCallback(ctx, callback)
	if err != nil {
		t.Fatalf("Failed to handle redirect callback: %v", err)
	}
	if result.AppState != "/home" {
		t.Errorf("Expected app state '/home', got '%s'", result.AppState)
	}

	token, err := client.GetTokenSilently(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to get token after login: %v", err)
	}
	return token
}

// expireCachedCredentials rewrites every cached record so the next silent
// call has to renew through the refresh-token grant.
func expireCachedCredentials(t *testing.T, storage authflow.Storage) {
	t.Helper()
	ctx := context.Background()

	keys, err := storage.List(ctx, "authflow::cache::")
	if err != nil {
		t.Fatalf("Failed to list cached credentials: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("Expected at least one cached credential record")
	}

	for _, key := range keys {
		data, ok, err := storage.Get(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Failed to read cached record %s: ok=%v err=%v", key, ok, err)
		}
		var rec authflow.CredentialRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("Failed to decode cached record: %v", err)
		}
		rec.ExpiresAt = time.Now().Add(-time.Minute)
		data, err = json.Marshal(&rec)
		if err != nil {
			t.Fatalf("Failed to encode cached record: %v", err)
		}
		if err := storage.Set(ctx, key, data); err != nil {
			t.Fatalf("Failed to write cached record: %v", err)
		}
	}
}

// TestRedisIntegration_StorageRoundTrip verifies basic storage operations
// against a real Redis server.
func TestRedisIntegration_StorageRoundTrip(t *testing.T) {
	storage := newRedisStorage(t)
	ctx := context.Background()

	if err := storage.Health(ctx); err != nil {
		t.Fatalf("Expected healthy connection, got error: %v", err)
	}

	if err := storage.Set(ctx, "session::alpha", []byte("one")); err != nil {
		t.Fatalf("Failed to set key: %v", err)
	}
	if err := storage.Set(ctx, "session::beta", []byte("two")); err != nil {
		t.Fatalf("Failed to set key: %v", err)
	}

	value, ok, err := storage.Get(ctx, "session::alpha")
	if err != nil {
		t.Fatalf("Failed to get key: %v", err)
	}
	if !ok {
		t.Fatal("Expected key 'session::alpha' to exist")
	}
	if string(value) != "one" {
		t.Errorf("Expected value 'one', got '%s'", value)
	}

	keys, err := storage.List(ctx, "session::")
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys under 'session::', got %d: %v", len(keys), keys)
	}

	if err := storage.Delete(ctx, "session::alpha"); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}
	_, ok, err = storage.Get(ctx, "session::alpha")
	if err != nil {
		t.Fatalf("Failed to get deleted key: %v", err)
	}
	if ok {
		t.Error("Expected deleted key to be absent")
	}

	t.Log("Redis storage round trip completed successfully")
}

// TestRedisIntegration_LockMutualExclusion verifies that two lock instances
// sharing a Redis server exclude each other, the way two processes would.
func TestRedisIntegration_LockMutualExclusion(t *testing.T) {
	storage := newRedisStorage(t)
	ctx := context.Background()

	prefix := fmt.Sprintf("authflow-it-lock-%s:", uuid.NewString()[:8])
	first := authflow.NewRedisLock(storage.Client(), prefix)
	second := authflow.NewRedisLock(storage.Client(), prefix)

	release, err := first.Acquire(ctx, "renewal", 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	start := time.Now()
	_, err = second.Acquire(ctx, "renewal", 300*time.Millisecond)
	if !errors.Is(err, authflow.ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout while lock is held, got: %v", err)
	}
	t.Logf("Contending acquire timed out after %s", time.Since(start).Round(time.Millisecond))

	release()

	release2, err := second.Acquire(ctx, "renewal", 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to acquire released lock: %v", err)
	}
	release2()

	t.Log("Lock handoff between holders completed successfully")
}

// TestRedisIntegration_SessionSharedAcrossProcesses verifies that a session
// established by one client is visible to another client over the same
// Redis namespace, standing in for two processes of one application.
func TestRedisIntegration_SessionSharedAcrossProcesses(t *testing.T) {
	storage := newRedisStorage(t)
	idp := newIdentityProvider(t)
	ctx := context.Background()

	first := newIntegrationClient(t, idp, storage)
	token := login(t, idp, first)
	if token == "" {
		t.Fatal("Expected non-empty access token from login")
	}
	t.Logf("First client established session, token '%s'", token)

	second := newIntegrationClient(t, idp, storage)

	authenticated, err := second.IsAuthenticated(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to check authentication: %v", err)
	}
	if !authenticated {
		t.Error("Expected second client to see the shared session")
	}

	shared, err := second.GetTokenSilently(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to get token from shared session: %v", err)
	}
	if shared != token {
		t.Errorf("Expected shared token '%s', got '%s'", token, shared)
	}

	user, err := second.GetUser(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to get user from shared session: %v", err)
	}
	if user == nil || user.Subject != "integration-user" {
		t.Errorf("Expected shared profile for 'integration-user', got %+v", user)
	}

	code, refresh := idp.grants()
	if code != 1 || refresh != 0 {
		t.Errorf("Expected the shared session to avoid new grants, got code=%d refresh=%d", code, refresh)
	}

	logoutURL, err := second.Logout(ctx, authflow.LogoutOptions{ReturnTo: "https://app.integration.test/"})
	if err != nil {
		t.Fatalf("Failed to log out: %v", err)
	}
	t.Logf("Logout URL: %s", logoutURL)

	authenticated, err = first.IsAuthenticated(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to check authentication after logout: %v", err)
	}
	if authenticated {
		t.Error("Expected first client to see the logout")
	}

	t.Log("Session sharing across clients validated successfully")
}

// TestRedisIntegration_CheckSessionRestoresSession verifies that a fresh
// client can adopt a renewable session left in Redis by an earlier run.
func TestRedisIntegration_CheckSessionRestoresSession(t *testing.T) {
	storage := newRedisStorage(t)
	idp := newIdentityProvider(t)
	ctx := context.Background()

	first := newIntegrationClient(t, idp, storage)
	login(t, idp, first)
	first.Close()

	expireCachedCredentials(t, storage)

	second := newIntegrationClient(t, idp, storage)
	if err := second.CheckSession(ctx, authflow.TokenOptions{}); err != nil {
		t.Fatalf("Failed to restore session: %v", err)
	}

	token, err := second.GetTokenSilently(ctx, authflow.TokenOptions{})
	if err != nil {
		t.Fatalf("Failed to get token after restore: %v", err)
	}
	if token != "at-2" {
		t.Errorf("Expected renewed token 'at-2', got '%s'", token)
	}

	code, refresh := idp.grants()
	if code != 1 || refresh != 1 {
		t.Errorf("Expected exactly one refresh grant during restore, got code=%d refresh=%d", code, refresh)
	}

	t.Log("Session restore through CheckSession validated successfully")
}

// TestRedisIntegration_RenewalSingleFlight verifies that concurrent clients
// renewing the same expired session through Redis perform exactly one
// refresh-token grant between them.
func TestRedisIntegration_RenewalSingleFlight(t *testing.T) {
	storage := newRedisStorage(t)
	idp := newIdentityProvider(t)
	ctx := context.Background()

	seed := newIntegrationClient(t, idp, storage)
	login(t, idp, seed)

	expireCachedCredentials(t, storage)
	idp.setDelay(100 * time.Millisecond)

	const workers = 4
	clients := make([]*authflow.Client, workers)
	for i := range clients {
		clients[i] = newIntegrationClient(t, idp, storage)
	}

	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = clients[i].GetTokenSilently(ctx, authflow.TokenOptions{})
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("Worker %d got token '%s', expected '%s'", i, tokens[i], tokens[0])
		}
	}

	code, refresh := idp.grants()
	if refresh != 1 {
		t.Errorf("Expected exactly 1 refresh grant across %d workers, got %d", workers, refresh)
	}
	if code != 1 {
		t.Errorf("Expected the original single code grant, got %d", code)
	}

	t.Logf("Renewal collapsed to one grant across %d concurrent clients", workers)
}
