// Package authflow implements the client side of the OAuth 2.0
// Authorization Code flow with PKCE, including OpenID Connect ID token
// verification, credential caching, and silent session renewal with
// refresh tokens.
//
// The package acts as the engine of a public relying party: it builds
// authorize URLs, completes redirect callbacks, and serves access tokens
// from a cache that renews itself without user interaction. It never
// handles user credentials and never needs a client secret.
//
// # Login Round Trip
//
// A login starts with an authorize URL and finishes when the provider
// redirects back:
//
//	client, err := authflow.New(&authflow.Config{
//	    Domain:      "myapp.us.auth0.com",
//	    ClientID:    "client-id",
//	    RedirectURI: "https://myapp.example.com/callback",
//	    Audience:    "https://api.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Send the user to the provider.
//	authURL, err := client.BuildAuthorizeURL(ctx, authflow.LoginOptions{
//	    AppState: "/dashboard", // restored after the redirect
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Redirect(w, r, authURL, http.StatusFound)
//
//	// In the callback handler:
//	result, err := client.HandleRedirectCallback(ctx, r.URL.String())
//	if err != nil {
//	    log.Printf("Login failed: %v", err)
//	    return
//	}
//	http.Redirect(w, r, result.AppState, http.StatusFound)
//
// State, nonce, and the PKCE verifier are generated and stored per
// attempt; the callback is accepted only when its state matches a pending
// attempt, and each attempt completes at most once.
//
// # Access Tokens
//
// GetTokenSilently returns a cached access token when one is usable, and
// otherwise renews the session with a refresh-token grant:
//
//	token, err := client.GetTokenSilently(ctx, authflow.TokenOptions{})
//	if errors.Is(err, authflow.ErrLoginRequired) {
//	    // Start an interactive login.
//	}
//
// Enable refresh tokens with Config.UseRefreshTokens; the offline_access
// scope is then requested automatically. Concurrent callers are
// serialized on a renewal lock so a burst of requests performs a single
// grant.
//
// # Sessions Across Restarts
//
// With a persistent Storage backend a session survives process restarts.
// CheckSession primes the cache on startup:
//
//	storage, err := authflow.NewRedisStorage(authflow.RedisConfig{
//	    Addr:      "127.0.0.1:6379",
//	    KeyPrefix: "myapp:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := authflow.New(&authflow.Config{
//	    Domain:           "myapp.us.auth0.com",
//	    ClientID:         "client-id",
//	    UseRefreshTokens: true,
//	    Storage:          storage,
//	    Lock:             authflow.NewRedisLock(storage.Client(), "myapp:"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := client.CheckSession(ctx, authflow.TokenOptions{}); err != nil {
//	    log.Printf("Session restore failed: %v", err)
//	}
//
// CheckSession is a no-op when no previous session marked itself
// authenticated, and a clean "login required" outcome is not an error.
//
// # User Profile
//
// GetUser returns the verified ID token claims from the cache, or nil
// when nobody is logged in:
//
//	user, err := client.GetUser(ctx, authflow.TokenOptions{})
//	if err == nil && user != nil {
//	    fmt.Printf("Hello, %s\n", user.Name)
//	}
//
// # Logout
//
//	logoutURL, err := client.Logout(ctx, authflow.LogoutOptions{
//	    ReturnTo: "https://myapp.example.com/",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Redirect(w, r, logoutURL, http.StatusFound)
//
// Local credentials are cleared first; the returned URL ends the
// provider's session. LogoutOptions.LocalOnly skips the provider, and
// LogoutOptions.Federated also ends the upstream identity provider
// session.
//
// # Thread Safety
//
// The Client is safe for concurrent use. Silent renewal is additionally
// serialized across processes when Storage and Lock are backed by a
// shared store such as Redis.
//
// # Security Considerations
//
//   - PKCE (S256) binds the authorization code to this client
//   - The state parameter binds each callback to its attempt exactly once
//   - ID tokens are verified against the provider JWKS, including issuer,
//     audience, nonce, and lifetime checks
//   - Refresh tokens stay inside the Storage backend; pick one with
//     appropriate protection for the deployment
//   - Never log token or verifier values
package authflow
