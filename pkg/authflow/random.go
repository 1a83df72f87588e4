package authflow

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// randomToken generates a URL-safe random string with 256 bits of entropy.
// Used for state and nonce values, where collisions across concurrent
// authorization attempts must be negligible.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generatePKCE generates a PKCE code verifier and its S256 challenge
// (base64url of the SHA-256 digest of the verifier). The verifier is held
// in the transaction and never appears in the authorize request.
func generatePKCE() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	challenge = oauth2.S256ChallengeFromVerifier(verifier)
	return verifier, challenge
}
