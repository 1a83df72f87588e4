package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// expiryGrace is the window before access token expiry during which a
// cached entry already counts as a miss, so callers never receive a token
// about to expire mid-request.
const expiryGrace = 60 * time.Second

// CredentialRecord is one granted token set and its decoded identity,
// keyed by (client, audience, scope).
type CredentialRecord struct {
	ClientID     string         `json:"client_id"`
	Audience     string         `json:"audience"`
	Scope        string         `json:"scope"`
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Claims       *IDTokenClaims `json:"claims,omitempty"`
}

// cacheKey builds the storage key for one (client, audience, scope) set.
// The scope portion is order-independent, so scope strings naming the same
// set share an entry, and an empty audience shares the default entry.
func cacheKey(clientID, audience, scope string) string {
	return cacheKeyPrefix + clientID + "::" + normalizeAudience(audience) + "::" + scopeKey(scope)
}

// credentialCache stores CredentialRecords in a Storage backend.
type credentialCache struct {
	storage Storage
	now     func() time.Time
}

// get returns the record under key if its access token remains usable for
// at least the grace window. An expired record that still carries a
// refresh token comes back stripped to just that token; one without is
// discarded. A missing entry returns (nil, nil).
func (c *credentialCache) get(ctx context.Context, key string, grace time.Duration) (*CredentialRecord, error) {
	rec, err := c.peek(ctx, key)
	if err != nil || rec == nil {
		return rec, err
	}

	if rec.ExpiresAt.After(c.now().Add(grace)) {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		_ = c.storage.Delete(ctx, key)
		return nil, nil
	}
	return &CredentialRecord{
		ClientID:     rec.ClientID,
		Audience:     rec.Audience,
		Scope:        rec.Scope,
		RefreshToken: rec.RefreshToken,
	}, nil
}

// peek returns the record under key regardless of expiry. GetUser reads
// through peek so the profile outlives the access token.
func (c *credentialCache) peek(ctx context.Context, key string) (*CredentialRecord, error) {
	data, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return nil, nil
	}

	var rec CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &rec, nil
}

// set stores rec under its (client, audience, scope) key.
func (c *credentialCache) set(ctx context.Context, rec *CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	key := cacheKey(rec.ClientID, rec.Audience, rec.Scope)
	if err := c.storage.Set(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// clear removes every cached record for this package.
func (c *credentialCache) clear(ctx context.Context) error {
	keys, err := c.storage.List(ctx, cacheKeyPrefix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, key := range keys {
		if err := c.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}
