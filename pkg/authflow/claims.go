package authflow

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims holds the decoded claims of a verified ID token. GetUser
// returns these as the user profile.
type IDTokenClaims struct {
	// Standard JWT claims
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  []string `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	NotBefore int64    `json:"nbf,omitempty"`

	// OIDC claims
	AuthTime int64    `json:"auth_time,omitempty"`
	Nonce    string   `json:"nonce,omitempty"`
	ACR      string   `json:"acr,omitempty"`
	AMR      []string `json:"amr,omitempty"`
	AZP      string   `json:"azp,omitempty"`

	// Profile claims
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	MiddleName        string `json:"middle_name,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Profile           string `json:"profile,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Website           string `json:"website,omitempty"`
	Gender            string `json:"gender,omitempty"`
	Birthdate         string `json:"birthdate,omitempty"`
	Zoneinfo          string `json:"zoneinfo,omitempty"`
	Locale            string `json:"locale,omitempty"`
	UpdatedAt         int64  `json:"updated_at,omitempty"`

	// Email claims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`

	// Phone claims
	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified bool   `json:"phone_number_verified,omitempty"`

	// Address claim (structured)
	Address *AddressClaim `json:"address,omitempty"`

	// Custom holds any claims outside the standard set. Serialized with
	// cached credentials so custom claims survive a session restore.
	Custom map[string]interface{} `json:"custom,omitempty"`
}

// AddressClaim is the structured OIDC address claim.
type AddressClaim struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}

// standardClaimNames is the set of claim names mapped to IDTokenClaims
// fields; anything else lands in Custom.
var standardClaimNames = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	"auth_time": true, "nonce": true, "acr": true, "amr": true, "azp": true,
	"at_hash": true, "c_hash": true,
	"name": true, "given_name": true, "family_name": true, "middle_name": true,
	"nickname": true, "preferred_username": true, "profile": true, "picture": true,
	"website": true, "gender": true, "birthdate": true, "zoneinfo": true, "locale": true,
	"updated_at": true, "email": true, "email_verified": true,
	"phone_number": true, "phone_number_verified": true, "address": true,
}

// parseIDTokenClaims extracts IDTokenClaims from a parsed JWT.
func parseIDTokenClaims(token *jwt.Token) (*IDTokenClaims, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrTokenVerification)
	}

	idClaims := &IDTokenClaims{
		Audience: stringsFromClaim(claims["aud"]),
		AMR:      stringsFromClaim(claims["amr"]),
		Custom:   make(map[string]interface{}),
	}

	extractStringClaim(claims, "iss", &idClaims.Issuer)
	extractStringClaim(claims, "sub", &idClaims.Subject)
	extractStringClaim(claims, "nonce", &idClaims.Nonce)
	extractStringClaim(claims, "acr", &idClaims.ACR)
	extractStringClaim(claims, "azp", &idClaims.AZP)

	extractTimeClaim(claims, "exp", &idClaims.ExpiresAt)
	extractTimeClaim(claims, "iat", &idClaims.IssuedAt)
	extractTimeClaim(claims, "nbf", &idClaims.NotBefore)
	extractTimeClaim(claims, "auth_time", &idClaims.AuthTime)
	extractTimeClaim(claims, "updated_at", &idClaims.UpdatedAt)

	extractStringClaim(claims, "name", &idClaims.Name)
	extractStringClaim(claims, "given_name", &idClaims.GivenName)
	extractStringClaim(claims, "family_name", &idClaims.FamilyName)
	extractStringClaim(claims, "middle_name", &idClaims.MiddleName)
	extractStringClaim(claims, "nickname", &idClaims.Nickname)
	extractStringClaim(claims, "preferred_username", &idClaims.PreferredUsername)
	extractStringClaim(claims, "profile", &idClaims.Profile)
	extractStringClaim(claims, "picture", &idClaims.Picture)
	extractStringClaim(claims, "website", &idClaims.Website)
	extractStringClaim(claims, "gender", &idClaims.Gender)
	extractStringClaim(claims, "birthdate", &idClaims.Birthdate)
	extractStringClaim(claims, "zoneinfo", &idClaims.Zoneinfo)
	extractStringClaim(claims, "locale", &idClaims.Locale)

	extractStringClaim(claims, "email", &idClaims.Email)
	if verified, ok := claims["email_verified"].(bool); ok {
		idClaims.EmailVerified = verified
	}

	extractStringClaim(claims, "phone_number", &idClaims.PhoneNumber)
	if verified, ok := claims["phone_number_verified"].(bool); ok {
		idClaims.PhoneNumberVerified = verified
	}

	if addrMap, ok := claims["address"].(map[string]interface{}); ok {
		addr := &AddressClaim{}
		extractStringClaim(addrMap, "formatted", &addr.Formatted)
		extractStringClaim(addrMap, "street_address", &addr.StreetAddress)
		extractStringClaim(addrMap, "locality", &addr.Locality)
		extractStringClaim(addrMap, "region", &addr.Region)
		extractStringClaim(addrMap, "postal_code", &addr.PostalCode)
		extractStringClaim(addrMap, "country", &addr.Country)
		idClaims.Address = addr
	}

	for key, value := range claims {
		if !standardClaimNames[key] {
			idClaims.Custom[key] = value
		}
	}

	return idClaims, nil
}

// stringsFromClaim normalizes a claim that providers send as either a
// string or an array of strings, such as aud and amr.
func stringsFromClaim(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// extractStringClaim copies a string claim into dest when present.
func extractStringClaim(claims map[string]interface{}, key string, dest *string) {
	if val, ok := claims[key].(string); ok {
		*dest = val
	}
}

// extractTimeClaim copies a numeric date claim into dest when present.
// JSON numbers decode as float64.
func extractTimeClaim(claims map[string]interface{}, key string, dest *int64) {
	if val, ok := claims[key].(float64); ok {
		*dest = int64(val)
	}
}
