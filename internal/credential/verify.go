package credential

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedAPIKey is returned when a raw API key string doesn't carry
// both an id and a secret half.
var ErrMalformedAPIKey = errors.New("credential: malformed api key")

// SplitAPIKey splits a raw presented key of the form "<id>.<secret>" into
// its two halves, the same id-then-secret layout bcrypt-hashed keys use
// elsewhere in this package.
func SplitAPIKey(raw string) (id, secret string, err error) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedAPIKey
	}
	return parts[0], parts[1], nil
}

// Verifier validates previously issued JWTs against the current JWKS set,
// for callers (the permission-check endpoint) that accept a Bearer token
// instead of exchanging a fresh one.
type Verifier struct {
	JWKS     JWKSStore
	Issuer   string
	Audience string
}

// Verify parses and validates tokenString, returning its claims on success.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (TokenClaims, error) {
	var claims TokenClaims
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("credential: unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("credential: token missing kid header")
		}
		entry, found, err := v.JWKS.Get(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("credential: load jwks entry %q: %w", kid, err)
		}
		if !found {
			return nil, fmt.Errorf("credential: unknown signing key %q", kid)
		}
		return parseRSAPublicKey(entry.PublicKeyPEM)
	}, jwt.WithIssuer(v.Issuer), jwt.WithAudience(v.Audience))
	if err != nil {
		return TokenClaims{}, fmt.Errorf("credential: verify token: %w", err)
	}
	if !parsed.Valid {
		return TokenClaims{}, fmt.Errorf("credential: token is not valid")
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, fmt.Errorf("credential: unexpected claim type")
	}
	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Issuer, _ = mapClaims["iss"].(string)
	claims.Audience, _ = mapClaims["aud"].(string)
	claims.Scope, _ = mapClaims["scope"].(string)
	claims.APIKeyID, _ = mapClaims["apiKeyId"].(string)
	claims.Permissions = toStringSliceMap(mapClaims["permissions"])
	claims.ABACRequired = toStringSliceMap(mapClaims["abac_required"])
	return claims, nil
}

func toStringSliceMap(raw any) map[string][]string {
	asMap, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(asMap))
	for k, v := range asMap {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		values := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
		out[k] = values
	}
	return out
}

func parseRSAPublicKey(pemStr string) (interface{}, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("credential: jwks public key is not PEM encoded")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
