// Package credential implements the Credential Engine of §4.5: API key to
// JWT exchange and JWKS rotation, grounded on the teacher's
// infrastructure/serviceauth RSA/JWT helpers generalized from
// service-to-service tokens to end-user API-key exchange.
package credential

import "time"

// RotationInterval and RetentionWindow are JWKS's named constants (§4.5).
const (
	RotationInterval = 30 * 24 * time.Hour
	RetentionWindow  = 60 * 24 * time.Hour
	TokenTTL         = 15 * time.Minute
)

// RotationReason records why rotateIfNeeded created a new key.
type RotationReason string

const (
	ReasonMissingKey      RotationReason = "missing_key"
	ReasonIntervalElapsed RotationReason = "interval_elapsed"
)

// JWKSEntry is one signing key pair (§3 JWKS Entry). PrivateKeyEncrypted is
// the AEAD ciphertext produced by the Secrets Vault's cipher; the plaintext
// key is only ever held in memory for the duration of one sign operation.
type JWKSEntry struct {
	ID                  string
	PublicKeyPEM        string
	PrivateKeyEncrypted []byte
	CreatedAt           time.Time
}

// APIKey is a long-lived credential exchanged for short-lived JWTs.
type APIKey struct {
	ID         string
	UserID     string
	HashedKey  string // bcrypt hash; the raw key is never persisted
	Active     bool
	ExpiresAt  time.Time // zero value means the key never expires
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// TokenClaims mirrors the exact claim set of §4.5's exchange operation.
// Enrichment carries whatever the token_issuance hook merged into context,
// if a Pipeline dispatcher is wired; absent one, it is always empty.
type TokenClaims struct {
	Subject      string              `json:"sub"`
	Issuer       string              `json:"iss"`
	Audience     string              `json:"aud"`
	IssuedAt     int64               `json:"iat"`
	ExpiresAt    int64               `json:"exp"`
	Scope        string              `json:"scope"`
	APIKeyID     string              `json:"apiKeyId"`
	Permissions  map[string][]string `json:"permissions"`
	ABACRequired map[string][]string `json:"abac_required,omitempty"`
	Enrichment   map[string]any      `json:"enrichment,omitempty"`
}

// ExchangeResult is the token exchange endpoint's success payload (§6).
type ExchangeResult struct {
	Token     string
	TokenType string
	ExpiresIn int
	ExpiresAt time.Time
}
