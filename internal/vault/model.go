// Package vault implements the Secrets Vault of §5.7: AEAD-sealed platform
// secrets keyed by an `[A-Z0-9_]+` name, grounded on
// infrastructure/secrets/manager.go's AEAD construction and key-normalization
// discipline, generalized from per-user oracle secrets to platform secrets
// (JWKS private-key encryption, webhook signing keys, and the like).
package vault

import (
	"regexp"
	"time"
)

// NamePattern is the legal shape for a secret name.
var NamePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Secret is one stored, sealed value.
type Secret struct {
	Name      string
	Sealed    string // "iv.ciphertext.authTag", each segment base64url
	CreatedAt time.Time
	UpdatedAt time.Time
}
