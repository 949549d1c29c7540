package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
)

// ErrInvalidName rejects a secret name outside NamePattern.
var ErrInvalidName = fmt.Errorf("vault: name must match %s", NamePattern.String())

// Store persists sealed secret records.
type Store interface {
	Get(ctx context.Context, name string) (Secret, bool, error)
	Put(ctx context.Context, s Secret) error
	Delete(ctx context.Context, name string) error
}

// Vault seals and unseals platform secrets with AES-256-GCM, keyed by a
// platform secret padded/truncated to 32 bytes (normalizeKey), in the
// "iv.ciphertext.authTag" base64url layout.
type Vault struct {
	Store   Store
	aead    cipher.AEAD
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// New builds a Vault whose AEAD key is derived from platformSecret via
// normalizeKey (pad-or-truncate to 32 bytes), matching the teacher's
// normalizeMasterKey discipline.
func New(store Store, platformSecret string, m *metrics.Metrics, log *logging.Logger) (*Vault, error) {
	key := normalizeKey(platformSecret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{Store: store, aead: aead, Metrics: m, Log: log}, nil
}

// normalizeKey pads a short platform secret with zero bytes and truncates a
// long one, so any non-empty secret yields a usable 32-byte AES-256 key.
func normalizeKey(raw string) []byte {
	key := make([]byte, keyLen)
	copy(key, []byte(raw))
	return key
}

// PutSecret seals value and stores it under name, replacing any prior value.
func (v *Vault) PutSecret(ctx context.Context, name, value string) error {
	if !NamePattern.MatchString(name) {
		return ErrInvalidName
	}
	sealed, err := v.seal(value)
	if err != nil {
		return fmt.Errorf("vault: seal %q: %w", name, err)
	}

	existing, found, err := v.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}
	return v.Store.Put(ctx, Secret{Name: name, Sealed: sealed, CreatedAt: createdAt, UpdatedAt: now})
}

// GetSecretValue returns the unsealed value, or "", false on any miss or
// failure: decrypt/lookup errors are logged, never returned to the caller,
// per §5.7 "getSecretValue returns nil on miss/failure (logged not thrown)".
func (v *Vault) GetSecretValue(ctx context.Context, name string) (string, bool) {
	value, found, err := v.getSecretValue(ctx, name)
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case !found:
		outcome = "miss"
	}
	if v.Log != nil {
		entry := v.Log.Component("vault").WithField("name", name).WithField("outcome", outcome)
		if err != nil {
			entry.WithField("error", err.Error()).Warn("secret read failed")
		} else {
			entry.Debug("secret read")
		}
	}
	return value, found
}

func (v *Vault) getSecretValue(ctx context.Context, name string) (string, bool, error) {
	rec, found, err := v.Store.Get(ctx, name)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	plain, err := v.unseal(rec.Sealed)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

// DeleteSecret removes name, if present.
func (v *Vault) DeleteSecret(ctx context.Context, name string) error {
	return v.Store.Delete(ctx, name)
}

// RotateSecret seals newValue under name; the new sealed record is written
// durably before the call returns, so a concurrent reader never observes a
// torn/missing value (create-then-delete, §5.7 — there is nothing to delete
// separately since PutSecret itself overwrites the prior record in place).
func (v *Vault) RotateSecret(ctx context.Context, name, newValue string) error {
	if !NamePattern.MatchString(name) {
		return ErrInvalidName
	}
	if err := v.PutSecret(ctx, name, newValue); err != nil {
		return fmt.Errorf("vault: rotate %q: %w", name, err)
	}
	return nil
}

// Seal encrypts an arbitrary value under the vault's key, for callers that
// need an AEAD-protected blob outside the named-secret Store (e.g. a
// webhook endpoint's own signing secret, stored inline on its row).
func (v *Vault) Seal(plaintext string) (string, error) {
	return v.seal(plaintext)
}

// Unseal decrypts a value produced by Seal or PutSecret.
func (v *Vault) Unseal(sealed string) (string, error) {
	return v.unseal(sealed)
}

func (v *Vault) seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagLen {
		return "", fmt.Errorf("vault: unexpected sealed length")
	}
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return strings.Join([]string{b64(nonce), b64(ciphertext), b64(tag)}, "."), nil
}

func (v *Vault) unseal(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("vault: malformed sealed value")
	}
	nonce, err := unb64(parts[0])
	if err != nil {
		return "", err
	}
	ciphertext, err := unb64(parts[1])
	if err != nil {
		return "", err
	}
	tag, err := unb64(parts[2])
	if err != nil {
		return "", err
	}
	plain, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plain), nil
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
