package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

const rsaKeyBits = 2048

// Cipher encrypts/decrypts the JWKS private-key halves at rest, satisfied by
// the Secrets Vault's AEAD cipher.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Rotator owns JWKS rotation (§4.5): rotateIfNeeded and pruning.
type Rotator struct {
	Store   JWKSStore
	Cipher  Cipher
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// RotateIfNeeded creates a new signing key pair when none exists or the
// latest is older than RotationInterval, then prunes entries older than
// RetentionWindow (excluding the current latest). Reports whether a
// rotation happened and why.
func (r *Rotator) RotateIfNeeded(ctx context.Context, now time.Time) (rotated bool, reason RotationReason, err error) {
	start := time.Now()
	latest, found, err := r.Store.Latest(ctx)
	if err != nil {
		return false, "", fmt.Errorf("credential: read latest jwks entry: %w", err)
	}

	switch {
	case !found:
		reason = ReasonMissingKey
	case now.Sub(latest.CreatedAt) >= RotationInterval:
		reason = ReasonIntervalElapsed
	}

	if reason != "" {
		newEntry, genErr := r.generateEntry(now)
		if genErr != nil {
			return false, "", genErr
		}
		if err := r.Store.Insert(ctx, newEntry); err != nil {
			return false, "", fmt.Errorf("credential: insert jwks entry: %w", err)
		}
		latest = newEntry
		rotated = true
		if r.Metrics != nil {
			r.Metrics.JWKSRotationsTotal.WithLabelValues(string(reason)).Inc()
		}
		if r.Log != nil {
			r.Log.Component("credential").WithField("reason", string(reason)).WithField("key_id", newEntry.ID).Info("rotated jwks signing key")
		}
	}

	cutoff := now.Add(-RetentionWindow)
	pruned, err := r.Store.DeleteOlderThan(ctx, cutoff, latest.ID)
	if err != nil {
		return rotated, reason, fmt.Errorf("credential: prune jwks entries: %w", err)
	}
	if r.Metrics != nil {
		if pruned > 0 {
			r.Metrics.JWKSPrunedTotal.Add(float64(pruned))
		}
		r.Metrics.JWKSRotationSeconds.Observe(time.Since(start).Seconds())
		r.Metrics.JWKSActiveKeyAgeMs.Set(float64(now.Sub(latest.CreatedAt).Milliseconds()))
	}
	return rotated, reason, nil
}

func (r *Rotator) generateEntry(now time.Time) (JWKSEntry, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return JWKSEntry{}, fmt.Errorf("credential: generate rsa key: %w", err)
	}
	pubPEM, err := encodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return JWKSEntry{}, err
	}
	privDER := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})
	encrypted, err := r.Cipher.Encrypt(privPEM)
	if err != nil {
		return JWKSEntry{}, fmt.Errorf("credential: encrypt jwks private key: %w", err)
	}
	return JWKSEntry{
		ID:                  uuid.NewString(),
		PublicKeyPEM:        pubPEM,
		PrivateKeyEncrypted: encrypted,
		CreatedAt:           now,
	}, nil
}

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("credential: marshal jwks public key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block), nil
}

// decryptPrivateKey decrypts and parses entry's private half. The returned
// key is never cached by callers; it lives only for one sign operation.
func (r *Rotator) decryptPrivateKey(e JWKSEntry) (*rsa.PrivateKey, error) {
	plain, err := r.Cipher.Decrypt(e.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt jwks private key: %w", err)
	}
	block, _ := pem.Decode(plain)
	if block == nil {
		return nil, fmt.Errorf("credential: jwks private key is not PEM encoded")
	}
	return parseRSAPrivateKey(block)
}

// parseRSAPrivateKey accepts both PKCS1 and PKCS8 encodings, grounded on the
// teacher's ParseRSAPrivateKeyFromPEM block-type switch.
func parseRSAPrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("credential: parse rsa private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("credential: pkcs8 key is not RSA")
	}
	return key, nil
}
