package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/platform/metrics"
)

type fixedCipher struct{}

func (fixedCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (fixedCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func newRotator() *Rotator {
	return &Rotator{
		Store:   NewInMemoryJWKSStore(),
		Cipher:  fixedCipher{},
		Metrics: metrics.Noop(),
	}
}

func TestRotateIfNeeded_CreatesKeyWhenMissing(t *testing.T) {
	r := newRotator()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rotated, reason, err := r.RotateIfNeeded(context.Background(), now)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, ReasonMissingKey, reason)

	latest, found, err := r.Store.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now, latest.CreatedAt)
}

func TestRotateIfNeeded_NoopWithinInterval(t *testing.T) {
	r := newRotator()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := r.RotateIfNeeded(context.Background(), t0)
	require.NoError(t, err)

	rotated, _, err := r.RotateIfNeeded(context.Background(), t0.Add(10*24*time.Hour))
	require.NoError(t, err)
	require.False(t, rotated)
}

func TestRotateIfNeeded_RotatesAfterInterval(t *testing.T) {
	r := newRotator()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := r.RotateIfNeeded(context.Background(), t0)
	require.NoError(t, err)

	rotated, reason, err := r.RotateIfNeeded(context.Background(), t0.Add(RotationInterval))
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, ReasonIntervalElapsed, reason)
}

func TestRotateIfNeeded_PrunesBeyondRetentionButKeepsLatest(t *testing.T) {
	r := newRotator()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := r.RotateIfNeeded(context.Background(), t0)
	require.NoError(t, err)

	// Jump far enough to rotate twice more, well past retention for t0's entry.
	t1 := t0.Add(RotationInterval)
	_, _, err = r.RotateIfNeeded(context.Background(), t1)
	require.NoError(t, err)

	t2 := t1.Add(RetentionWindow + RotationInterval)
	rotated, _, err := r.RotateIfNeeded(context.Background(), t2)
	require.NoError(t, err)
	require.True(t, rotated)

	entries, err := r.Store.All(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		require.True(t, t2.Sub(e.CreatedAt) <= RetentionWindow, "stale entry %s should have been pruned", e.ID)
	}
}

func TestRotateIfNeeded_DecryptRoundTripsSignedKey(t *testing.T) {
	r := newRotator()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := r.RotateIfNeeded(context.Background(), now)
	require.NoError(t, err)

	latest, found, err := r.Store.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	key, err := r.decryptPrivateKey(latest)
	require.NoError(t, err)
	require.NotNil(t, key)
}
