package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/platform/metrics"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(NewInMemoryStore(), "platform-master-secret", metrics.Noop(), nil)
	require.NoError(t, err)
	return v
}

func TestVault_PutThenGetRoundTrips(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.PutSecret(context.Background(), "JWKS_SIGNING_KEY", "super-secret-value"))

	value, found := v.GetSecretValue(context.Background(), "JWKS_SIGNING_KEY")
	require.True(t, found)
	require.Equal(t, "super-secret-value", value)
}

func TestVault_GetMissingReturnsNotFoundNotError(t *testing.T) {
	v := newTestVault(t)
	value, found := v.GetSecretValue(context.Background(), "NEVER_SET")
	require.False(t, found)
	require.Empty(t, value)
}

func TestVault_RejectsInvalidName(t *testing.T) {
	v := newTestVault(t)
	err := v.PutSecret(context.Background(), "lower-case-not-allowed", "x")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestVault_RotateReplacesValueButKeepsCreatedAt(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.PutSecret(context.Background(), "API_SIGNING_SECRET", "v1"))

	before, found, err := v.Store.Get(context.Background(), "API_SIGNING_SECRET")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, v.RotateSecret(context.Background(), "API_SIGNING_SECRET", "v2"))

	after, found, err := v.Store.Get(context.Background(), "API_SIGNING_SECRET")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, before.CreatedAt, after.CreatedAt)

	value, found := v.GetSecretValue(context.Background(), "API_SIGNING_SECRET")
	require.True(t, found)
	require.Equal(t, "v2", value)
}

func TestVault_DeleteRemovesSecret(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.PutSecret(context.Background(), "TEMP_KEY", "x"))
	require.NoError(t, v.DeleteSecret(context.Background(), "TEMP_KEY"))

	_, found := v.GetSecretValue(context.Background(), "TEMP_KEY")
	require.False(t, found)
}

func TestVault_TamperedCiphertextFailsToUnseal(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.PutSecret(context.Background(), "TAMPER_TEST", "original"))

	store := v.Store.(*InMemoryStore)
	sec, _, err := store.Get(context.Background(), "TAMPER_TEST")
	require.NoError(t, err)
	sec.Sealed = sec.Sealed[:len(sec.Sealed)-2] + "zz"
	require.NoError(t, store.Put(context.Background(), sec))

	_, found := v.GetSecretValue(context.Background(), "TAMPER_TEST")
	require.False(t, found)
}
