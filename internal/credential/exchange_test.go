package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/authz"
	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

type fakeHookDispatcher struct {
	result *pipeline.DispatchResult
	err    error
}

func (f *fakeHookDispatcher) Dispatch(_ context.Context, _ pipeline.HookName, _ string, _ map[string]any) (*pipeline.DispatchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("not pem encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an rsa public key")
	}
	return rsaPub, nil
}

type memAPIKeyStore struct {
	keys      map[string]APIKey
	touchedAt map[string]time.Time
}

func newMemAPIKeyStore(keys ...APIKey) *memAPIKeyStore {
	s := &memAPIKeyStore{keys: map[string]APIKey{}, touchedAt: map[string]time.Time{}}
	for _, k := range keys {
		s.keys[k.ID] = k
	}
	return s
}

func (s *memAPIKeyStore) FindByID(_ context.Context, id string) (APIKey, error) {
	k, ok := s.keys[id]
	if !ok {
		return APIKey{}, ErrAPIKeyNotFound
	}
	return k, nil
}

func (s *memAPIKeyStore) Touch(_ context.Context, id string, at time.Time) error {
	s.touchedAt[id] = at
	return nil
}

type fakeResolver struct {
	set authz.PermissionSet
}

func (f fakeResolver) ResolveAllPermissionsWithABACInfo(_ context.Context, _, _ string) (authz.PermissionSet, error) {
	return f.set, nil
}

func newExchanger(t *testing.T, keys *memAPIKeyStore, resolver PermissionResolver) *Exchanger {
	t.Helper()
	jwks := NewInMemoryJWKSStore()
	rotator := &Rotator{Store: jwks, Cipher: fixedCipher{}, Metrics: metrics.Noop()}
	_, _, err := rotator.RotateIfNeeded(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	return &Exchanger{
		APIKeys:     keys,
		JWKS:        jwks,
		Rotator:     rotator,
		Permissions: resolver,
		Issuer:      "authplatform",
		Audience:    "authplatform-api",
		Metrics:     metrics.Noop(),
	}
}

func TestExchange_IssuesTokenCarryingResolvedPermissions(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: true})
	resolver := fakeResolver{set: authz.PermissionSet{
		Permissions:  map[string][]string{"doc:D1": {"read"}},
		ABACRequired: map[string][]string{"account:A1": {"refund"}},
	}}
	x := newExchanger(t, keys, resolver)

	result, err := x.Exchange(context.Background(), "key1", "super-secret")
	require.NoError(t, err)
	require.Equal(t, "Bearer", result.TokenType)
	require.Equal(t, 900, result.ExpiresIn)

	parsed, err := jwt.Parse(result.Token, func(tok *jwt.Token) (any, error) {
		latest, _, err := x.JWKS.Latest(context.Background())
		if err != nil {
			return nil, err
		}
		return parsePublicKeyPEM(latest.PublicKeyPEM)
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, "U1", claims["sub"])
	require.Equal(t, "api_key_exchange", claims["scope"])
	require.Equal(t, "key1", claims["apiKeyId"])
	require.Contains(t, keys.touchedAt, "key1")
}

func TestExchange_TokenIssuanceEnrichmentCarriedInClaims(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: true})
	x := newExchanger(t, keys, fakeResolver{})
	x.Pipeline = &fakeHookDispatcher{result: &pipeline.DispatchResult{
		Verdict: pipeline.VerdictAllow,
		Context: map[string]any{"tier": "gold"},
	}}

	result, err := x.Exchange(context.Background(), "key1", "super-secret")
	require.NoError(t, err)

	parsed, err := jwt.Parse(result.Token, func(tok *jwt.Token) (any, error) {
		latest, _, err := x.JWKS.Latest(context.Background())
		if err != nil {
			return nil, err
		}
		return parsePublicKeyPEM(latest.PublicKeyPEM)
	})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	enrichment, ok := claims["enrichment"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "gold", enrichment["tier"])
}

func TestExchange_NilPipelineSkipsEnrichment(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: true})
	x := newExchanger(t, keys, fakeResolver{})

	result, err := x.Exchange(context.Background(), "key1", "super-secret")
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
}

func TestExchange_InactiveKeyDenied(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: false})
	x := newExchanger(t, keys, fakeResolver{})

	_, err = x.Exchange(context.Background(), "key1", "super-secret")
	require.ErrorIs(t, err, ErrAPIKeyInactive)
}

func TestExchange_ExpiredKeyDenied(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: true, ExpiresAt: time.Now().UTC().Add(-time.Hour)})
	x := newExchanger(t, keys, fakeResolver{})

	_, err = x.Exchange(context.Background(), "key1", "super-secret")
	require.ErrorIs(t, err, ErrAPIKeyExpired)
}

func TestExchange_WrongSecretDenied(t *testing.T) {
	hashed, err := HashAPIKey("super-secret")
	require.NoError(t, err)
	keys := newMemAPIKeyStore(APIKey{ID: "key1", UserID: "U1", HashedKey: hashed, Active: true})
	x := newExchanger(t, keys, fakeResolver{})

	_, err = x.Exchange(context.Background(), "key1", "wrong")
	require.ErrorIs(t, err, ErrAPIKeyMismatch)
}

func TestExchange_UnknownKeyDenied(t *testing.T) {
	keys := newMemAPIKeyStore()
	x := newExchanger(t, keys, fakeResolver{})

	_, err := x.Exchange(context.Background(), "nope", "anything")
	require.ErrorIs(t, err, ErrAPIKeyNotFound)
}
