package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/corehook/authplatform/internal/authz"
	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

// ErrAPIKeyInactive is returned when the presented key resolves to a
// deactivated APIKey record.
var ErrAPIKeyInactive = errors.New("credential: api key is inactive")

// ErrAPIKeyExpired is returned when the presented key's ExpiresAt has passed.
var ErrAPIKeyExpired = errors.New("credential: api key is expired")

// ErrAPIKeyMismatch is returned when the raw secret fails bcrypt comparison
// against the stored hash.
var ErrAPIKeyMismatch = errors.New("credential: api key does not match")

// PermissionResolver computes a subject's ABAC-aware permission set,
// satisfied by *authz.Engine.
type PermissionResolver interface {
	ResolveAllPermissionsWithABACInfo(ctx context.Context, subjectType, subjectID string) (authz.PermissionSet, error)
}

// HookDispatcher fires a pipeline hook and returns its dispatch result,
// satisfied by *pipeline.Dispatcher.
type HookDispatcher interface {
	Dispatch(ctx context.Context, hook pipeline.HookName, userID string, initialContext map[string]any) (*pipeline.DispatchResult, error)
}

// Exchanger implements the API key -> JWT exchange operation of §4.5.
type Exchanger struct {
	APIKeys     APIKeyStore
	JWKS        JWKSStore
	Rotator     *Rotator
	Permissions PermissionResolver
	Pipeline    HookDispatcher // may be nil; token_issuance enrichment is then skipped
	Issuer      string
	Audience    string
	Metrics     *metrics.Metrics
	Log         *logging.Logger
}

// Exchange verifies apiKeyID/rawSecret, resolves the bearer's permissions,
// and signs a short-lived RS256 JWT carrying them.
func (x *Exchanger) Exchange(ctx context.Context, apiKeyID, rawSecret string) (ExchangeResult, error) {
	result, err := x.exchange(ctx, apiKeyID, rawSecret)
	if x.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "denied"
		}
		x.Metrics.TokenExchangeTotal.WithLabelValues(outcome).Inc()
	}
	return result, err
}

func (x *Exchanger) exchange(ctx context.Context, apiKeyID, rawSecret string) (ExchangeResult, error) {
	key, err := x.APIKeys.FindByID(ctx, apiKeyID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if err := VerifySecret(key, rawSecret); err != nil {
		return ExchangeResult{}, err
	}

	perms, err := x.Permissions.ResolveAllPermissionsWithABACInfo(ctx, "user", key.UserID)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("credential: resolve permissions: %w", err)
	}

	entry, found, err := x.JWKS.Latest(ctx)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("credential: load jwks: %w", err)
	}
	if !found {
		return ExchangeResult{}, fmt.Errorf("credential: no jwks signing key available")
	}
	privateKey, err := x.Rotator.decryptPrivateKey(entry)
	if err != nil {
		return ExchangeResult{}, err
	}

	enrichment, err := x.dispatchTokenIssuance(ctx, key, perms)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("credential: token_issuance hook: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(TokenTTL)
	claims := TokenClaims{
		Subject:      key.UserID,
		Issuer:       x.Issuer,
		Audience:     x.Audience,
		IssuedAt:     now.Unix(),
		ExpiresAt:    expiresAt.Unix(),
		Scope:        "api_key_exchange",
		APIKeyID:     key.ID,
		Permissions:  perms.Permissions,
		ABACRequired: perms.ABACRequired,
		Enrichment:   enrichment,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":           claims.Subject,
		"iss":           claims.Issuer,
		"aud":           claims.Audience,
		"iat":           claims.IssuedAt,
		"exp":           claims.ExpiresAt,
		"scope":         claims.Scope,
		"apiKeyId":      claims.APIKeyID,
		"permissions":   claims.Permissions,
		"abac_required": claims.ABACRequired,
		"enrichment":    claims.Enrichment,
	})
	token.Header["kid"] = entry.ID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("credential: sign jwt: %w", err)
	}

	if err := x.APIKeys.Touch(ctx, key.ID, now); err != nil && x.Log != nil {
		x.Log.Component("credential").WithField("api_key_id", key.ID).WithField("error", err.Error()).Warn("failed to record api key last use")
	}

	return ExchangeResult{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresIn: int(TokenTTL.Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}

// dispatchTokenIssuance fires the token_issuance hook (enrichment mode) so
// user-authored scripts can add custom claims before the token is signed.
// With no Pipeline dispatcher wired, it is a no-op.
func (x *Exchanger) dispatchTokenIssuance(ctx context.Context, key APIKey, perms authz.PermissionSet) (map[string]any, error) {
	if x.Pipeline == nil {
		return nil, nil
	}
	result, err := x.Pipeline.Dispatch(ctx, pipeline.HookTokenIssuance, key.UserID, map[string]any{
		"apiKeyId":    key.ID,
		"permissions": perms.Permissions,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.Context, nil
}

// VerifySecret checks rawSecret against key's stored bcrypt hash, rejecting
// deactivated or expired keys outright. Shared by Exchange and the
// permission-check endpoint's x-api-key authentication path.
func VerifySecret(key APIKey, rawSecret string) error {
	if !key.Active {
		return ErrAPIKeyInactive
	}
	if !key.ExpiresAt.IsZero() && !key.ExpiresAt.After(time.Now().UTC()) {
		return ErrAPIKeyExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.HashedKey), []byte(rawSecret)); err != nil {
		return ErrAPIKeyMismatch
	}
	return nil
}

// HashAPIKey produces the bcrypt hash stored for a newly minted raw secret.
func HashAPIKey(raw string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("credential: hash api key: %w", err)
	}
	return string(hashed), nil
}
