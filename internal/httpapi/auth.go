package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/corehook/authplatform/internal/credential"
)

// ErrUnauthenticated is returned when neither an x-api-key header nor a
// valid Bearer token is present.
var ErrUnauthenticated = errors.New("httpapi: unauthenticated")

// callerIdentity is the resolved subject of an authenticated request.
type callerIdentity struct {
	SubjectType string
	SubjectID   string
}

// Authenticator resolves the caller of an incoming request from either the
// x-api-key header (a raw "<id>.<secret>" key, bcrypt-verified against the
// Credential Engine's store) or an Authorization: Bearer JWT (verified
// against the current JWKS set), per §6.
type Authenticator struct {
	APIKeys  credential.APIKeyStore
	Verifier *credential.Verifier
}

func (a *Authenticator) authenticate(r *http.Request) (callerIdentity, error) {
	if raw := strings.TrimSpace(r.Header.Get("x-api-key")); raw != "" {
		return a.authenticateAPIKey(r.Context(), raw)
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return callerIdentity{}, fmt.Errorf("httpapi: malformed authorization header")
		}
		return a.authenticateBearer(r.Context(), strings.TrimSpace(strings.TrimPrefix(header, prefix)))
	}
	return callerIdentity{}, ErrUnauthenticated
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, raw string) (callerIdentity, error) {
	id, secret, err := credential.SplitAPIKey(raw)
	if err != nil {
		return callerIdentity{}, err
	}
	key, err := a.APIKeys.FindByID(ctx, id)
	if err != nil {
		return callerIdentity{}, err
	}
	if err := credential.VerifySecret(key, secret); err != nil {
		return callerIdentity{}, err
	}
	return callerIdentity{SubjectType: "user", SubjectID: key.UserID}, nil
}

func (a *Authenticator) authenticateBearer(ctx context.Context, token string) (callerIdentity, error) {
	claims, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return callerIdentity{}, err
	}
	return callerIdentity{SubjectType: "user", SubjectID: claims.Subject}, nil
}
