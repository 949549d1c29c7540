package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/authz"
	"github.com/corehook/authplatform/internal/credential"
	"github.com/corehook/authplatform/internal/crypto"
	"github.com/corehook/authplatform/internal/platform/metrics"
	"github.com/corehook/authplatform/internal/webhook"
)

type fixedCipher struct{}

func (fixedCipher) Encrypt(p []byte) ([]byte, error) { return append([]byte{}, p...), nil }
func (fixedCipher) Decrypt(c []byte) ([]byte, error) { return append([]byte{}, c...), nil }

type fakeAPIKeyStore struct {
	keys map[string]credential.APIKey
}

func (s *fakeAPIKeyStore) FindByID(_ context.Context, id string) (credential.APIKey, error) {
	key, ok := s.keys[id]
	if !ok {
		return credential.APIKey{}, credential.ErrAPIKeyNotFound
	}
	return key, nil
}

func (s *fakeAPIKeyStore) Touch(context.Context, string, time.Time) error {
	return nil
}

type fakeChecker struct {
	allow bool
}

func (c fakeChecker) CheckPermission(context.Context, string, string, string, string, string, map[string]any) bool {
	return c.allow
}

func newTestHandlers(t *testing.T, allow bool) (*Handlers, *fakeAPIKeyStore) {
	t.Helper()
	hashed, err := credential.HashAPIKey("s3cret")
	require.NoError(t, err)

	apiKeys := &fakeAPIKeyStore{keys: map[string]credential.APIKey{
		"key1": {ID: "key1", UserID: "U1", HashedKey: hashed, Active: true},
	}}

	jwks := credential.NewInMemoryJWKSStore()
	rotator := &credential.Rotator{Store: jwks, Cipher: fixedCipher{}, Metrics: metrics.Noop()}

	exchanger := &credential.Exchanger{
		APIKeys:  apiKeys,
		JWKS:     jwks,
		Rotator:  rotator,
		Issuer:   "authplatform",
		Audience: "authplatform-clients",
		Metrics:  metrics.Noop(),
	}

	return &Handlers{
		Exchanger: exchanger,
		Checker:   fakeChecker{allow: allow},
		Auth:      &Authenticator{APIKeys: apiKeys, Verifier: &credential.Verifier{JWKS: jwks, Issuer: "authplatform", Audience: "authplatform-clients"}},
	}, apiKeys
}

func TestHandleExchange_MissingAPIKeyReturns400(t *testing.T) {
	h, _ := newTestHandlers(t, true)
	h.Exchanger.Permissions = fakePermissionResolver{}
	req := httptest.NewRequest(http.MethodPost, "/auth/api-key/exchange", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.handleExchange(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "missing_api_key", body.Error)
}

type fakePermissionResolver struct{}

func (fakePermissionResolver) ResolveAllPermissionsWithABACInfo(context.Context, string, string) (authz.PermissionSet, error) {
	return authz.PermissionSet{}, nil
}

func TestHandleExchange_WrongSecretReturns401(t *testing.T) {
	h, _ := newTestHandlers(t, true)
	h.Exchanger.Permissions = fakePermissionResolver{}
	req := httptest.NewRequest(http.MethodPost, "/auth/api-key/exchange", strings.NewReader(`{"apiKey":"key1.wrong"}`))
	w := httptest.NewRecorder()

	h.handleExchange(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCheckPermission_RequiresAuthentication(t *testing.T) {
	h, _ := newTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodPost, "/auth/check-permission", strings.NewReader(`{"entityType":"doc","entityId":"D1","permission":"read"}`))
	w := httptest.NewRecorder()

	h.handleCheckPermission(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCheckPermission_AuthenticatesViaAPIKeyAndReturnsVerdict(t *testing.T) {
	h, _ := newTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodPost, "/auth/check-permission", strings.NewReader(`{"entityType":"doc","entityId":"D1","permission":"read"}`))
	req.Header.Set("x-api-key", "key1.s3cret")
	w := httptest.NewRecorder()

	h.handleCheckPermission(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body checkPermissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Allowed)
	require.Equal(t, "U1", body.SubjectID)
}

func TestHandleWebhookIngress_RejectsBadSignature(t *testing.T) {
	h := &Handlers{
		QueueSigningKeyCurrent: []byte("current"),
		QueueSigningKeyNext:    []byte("next"),
		QueueIngressURL:        "https://platform.example/webhooks/queue",
	}
	body := `{"eventId":"e1","endpointId":"ep1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/queue", strings.NewReader(body))
	req.Header.Set("x-queue-signature", "deadbeef")
	w := httptest.NewRecorder()

	h.handleWebhookIngress(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhookIngress_ValidSignatureEnqueues(t *testing.T) {
	queue := &recordingQueueForIngress{}
	h := &Handlers{
		Queue:                  queue,
		QueueSigningKeyCurrent: []byte("current"),
		QueueIngressURL:        "https://platform.example/webhooks/queue",
	}
	body := `{"eventId":"e1","endpointId":"ep1"}`
	signed := append([]byte(h.QueueIngressURL), []byte(body)...)
	sig := hex.EncodeToString(crypto.HMACSign(h.QueueSigningKeyCurrent, signed))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/queue", strings.NewReader(body))
	req.Header.Set("x-queue-signature", sig)
	w := httptest.NewRecorder()

	h.handleWebhookIngress(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.jobs, 1)
	require.Equal(t, "e1", queue.jobs[0].EventID)
}

type recordingQueueForIngress struct {
	jobs []webhook.Job
}

func (q *recordingQueueForIngress) Enqueue(_ context.Context, job webhook.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}
