package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/corehook/authplatform/internal/credential"
	"github.com/corehook/authplatform/internal/platform/apperr"
	"github.com/corehook/authplatform/internal/webhook"
)

const maxIngressBodyBytes = 1 << 16

// PermissionChecker is the subset of authz.Engine the check-permission
// handler needs.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, reqContext map[string]any) bool
}

// Handlers bundles the platform's external HTTP surface: token exchange,
// permission check, and webhook queue ingress.
type Handlers struct {
	Exchanger *credential.Exchanger
	Checker   PermissionChecker
	Auth      *Authenticator
	Consumer  *webhook.Consumer
	Queue     webhook.Enqueuer

	QueueSigningKeyCurrent []byte
	QueueSigningKeyNext    []byte
	QueueIngressURL        string
}

// handleExchange implements POST /auth/api-key/exchange.
func (h *Handlers) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apperr.KindInvalidRequest, "", "malformed request body")
		return
	}
	if req.APIKey == "" {
		writeError(w, apperr.KindInvalidRequest, "missing_api_key", "apiKey is required")
		return
	}

	id, secret, err := credential.SplitAPIKey(req.APIKey)
	if err != nil {
		writeError(w, apperr.KindInvalidRequest, "", "apiKey is malformed")
		return
	}

	result, err := h.Exchanger.Exchange(r.Context(), id, secret)
	if err != nil {
		if isAPIKeyDenied(err) {
			writeError(w, apperr.KindUnauthenticated, "invalid_api_key", "")
			return
		}
		writeError(w, apperr.KindInternal, "", "")
		return
	}

	writeJSON(w, http.StatusOK, exchangeResponse{
		Token:     result.Token,
		TokenType: result.TokenType,
		ExpiresIn: result.ExpiresIn,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func isAPIKeyDenied(err error) bool {
	return errors.Is(err, credential.ErrAPIKeyNotFound) ||
		errors.Is(err, credential.ErrAPIKeyInactive) ||
		errors.Is(err, credential.ErrAPIKeyExpired) ||
		errors.Is(err, credential.ErrAPIKeyMismatch)
}

// handleCheckPermission implements POST /auth/check-permission.
func (h *Handlers) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	caller, err := h.Auth.authenticate(r)
	if err != nil {
		writeError(w, apperr.KindUnauthenticated, "", "")
		return
	}

	var req checkPermissionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apperr.KindInvalidRequest, "", "malformed request body")
		return
	}
	if req.EntityType == "" || req.EntityID == "" || req.Permission == "" {
		writeError(w, apperr.KindInvalidRequest, "", "entityType, entityId, and permission are required")
		return
	}

	reqContext := map[string]any{}
	if req.Resource != nil {
		resource := map[string]any{}
		if req.Resource.ID != "" {
			resource["id"] = req.Resource.ID
		}
		if req.Resource.Type != "" {
			resource["type"] = req.Resource.Type
		}
		if req.Resource.Attributes != nil {
			resource["attributes"] = req.Resource.Attributes
		}
		reqContext["resource"] = resource
	}

	allowed := h.Checker.CheckPermission(r.Context(), caller.SubjectType, caller.SubjectID, req.EntityType, req.EntityID, req.Permission, reqContext)

	writeJSON(w, http.StatusOK, checkPermissionResponse{
		Allowed:     allowed,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Permission:  req.Permission,
		SubjectType: caller.SubjectType,
		SubjectID:   caller.SubjectID,
	})
}

// handleWebhookIngress implements the webhook queue ingress (§6): a queue
// provider POSTs the job JSON, signed over url+body by a rotating key pair.
func (h *Handlers) handleWebhookIngress(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBodyBytes))
	if err != nil {
		writeError(w, apperr.KindInvalidRequest, "", "could not read body")
		return
	}

	signature := r.Header.Get("x-queue-signature")
	if !webhook.VerifyQueueSignature(body, h.QueueIngressURL, signature, h.QueueSigningKeyCurrent, h.QueueSigningKeyNext) {
		writeError(w, apperr.KindSignatureInvalid, "", "")
		return
	}

	job, err := parseIngressJob(body)
	if err != nil {
		writeError(w, apperr.KindInvalidRequest, "", "malformed job payload")
		return
	}

	if h.Queue != nil {
		if err := h.Queue.Enqueue(r.Context(), job); err != nil {
			writeError(w, apperr.KindInternal, "", "")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.Consumer.HandleJob(r.Context(), job); err != nil {
		if errors.Is(err, webhook.ErrDuplicateDelivery) {
			writeError(w, apperr.KindIdempotencyDuplicate, "duplicate", "")
			return
		}
		writeError(w, apperr.KindInternal, "", "")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
