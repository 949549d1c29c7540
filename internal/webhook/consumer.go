package webhook

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/corehook/authplatform/internal/crypto"
	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

// ErrDuplicateDelivery is returned by HandleJob when the event/endpoint pair
// already has a terminal Delivery recorded: the caller already ran this job
// to completion and the job is being skipped, not retried.
var ErrDuplicateDelivery = errors.New("webhook: duplicate delivery")

const (
	webhookOrigin  = "authplatform"
	requestTimeout = 10 * time.Second
)

// SecretDecrypter resolves an endpoint's encrypted signing secret to
// plaintext, satisfied by the Secrets Vault.
type SecretDecrypter interface {
	DecryptEndpointSecret(ctx context.Context, encrypted string) (string, error)
}

// HookDispatcher fires a pipeline hook and returns its dispatch result,
// satisfied by *pipeline.Dispatcher.
type HookDispatcher interface {
	Dispatch(ctx context.Context, hook pipeline.HookName, userID string, initialContext map[string]any) (*pipeline.DispatchResult, error)
}

// Consumer implements §4.6's Queue consumer: idempotency, load/decrypt/
// compose/sign, HTTP deliver, and Delivery recording with transient-vs-
// permanent classification.
type Consumer struct {
	Events      EventStore
	Endpoints   EndpointStore
	Deliveries  DeliveryStore
	Idempotency IdempotencyStore
	Secrets     SecretDecrypter
	Pipeline    HookDispatcher // may be nil; before_webhook gating is then skipped
	Requeue     Enqueuer
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
	Log         *logging.Logger
}

// HandleJob implements steps 3-6 of §4.6's Queue consumer (signature
// verification and job parsing, step 1-2, happen at the HTTP ingress layer
// before HandleJob is called).
func (c *Consumer) HandleJob(ctx context.Context, job Job) error {
	key := job.EventID + ":" + job.EndpointID

	existing, found, err := c.Deliveries.FindByEventAndEndpoint(ctx, job.EventID, job.EndpointID)
	if err != nil {
		return fmt.Errorf("webhook: load delivery: %w", err)
	}
	if found && isTerminal(existing.Status) {
		duplicate, err := c.Idempotency.MarkProcessed(ctx, key, idempotencyTTL)
		if err != nil {
			return fmt.Errorf("webhook: idempotency check: %w", err)
		}
		if c.Metrics != nil && duplicate {
			c.Metrics.WebhookDuplicateTotal.Inc()
		}
		return ErrDuplicateDelivery
	}

	event, err := c.Events.Get(ctx, job.EventID)
	if err != nil {
		return c.finish(ctx, existing, found, job, DeliveryDead, 0, "", err)
	}
	endpoint, err := c.Endpoints.Get(ctx, job.EndpointID)
	if err != nil {
		return c.finish(ctx, existing, found, job, DeliveryDead, 0, "", err)
	}
	secret, err := c.Secrets.DecryptEndpointSecret(ctx, endpoint.EncryptedSecret)
	if err != nil {
		return c.finish(ctx, existing, found, job, DeliveryDead, 0, "", err)
	}

	allowed, err := c.dispatchBeforeWebhook(ctx, event, endpoint)
	if err != nil {
		return c.finish(ctx, existing, found, job, DeliveryDead, 0, "", err)
	}
	if !allowed {
		return c.finish(ctx, existing, found, job, DeliveryFailed, 0, "", nil)
	}

	body, signature, timestamp := composePayload(event, secret)

	start := time.Now()
	code, respBody, deliverErr := c.deliver(ctx, endpoint, body, signature, timestamp, event.ID)
	duration := time.Since(start)
	if c.Metrics != nil {
		c.Metrics.WebhookDeliveryMs.Observe(float64(duration.Milliseconds()))
	}

	status := classify(code, deliverErr)
	attemptCount := 1
	if found {
		attemptCount = existing.AttemptCount + 1
	}

	if status == DeliveryRetrying {
		maxAttempts := endpoint.RetryPolicy.MaxAttempts
		if attemptCount >= maxAttempts {
			status = DeliveryDead
		}
	}

	if err := c.finish(ctx, existing, found, job, status, code, respBody, deliverErr); err != nil {
		return err
	}

	if status == DeliveryRetrying && c.Requeue != nil {
		return c.Requeue.Enqueue(ctx, job)
	}
	return nil
}

func (c *Consumer) finish(ctx context.Context, existing Delivery, found bool, job Job, status DeliveryStatus, code int, respBody string, cause error) error {
	d := existing
	if !found {
		d = Delivery{ID: job.EventID + ":" + job.EndpointID, EventID: job.EventID, EndpointID: job.EndpointID}
	}
	d.Status = status
	d.AttemptCount++
	d.ResponseCode = code
	d.ResponseBody = truncate(respBody, maxResponseBodyBytes)
	d.LastAttemptAt = time.Now().UTC()
	if status == DeliveryRetrying {
		d.NextAttemptAt = d.LastAttemptAt.Add(backoff(d.AttemptCount))
	}

	var err error
	if found {
		err = c.Deliveries.Update(ctx, d)
	} else {
		err = c.Deliveries.Insert(ctx, d)
	}
	if err != nil {
		return fmt.Errorf("webhook: persist delivery: %w", err)
	}

	if c.Metrics != nil {
		c.Metrics.WebhookDeliveredTotal.WithLabelValues(string(status)).Inc()
	}
	if c.Log != nil && cause != nil {
		c.Log.Component("webhook").WithField("event_id", job.EventID).WithField("endpoint_id", job.EndpointID).
			WithField("error", cause.Error()).Warn("delivery attempt failed")
	}
	return nil
}

func (c *Consumer) deliver(ctx context.Context, ep Endpoint, body []byte, signature string, timestamp int64, eventID string) (int, string, error) {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-webhook-signature", signature)
	req.Header.Set("x-webhook-id", eventID)
	req.Header.Set("x-webhook-timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("x-webhook-origin", webhookOrigin)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, string(respBody), nil
}

// composePayload builds the exact delivery body and its HMAC-SHA256
// signature over that body using the endpoint's decrypted secret.
func composePayload(event Event, secret string) (body []byte, signatureHex string, timestampMs int64) {
	timestampMs = event.CreatedAt.UnixMilli()
	payload := map[string]any{
		"id":        event.ID,
		"origin":    webhookOrigin,
		"type":      event.Type,
		"timestamp": timestampMs,
		"data":      event.Payload,
	}
	body, _ = json.Marshal(payload)
	sig := crypto.HMACSign([]byte(secret), body)
	return body, hex.EncodeToString(sig), timestampMs
}

// classify implements §7's transient/permanent taxonomy: 2xx -> success;
// 4xx except 408/429 -> permanent (dead); 5xx/408/429/network -> transient
// (retrying, subject to the endpoint's retry policy).
func classify(code int, err error) DeliveryStatus {
	if err != nil {
		return DeliveryRetrying
	}
	switch {
	case code >= 200 && code < 300:
		return DeliverySuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return DeliveryRetrying
	case code >= 400 && code < 500:
		return DeliveryDead
	default:
		return DeliveryRetrying
	}
}

func isTerminal(s DeliveryStatus) bool {
	return s == DeliverySuccess || s == DeliveryDead || s == DeliveryFailed
}

// dispatchBeforeWebhook fires the before_webhook hook (blocking mode): user
// scripts may veto delivery of a specific event/endpoint pairing. With no
// Pipeline dispatcher wired, delivery always proceeds.
func (c *Consumer) dispatchBeforeWebhook(ctx context.Context, event Event, endpoint Endpoint) (bool, error) {
	if c.Pipeline == nil {
		return true, nil
	}
	result, err := c.Pipeline.Dispatch(ctx, pipeline.HookBeforeWebhook, endpoint.UserID, map[string]any{
		"eventType":  event.Type,
		"endpointId": endpoint.ID,
	})
	if err != nil {
		return false, err
	}
	if result == nil {
		return true, nil
	}
	return result.Verdict != pipeline.VerdictDeny, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 30 * time.Second
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

// VerifyQueueSignature checks body+url against the queue provider's
// signature header using either the current or next signing key (§4.6
// "rotating signing key pair (current + next accepted)").
func VerifyQueueSignature(body []byte, url string, signatureHex string, currentKey, nextKey []byte) bool {
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	signed := append([]byte(url), body...)
	if crypto.HMACVerify(currentKey, signed, signature) {
		return true
	}
	return len(nextKey) > 0 && crypto.HMACVerify(nextKey, signed, signature)
}
