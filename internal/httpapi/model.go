// Package httpapi exposes the platform's two external HTTP endpoints (API
// key exchange, permission check) plus the webhook queue ingress, grounded
// on the teacher's applications/httpapi handler/router idiom and served
// through a chi.Router per the middleware chain in cmd/gateway/middleware.go.
package httpapi

// exchangeRequest is POST /auth/api-key/exchange's request body.
type exchangeRequest struct {
	APIKey string `json:"apiKey"`
}

// exchangeResponse is its 200 response body.
type exchangeResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int    `json:"expiresIn"`
	ExpiresAt string `json:"expiresAt"`
}

// checkPermissionRequest is POST /auth/check-permission's request body.
type checkPermissionRequest struct {
	EntityType string        `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Permission string        `json:"permission"`
	Resource   *resourceHint `json:"resource,omitempty"`
}

type resourceHint struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// checkPermissionResponse is its response body.
type checkPermissionResponse struct {
	Allowed     bool   `json:"allowed"`
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Permission  string `json:"permission"`
	SubjectType string `json:"subjectType"`
	SubjectID   string `json:"subjectId"`
}

// webhookIngressRequest is the body a queue provider delivers to the ingress
// endpoint: the job JSON, signed over url+body.
type webhookIngressRequest struct {
	EventID    string `json:"eventId"`
	EndpointID string `json:"endpointId"`
}

// errorResponse is the shape of every non-2xx response body (§7: denials
// don't leak which step denied, only a stable error kind).
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
