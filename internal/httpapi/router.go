package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

// NewRouter builds the chi.Router serving §6's external interfaces, with
// the teacher's middleware-chain style (cmd/gateway/middleware.go) adapted
// to chi's native stack: request-id injection, structured-log middleware,
// recoverer, and a metrics middleware recording
// http_requests_total/http_request_duration_seconds.
func NewRouter(h *Handlers, m *metrics.Metrics, log *logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware(m))

	r.Post("/auth/api-key/exchange", h.handleExchange)
	r.Post("/auth/check-permission", h.handleCheckPermission)
	r.Post("/webhooks/queue", h.handleWebhookIngress)

	return r
}

// requestLogMiddleware logs one structured entry per request, tagged with
// chi's request id, matching wrapWithAudit's status-recording pattern from
// applications/httpapi/middleware_audit.go.
func requestLogMiddleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if log == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Component("httpapi").WithField("request_id", middleware.GetReqID(r.Context())).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", rec.status).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("request handled")
		})
	}
}

// metricsMiddleware records every request's outcome via RecordHTTPRequest.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
