package orchestration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body on
// inbound resume webhooks. The signing function is SignPayload, shared
// with the queue envelopes.
const SignatureHeader = "X-Saga-Signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// ResumeWebhookHandler is the HTTP face of the resume protocol. Queue
// bridges and schedulers POST resume messages here; the handler
// authenticates them and hands verified messages to the engine.
//
// Authentication policy:
//   - A present signature must verify, in every mode.
//   - A missing signature is rejected in strict (production) mode and
//     logged-then-accepted in development mode.
//
// Register it wherever the mux lives:
//
//	mux.Handle("/saga/resume", NewResumeWebhookHandler(engine.HandleResume,
//	    WithWebhookSecret(cfg.Queue.Secret),
//	    WithWebhookStrict(cfg.IsProduction()),
//	))
type ResumeWebhookHandler struct {
	dispatch ResumeHandler
	secret   []byte
	strict   bool
	logger   core.Logger
}

// WebhookOption configures a ResumeWebhookHandler.
type WebhookOption func(*ResumeWebhookHandler)

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger core.Logger) WebhookOption {
	return func(h *ResumeWebhookHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithWebhookSecret sets the HMAC key requests are verified against.
func WithWebhookSecret(secret string) WebhookOption {
	return func(h *ResumeWebhookHandler) {
		h.secret = []byte(secret)
	}
}

// WithWebhookStrict toggles production behaviour: unsigned requests are
// rejected instead of logged and accepted.
func WithWebhookStrict(strict bool) WebhookOption {
	return func(h *ResumeWebhookHandler) {
		h.strict = strict
	}
}

// NewResumeWebhookHandler wires the receiver to a dispatch function,
// usually Engine.HandleResume.
func NewResumeWebhookHandler(dispatch ResumeHandler, opts ...WebhookOption) *ResumeWebhookHandler {
	h := &ResumeWebhookHandler{
		dispatch: dispatch,
		secret:   []byte(getEnvString("GOSAGA_QUEUE_SECRET", "")),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates and dispatches one resume request.
//
// Responses:
//   - 202 Accepted: message verified and handled
//   - 400 Bad Request: malformed body
//   - 401 Unauthorized: signature missing in strict mode, or invalid
//   - 404 Not Found: execution does not exist
//   - 409 Conflict: execution is terminal or the transition is invalid
//   - 500 Internal Server Error: handling failed
func (h *ResumeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	telemetry.AddSpanEvent(ctx, "saga.webhook.received",
		attribute.String("path", r.URL.Path),
		attribute.Int("body_bytes", len(body)),
	)

	sig := r.Header.Get(SignatureHeader)
	switch {
	case sig != "":
		if len(h.secret) == 0 || !VerifyPayload(h.secret, body, sig) {
			h.logger.Warn("Rejected resume webhook with invalid signature", map[string]interface{}{
				"operation": "webhook_verify",
				"remote":    r.RemoteAddr,
			})
			telemetry.Counter(telemetry.MetricQueueDeadLetters, "reason", "webhook_signature")
			h.writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	case h.strict:
		h.logger.Warn("Rejected unsigned resume webhook", map[string]interface{}{
			"operation": "webhook_verify",
			"remote":    r.RemoteAddr,
		})
		h.writeError(w, http.StatusUnauthorized, "signature required")
		return
	default:
		h.logger.Info("Accepting unsigned resume webhook (development mode)", map[string]interface{}{
			"operation": "webhook_verify",
			"remote":    r.RemoteAddr,
		})
	}

	var msg ResumeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if msg.ExecutionID == "" {
		h.writeError(w, http.StatusBadRequest, "execution_id is required")
		return
	}

	h.logger.Info("Resume webhook dispatching", map[string]interface{}{
		"operation":    "webhook_dispatch",
		"execution_id": msg.ExecutionID,
		"segment":      msg.SegmentNumber,
		"signed":       sig != "",
	})

	if err := h.dispatch(ctx, &msg); err != nil {
		telemetry.RecordSpanError(ctx, err)
		switch {
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, err.Error())
		case core.IsStateError(err):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("Resume dispatch failed", map[string]interface{}{
				"operation":    "webhook_dispatch",
				"execution_id": msg.ExecutionID,
				"error":        err.Error(),
			})
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "accepted",
		"execution_id": msg.ExecutionID,
	})
}

// Traced wraps the handler in the OpenTelemetry HTTP middleware so resume
// requests join the caller's trace instead of starting orphaned ones.
func (h *ResumeWebhookHandler) Traced(serviceName string) http.Handler {
	return telemetry.TracingMiddleware(serviceName)(h)
}

func (h *ResumeWebhookHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  http.StatusText(status),
	})
}

func (h *ResumeWebhookHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode webhook response", map[string]interface{}{
			"operation": "webhook_response",
			"error":     err.Error(),
		})
	}
}

var _ http.Handler = (*ResumeWebhookHandler)(nil)
