package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/partyline/backend/pkg/response"
)

// MaxBodyBytes caps a webhook body.
const MaxBodyBytes = 1 << 20

// SignatureHeader carries the processor's timestamped signature.
const SignatureHeader = "Stripe-Signature"

// EventHandler is the dispatcher surface the HTTP handler drives.
type EventHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (Ack, error)
}

// Handler exposes the webhook endpoint.
type Handler struct {
	events EventHandler
	logger *zap.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(events EventHandler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{events: events, logger: logger}
}

// Stripe handles POST /webhooks/stripe. The body is read raw; it must not be
// parsed before the signature is checked.
// 200 acknowledges, 400 tells the processor not to retry, 500 asks it to retry.
func (h *Handler) Stripe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
			return
		}
		response.BadRequest(c, "could not read body")
		return
	}
	sig := c.GetHeader(SignatureHeader)
	if sig == "" {
		response.Fail(c, http.StatusBadRequest, string(KindSignature), "missing "+SignatureHeader+" header")
		return
	}

	ack, err := h.events.Handle(c.Request.Context(), payload, sig)
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			de = &DispatchError{Kind: KindTransient, Err: err}
		}
		msg := string(de.Kind)
		if !de.Retryable() {
			msg = de.Error()
		}
		response.Fail(c, de.StatusCode(), string(de.Kind), msg)
		return
	}
	response.OK(c, ack)
}

// RegisterRoutes mounts the webhook endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.Stripe)
}
