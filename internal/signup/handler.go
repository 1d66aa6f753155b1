package signup

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/middleware"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/pkg/response"
)

// Flow is the signup surface the handler drives.
type Flow interface {
	Start(ctx context.Context, in StartInput) (*StartResult, error)
	Complete(ctx context.Context, identityID, pendingSignupID uuid.UUID) (*CompleteResult, error)
}

// Handler handles signup HTTP endpoints.
type Handler struct {
	flow   Flow
	logger *zap.Logger
}

// NewHandler creates a signup handler.
func NewHandler(flow Flow, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{flow: flow, logger: logger}
}

// StartRequest is the body for POST /signup/start.
type StartRequest struct {
	Email     string `json:"email" binding:"required"`
	GroupName string `json:"group_name" binding:"required"`
	Category  string `json:"category"`
}

// CompleteRequest is the body for POST /signup/complete.
type CompleteRequest struct {
	PendingSignupID string `json:"pending_signup_id" binding:"required"`
}

// Start handles POST /signup/start. Public.
func (h *Handler) Start(c *gin.Context) {
	var body StartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email and group_name required")
		return
	}
	res, err := h.flow.Start(c.Request.Context(), StartInput{
		Email:     body.Email,
		PartyName: body.GroupName,
		Category:  body.Category,
	})
	if err != nil {
		h.writeError(c, "signup start", err)
		return
	}
	response.OK(c, res)
}

// Complete handles POST /signup/complete. Requires JWT.
func (h *Handler) Complete(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var body CompleteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "pending_signup_id required")
		return
	}
	pendingID, err := uuid.Parse(body.PendingSignupID)
	if err != nil {
		response.BadRequest(c, "invalid pending_signup_id")
		return
	}
	res, err := h.flow.Complete(c.Request.Context(), userID, pendingID)
	if err != nil {
		h.writeError(c, "signup complete", err)
		return
	}
	response.OK(c, res)
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		response.Fail(c, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrNotFound):
		response.Fail(c, http.StatusNotFound, "not_found", "pending signup not found")
	case errors.Is(err, ErrAlreadyCompleted):
		response.Fail(c, http.StatusConflict, "already_completed", "pending signup already completed")
	case errors.Is(err, ErrPaymentNotConfirmed):
		response.Fail(c, http.StatusConflict, "payment_not_confirmed", "payment has not been confirmed yet")
	case errors.Is(err, ErrExpired):
		response.Fail(c, http.StatusGone, "expired", "pending signup expired")
	case errors.Is(err, ErrSignupInProgress):
		response.Fail(c, http.StatusConflict, "in_progress", "a signup for this email is already in progress")
	case errors.Is(err, provisioning.ErrRollbackableWrite), errors.Is(err, billing.ErrUnavailable):
		h.logger.Warn(op+" failed, retryable", zap.Error(err))
		response.ServiceUnavailable(c, "temporarily unavailable, please retry")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.Internal(c, "signup failed")
	}
}

// RegisterRoutes mounts the signup endpoints. auth guards /signup/complete.
func (h *Handler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	g := r.Group("/signup")
	g.POST("/start", h.Start)
	g.POST("/complete", auth, h.Complete)
}
