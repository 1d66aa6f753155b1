package parties

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/middleware"
	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/pkg/response"
)

// Lister lists a user's parties.
type Lister interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Party, error)
}

// Handler handles party read endpoints.
type Handler struct {
	parties Lister
	logger  *zap.Logger
}

// NewHandler creates a parties handler.
func NewHandler(parties Lister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{parties: parties, logger: logger}
}

// ListMine handles GET /parties. Returns parties the current user belongs to.
func (h *Handler) ListMine(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.parties.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list parties", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to load parties")
		return
	}
	if list == nil {
		list = []*models.Party{}
	}
	response.OK(c, list)
}

// Subscription handles GET /parties/:id/subscription. RequireActiveSubscription has
// already loaded the row and checked membership.
func (h *Handler) Subscription(c *gin.Context) {
	sub := c.MustGet(middleware.ContextSubscription).(*models.Subscription)
	response.OK(c, sub)
}

// RegisterRoutes mounts the party endpoints behind auth and the subscription gate.
func (h *Handler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc, access middleware.PartyAccess) {
	g := r.Group("/parties", auth)
	g.GET("", h.ListMine)
	g.GET("/:id/subscription", middleware.RequireActiveSubscription(access), h.Subscription)
}
