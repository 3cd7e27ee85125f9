package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vad-mining-backend/internal/models"
	"vad-mining-backend/internal/services"
)

type UserHandler struct {
	ledger *services.LedgerService
}

func NewUserHandler(ledger *services.LedgerService) *UserHandler {
	return &UserHandler{ledger: ledger}
}

func (h *UserHandler) Onboard(c *gin.Context) {
	userID := c.GetString("user_id")

	var req models.OnboardRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"details": err.Error(),
			})
			return
		}
	}

	profile, err := h.ledger.Onboard(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"profile": profile,
	})
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	profile, err := h.ledger.Profile(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	referrals, err := h.ledger.Referrals(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	snapshot, err := h.ledger.Read(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":   profile,
		"referrals": referrals,
		"mining":    snapshotResponse(snapshot),
		"session": gin.H{
			"session_id": c.GetString("session_id"),
		},
	})
}

func (h *UserHandler) GetReferrals(c *gin.Context) {
	userID := c.GetString("user_id")

	referrals, err := h.ledger.Referrals(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"referrals": referrals,
	})
}
