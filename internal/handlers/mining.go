package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vad-mining-backend/internal/services"
)

type MiningHandler struct {
	ledger *services.LedgerService
}

func NewMiningHandler(ledger *services.LedgerService) *MiningHandler {
	return &MiningHandler{ledger: ledger}
}

func (h *MiningHandler) Start(c *gin.Context) {
	userID := c.GetString("user_id")

	if err := h.ledger.Start(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MiningHandler) Stop(c *gin.Context) {
	userID := c.GetString("user_id")

	if err := h.ledger.Stop(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MiningHandler) Claim(c *gin.Context) {
	userID := c.GetString("user_id")

	reward, err := h.ledger.Claim(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"reward":  reward.InexactFloat64(),
	})
}

func (h *MiningHandler) Read(c *gin.Context) {
	userID := c.GetString("user_id")

	snapshot, err := h.ledger.Read(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mining":  snapshotResponse(snapshot),
	})
}

func (h *MiningHandler) History(c *gin.Context) {
	userID := c.GetString("user_id")

	limitStr := c.DefaultQuery("limit", strconv.Itoa(services.DefaultHistoryLimit))
	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		limit = services.DefaultHistoryLimit
	}

	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		response = append(response, claimEntryResponse(entry))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"claims":  response,
		"count":   len(response),
	})
}
