package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"vad-mining-backend/internal/models"
	"vad-mining-backend/internal/services"
)

// respondError maps ledger errors onto HTTP statuses. Storage failures are
// reported with retryable=true, never as a zero reward.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	case errors.Is(err, services.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Mining record not found"})
	case errors.Is(err, services.ErrRecordExists):
		c.JSON(http.StatusConflict, gin.H{"error": "User already onboarded"})
	case errors.Is(err, services.ErrStorageConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Concurrent update, please retry", "retryable": true})
	case errors.Is(err, services.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func snapshotResponse(s *services.Snapshot) gin.H {
	return gin.H{
		"balance":         s.Record.Balance.InexactFloat64(),
		"mining_active":   s.Record.MiningActive,
		"last_start":      s.Record.LastStart,
		"last_claim":      s.Record.LastClaim,
		"state":           s.State,
		"pending":         s.Pending.InexactFloat64(),
		"projected":       s.Projected.InexactFloat64(),
		"rate_per_second": s.RatePerSecond.InexactFloat64(),
		"server_time":     s.Now,
	}
}

func claimEntryResponse(e *models.ClaimEntry) gin.H {
	return gin.H{
		"id":              e.ID,
		"reward":          e.Reward.InexactFloat64(),
		"balance_before":  e.BalanceBefore.InexactFloat64(),
		"balance_after":   e.BalanceAfter.InexactFloat64(),
		"elapsed_seconds": e.ElapsedSeconds,
		"claimed_at":      e.ClaimedAt,
	}
}
