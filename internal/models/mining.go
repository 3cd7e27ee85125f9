package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MiningRecord is the per-user ledger entry. LastStart is retained by a
// stop and cleared only by a claim.
type MiningRecord struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	MiningActive bool            `json:"mining_active"`
	LastStart    *time.Time      `json:"last_start"`
	LastClaim    *time.Time      `json:"last_claim"`
}

func NewMiningRecord(userID string) *MiningRecord {
	return &MiningRecord{
		UserID:  userID,
		Balance: decimal.Zero,
	}
}

type MiningState string

const (
	MiningStateIdle     MiningState = "idle"
	MiningStateAccruing MiningState = "accruing"
)

func (r *MiningRecord) State() MiningState {
	if r.MiningActive {
		return MiningStateAccruing
	}
	return MiningStateIdle
}

// Claimable reports whether a claim would compute a reward. It does not
// depend on MiningActive: a stopped session can still be claimed.
func (r *MiningRecord) Claimable() bool {
	return r.LastStart != nil
}

type ClaimEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Reward         decimal.Decimal `json:"reward"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	ElapsedSeconds int64           `json:"elapsed_seconds"`
	ClaimedAt      time.Time       `json:"claimed_at"`
}

type Profile struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AvatarURL    *string   `json:"avatar_url"`
	ReferralCode string    `json:"referral_code"`
	ReferredBy   string    `json:"referred_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReferralStats struct {
	TotalReferred int      `json:"total_referred"`
	ReferredUsers []string `json:"referred_users"`
}

type OnboardRequest struct {
	ReferredBy string `json:"referred_by" binding:"omitempty,alphanum,max=32"`
	Username   string `json:"username" binding:"omitempty,max=64"`
	AvatarURL  string `json:"avatar_url" binding:"omitempty,url,max=512"`
}
