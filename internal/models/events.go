package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClaimedEvent struct {
	UserID    string          `json:"user_id"`
	ClaimID   string          `json:"claim_id"`
	Reward    decimal.Decimal `json:"reward"`
	Balance   decimal.Decimal `json:"balance"`
	ClaimedAt time.Time       `json:"claimed_at"`
}

type ReferralEvent struct {
	ReferrerID    string    `json:"referrer_id"`
	ReferredID    string    `json:"referred_id"`
	ReferralCode  string    `json:"referral_code"`
	TotalReferred int       `json:"total_referred"`
	Timestamp     time.Time `json:"timestamp"`
}
