package services

import "time"

const (
	KeyMiningRecord = "mining:%s"
	KeyUserProfile  = "user:%s:profile"
	KeyReferralCode = "referral_code:%s"
	KeyReferrals    = "referrals:%s:users"
	KeyUserClaims   = "user:%s:claims"
	KeyClaim        = "claim:%s"
	KeyRateLimit    = "ratelimit:%s:%s"

	TTLClaim = 30 * 24 * time.Hour // 30 days

	MaxStoredClaims = 100

	DefaultRateLimitClaims  = 30 // Max 30 claims per minute
	DefaultRateLimitToggles = 60 // Max 60 start/stop calls per minute
)
