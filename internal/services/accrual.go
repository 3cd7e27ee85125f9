package services

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccrualWindow        = 24 * time.Hour
	accrualWindowSeconds = int64(AccrualWindow / time.Second)
)

// DailyMax is the reward for one full accrual window.
var DailyMax = decimal.RequireFromString("4.8")

// RatePerSecond is only used for display purposes. Rewards are always
// computed by Reward.
var RatePerSecond = DailyMax.Div(decimal.NewFromInt(accrualWindowSeconds))

// ElapsedSeconds returns the whole seconds between lastStart and now, never
// negative and never more than one accrual window.
func ElapsedSeconds(now, lastStart time.Time) int64 {
	elapsed := int64(now.Sub(lastStart) / time.Second)
	return min(max(elapsed, 0), accrualWindowSeconds)
}

// Reward is the amount credited for a session started at lastStart and
// claimed at now. The result is in [0, DailyMax].
func Reward(now, lastStart time.Time) decimal.Decimal {
	capped := ElapsedSeconds(now, lastStart)
	return decimal.NewFromInt(capped).
		Mul(DailyMax).
		Div(decimal.NewFromInt(accrualWindowSeconds))
}
