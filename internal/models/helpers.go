package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const referralCodeLength = 6

func GenerateClaimID(at time.Time) string {
	return fmt.Sprintf("claim_%s_%s",
		at.UTC().Format("20060102"),
		uuid.NewString())
}

// GenerateReferralCode derives the public referral code from a user id.
func GenerateReferralCode(userID string) string {
	code := []rune(userID)
	if len(code) > referralCodeLength {
		code = code[:referralCodeLength]
	}
	return strings.ToUpper(string(code))
}

// NormalizeReferralCode is applied to user supplied codes before lookup.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func NewProfile(userID string, req OnboardRequest, createdAt time.Time) *Profile {
	profile := &Profile{
		UserID:       userID,
		Username:     strings.TrimSpace(req.Username),
		ReferralCode: GenerateReferralCode(userID),
		ReferredBy:   NormalizeReferralCode(req.ReferredBy),
		CreatedAt:    createdAt,
	}
	if req.AvatarURL != "" {
		avatar := req.AvatarURL
		profile.AvatarURL = &avatar
	}
	return profile
}
