package services

import (
	"context"
	"time"

	"vad-mining-backend/internal/models"
)

// UpdateFunc mutates a record inside an atomic read-modify-write. now is read
// from the storage tier executing the transaction. Returning false discards
// the mutation and writes nothing.
type UpdateFunc func(now time.Time, record *models.MiningRecord) (bool, error)

// Store persists mining records and their supporting data. Update must be
// atomic with respect to concurrent Update calls on the same user, across
// processes; a lost race is reported as ErrStorageConflict.
type Store interface {
	Ping(ctx context.Context) error
	Now(ctx context.Context) (time.Time, error)

	CreateRecord(ctx context.Context, record *models.MiningRecord) error
	GetRecord(ctx context.Context, userID string) (*models.MiningRecord, error)
	Update(ctx context.Context, userID string, fn UpdateFunc) error

	SaveProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)

	// ClaimReferralCode maps code to userID unless another user already holds
	// it. It returns the owning user id.
	ClaimReferralCode(ctx context.Context, code, userID string) (string, error)
	// ResolveReferralCode returns "" when the code is unknown.
	ResolveReferralCode(ctx context.Context, code string) (string, error)
	// AddReferral is idempotent per (referrerID, referredID).
	AddReferral(ctx context.Context, referrerID, referredID string) (*models.ReferralStats, error)
	GetReferrals(ctx context.Context, referrerID string) (*models.ReferralStats, error)

	AppendClaim(ctx context.Context, entry *models.ClaimEntry) error
	GetClaims(ctx context.Context, userID string, limit int64) ([]*models.ClaimEntry, error)

	Close() error
}
