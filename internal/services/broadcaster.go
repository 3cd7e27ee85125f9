package services

import (
	"context"

	"vad-mining-backend/internal/models"
)

// Broadcaster is notified after ledger changes have been committed.
// Implementations must not block the caller for long; errors are logged by
// the ledger and never undo a committed write.
type Broadcaster interface {
	BroadcastClaim(ctx context.Context, event models.ClaimedEvent) error
	BroadcastReferral(ctx context.Context, event models.ReferralEvent) error
}

// Broadcasters fans an event out to every member and returns the first error.
type Broadcasters []Broadcaster

func (bs Broadcasters) BroadcastClaim(ctx context.Context, event models.ClaimedEvent) error {
	var first error
	for _, b := range bs {
		if err := b.BroadcastClaim(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (bs Broadcasters) BroadcastReferral(ctx context.Context, event models.ReferralEvent) error {
	var first error
	for _, b := range bs {
		if err := b.BroadcastReferral(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
