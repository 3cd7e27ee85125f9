package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"vad-mining-backend/internal/models"
)

const (
	DefaultClaimMaxRetries    = 5
	DefaultClaimRetryInterval = 50 * time.Millisecond

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100

	DefaultSideEffectTimeout = 5 * time.Second
)

type LedgerOptions struct {
	MaxRetries    int
	RetryInterval time.Duration

	// SideEffectTimeout bounds history writes and event publishing after a
	// committed claim or onboarding.
	SideEffectTimeout time.Duration

	Broadcaster Broadcaster
	Logger      logrus.FieldLogger
}

// LedgerService owns the mining state machine. It keeps no ledger state in
// memory; every transition is a single atomic Store.Update.
type LedgerService struct {
	store             Store
	broadcaster       Broadcaster
	log               logrus.FieldLogger
	maxRetries        int
	retryInterval     time.Duration
	sideEffectTimeout time.Duration
}

// Snapshot is the read model returned by Read. Pending and Projected are
// advisory; only Claim is authoritative.
type Snapshot struct {
	Record        *models.MiningRecord `json:"record"`
	State         models.MiningState   `json:"state"`
	Pending       decimal.Decimal      `json:"pending"`
	Projected     decimal.Decimal      `json:"projected"`
	RatePerSecond decimal.Decimal      `json:"rate_per_second"`
	Now           time.Time            `json:"now"`
}

func NewLedgerService(store Store, opts LedgerOptions) *LedgerService {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultClaimMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultClaimRetryInterval
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = Broadcasters{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &LedgerService{
		store:             store,
		broadcaster:       opts.Broadcaster,
		log:               opts.Logger.WithField("component", "ledger"),
		maxRetries:        opts.MaxRetries,
		retryInterval:     opts.RetryInterval,
		sideEffectTimeout: opts.SideEffectTimeout,
	}
}

// Start opens a session. Starting an already accruing (or stopped but
// unclaimed) session resets LastStart, forfeiting unclaimed progress.
func (l *LedgerService) Start(ctx context.Context, userID string) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}

	err := l.update(ctx, userID, func(now time.Time, record *models.MiningRecord) (bool, error) {
		started := now
		record.MiningActive = true
		record.LastStart = &started
		return true, nil
	})
	if err != nil {
		return l.failed("start", userID, err)
	}

	l.log.WithField("user_id", userID).Debug("mining started")
	return nil
}

// Stop pauses the session. LastStart, Balance and LastClaim are untouched
// and nothing is credited.
func (l *LedgerService) Stop(ctx context.Context, userID string) error {
	if err := authorize(ctx, userID); err != nil {
		return err
	}

	err := l.update(ctx, userID, func(_ time.Time, record *models.MiningRecord) (bool, error) {
		if !record.MiningActive {
			return false, nil
		}
		record.MiningActive = false
		return true, nil
	})
	if err != nil {
		return l.failed("stop", userID, err)
	}

	l.log.WithField("user_id", userID).Debug("mining stopped")
	return nil
}

// Claim credits the reward accrued since LastStart and returns it. A record
// without LastStart yields zero and is left untouched. The reward is only
// returned once the write has been confirmed.
func (l *LedgerService) Claim(ctx context.Context, userID string) (decimal.Decimal, error) {
	if err := authorize(ctx, userID); err != nil {
		return decimal.Zero, err
	}

	var entry *models.ClaimEntry
	err := l.update(ctx, userID, func(now time.Time, record *models.MiningRecord) (bool, error) {
		entry = nil
		if !record.Claimable() {
			return false, nil
		}

		reward := Reward(now, *record.LastStart)
		claimedAt := now

		entry = &models.ClaimEntry{
			ID:             models.GenerateClaimID(now),
			UserID:         userID,
			Reward:         reward,
			BalanceBefore:  record.Balance,
			BalanceAfter:   record.Balance.Add(reward),
			ElapsedSeconds: ElapsedSeconds(now, *record.LastStart),
			ClaimedAt:      now,
		}

		record.Balance = entry.BalanceAfter
		record.LastClaim = &claimedAt
		record.LastStart = nil
		record.MiningActive = false
		return true, nil
	})
	if err != nil {
		return decimal.Zero, l.failed("claim", userID, err)
	}

	if entry == nil {
		return decimal.Zero, nil
	}

	l.log.WithFields(logrus.Fields{
		"user_id": userID,
		"reward":  entry.Reward.String(),
		"elapsed": entry.ElapsedSeconds,
	}).Info("reward claimed")

	if !entry.Reward.IsZero() {
		sideCtx, cancel := l.sideEffectContext(ctx)
		defer cancel()
		l.recordClaim(sideCtx, entry)
	}

	return entry.Reward, nil
}

func (l *LedgerService) Read(ctx context.Context, userID string) (*Snapshot, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}

	record, err := l.store.GetRecord(ctx, userID)
	if err != nil {
		return nil, l.failed("read", userID, err)
	}

	now, err := l.store.Now(ctx)
	if err != nil {
		return nil, err
	}

	return Project(record, now), nil
}

// Project builds the advisory view of record at now.
func Project(record *models.MiningRecord, now time.Time) *Snapshot {
	snapshot := &Snapshot{
		Record:        record,
		State:         record.State(),
		Pending:       decimal.Zero,
		Projected:     record.Balance,
		RatePerSecond: decimal.Zero,
		Now:           now,
	}

	if record.Claimable() {
		snapshot.Pending = Reward(now, *record.LastStart)
		snapshot.Projected = record.Balance.Add(snapshot.Pending)
	}
	if record.MiningActive {
		snapshot.RatePerSecond = RatePerSecond
	}

	return snapshot
}

// Onboard provisions the mining record and profile for a new user and
// registers the referral when req.ReferredBy resolves to another user. The
// record is created first: of two concurrent onboards only the one that
// created it writes the profile.
func (l *LedgerService) Onboard(ctx context.Context, userID string, req models.OnboardRequest) (*models.Profile, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}

	if _, err := l.store.GetRecord(ctx, userID); err == nil {
		return nil, ErrRecordExists
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	now, err := l.store.Now(ctx)
	if err != nil {
		return nil, err
	}

	if err := l.store.CreateRecord(ctx, models.NewMiningRecord(userID)); err != nil {
		return nil, err
	}

	profile := models.NewProfile(userID, req, now)

	owner, err := l.store.ClaimReferralCode(ctx, profile.ReferralCode, userID)
	if err != nil {
		return nil, l.onboardFailed(userID, err)
	}
	if owner != userID {
		l.log.WithFields(logrus.Fields{
			"user_id":       userID,
			"referral_code": profile.ReferralCode,
			"owner":         owner,
		}).Warn("referral code already taken")
	}

	if err := l.store.SaveProfile(ctx, profile); err != nil {
		return nil, l.onboardFailed(userID, err)
	}

	l.log.WithField("user_id", userID).Info("user onboarded")

	if profile.ReferredBy != "" {
		sideCtx, cancel := l.sideEffectContext(ctx)
		defer cancel()
		l.registerReferral(sideCtx, profile, now)
	}

	return profile, nil
}

func (l *LedgerService) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.GetProfile(ctx, userID)
}

func (l *LedgerService) Referrals(ctx context.Context, userID string) (*models.ReferralStats, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.GetReferrals(ctx, userID)
}

// History returns the newest claims first.
func (l *LedgerService) History(ctx context.Context, userID string, limit int64) ([]*models.ClaimEntry, error) {
	if err := authorize(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return l.store.GetClaims(ctx, userID, limit)
}

// registerReferral credits the referrer with a new referral. Unknown codes and
// self referrals are ignored.
func (l *LedgerService) registerReferral(ctx context.Context, profile *models.Profile, now time.Time) {
	logger := l.log.WithFields(logrus.Fields{
		"user_id":       profile.UserID,
		"referral_code": profile.ReferredBy,
	})

	referrerID, err := l.store.ResolveReferralCode(ctx, profile.ReferredBy)
	if err != nil {
		logger.WithError(err).Error("failed to resolve referral code")
		return
	}
	if referrerID == "" || referrerID == profile.UserID {
		logger.Debug("referral skipped")
		return
	}

	stats, err := l.store.AddReferral(ctx, referrerID, profile.UserID)
	if err != nil {
		logger.WithError(err).Error("failed to register referral")
		return
	}

	event := models.ReferralEvent{
		ReferrerID:    referrerID,
		ReferredID:    profile.UserID,
		ReferralCode:  profile.ReferredBy,
		TotalReferred: stats.TotalReferred,
		Timestamp:     now,
	}
	err = awaitBroadcast(ctx, func(ctx context.Context) error {
		return l.broadcaster.BroadcastReferral(ctx, event)
	})
	if err != nil {
		logger.WithError(err).Warn("failed to broadcast referral")
	}
}

func (l *LedgerService) recordClaim(ctx context.Context, entry *models.ClaimEntry) {
	logger := l.log.WithFields(logrus.Fields{"user_id": entry.UserID, "claim_id": entry.ID})

	if err := l.store.AppendClaim(ctx, entry); err != nil {
		logger.WithError(err).Warn("failed to append claim history")
	}

	event := models.ClaimedEvent{
		UserID:    entry.UserID,
		ClaimID:   entry.ID,
		Reward:    entry.Reward,
		Balance:   entry.BalanceAfter,
		ClaimedAt: entry.ClaimedAt,
	}
	err := awaitBroadcast(ctx, func(ctx context.Context) error {
		return l.broadcaster.BroadcastClaim(ctx, event)
	})
	if err != nil {
		logger.WithError(err).Warn("failed to broadcast claim")
	}
}

// awaitBroadcast stops waiting for fn once ctx is done. Publishers that block
// on broker flow control do not observe ctx themselves.
func awaitBroadcast(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "broadcast abandoned")
	}
}

// update runs fn through Store.Update, retrying storage conflicts with
// bounded exponential backoff. Any other error stops the retry loop.
func (l *LedgerService) update(ctx context.Context, userID string, fn UpdateFunc) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retryInterval
	bo.MaxInterval = 20 * l.retryInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.maxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := l.store.Update(ctx, userID, fn)
		if err == nil || errors.Is(err, ErrStorageConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		l.log.WithFields(logrus.Fields{
			"user_id": userID,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("storage conflict, retrying")
	})
}

// sideEffectContext detaches post-commit work from request cancellation and
// bounds it by sideEffectTimeout.
func (l *LedgerService) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.sideEffectTimeout)
}

// onboardFailed is used once the record exists but the profile could not be
// written.
func (l *LedgerService) onboardFailed(userID string, err error) error {
	l.log.WithField("user_id", userID).WithError(err).Error("mining record created without profile")
	return err
}

func (l *LedgerService) failed(op, userID string, err error) error {
	logger := l.log.WithFields(logrus.Fields{"op": op, "user_id": userID}).WithError(err)

	switch {
	case errors.Is(err, ErrRecordNotFound):
		logger.Error("mining record missing for onboarded user")
	case errors.Is(err, ErrStorageConflict):
		logger.Warn("storage conflict retries exhausted")
	default:
		logger.Warn("ledger operation failed")
	}

	return err
}
