package services_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vad-mining-backend/internal/models"
	"vad-mining-backend/internal/services"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "expected %s, got %s", want, got)
}

func assertFreshRecord(t *testing.T, record *models.MiningRecord) {
	t.Helper()
	assert.True(t, record.Balance.IsZero())
	assert.False(t, record.MiningActive)
	assert.Nil(t, record.LastStart)
	assert.Nil(t, record.LastClaim)
}

func TestClaimHalfWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(43200 * time.Second)

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "2.4", reward)

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "2.4", record.Balance)
	assert.False(t, record.MiningActive)
	assert.Nil(t, record.LastStart)
	require.NotNil(t, record.LastClaim)
	assert.True(t, record.LastClaim.Equal(t0.Add(43200*time.Second)))
}

func TestClaimIsCappedAtDailyMax(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(90000 * time.Second)

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "4.8", reward)
}

func TestClaimTwiceCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)

	first, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0.2", first)

	env.advance(time.Hour)

	second, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, second.IsZero())

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0.2", record.Balance)
	assert.True(t, record.LastClaim.Equal(t0.Add(time.Hour)))
}

func TestClaimWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	env.advance(time.Hour)

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, reward.IsZero())

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, record.Balance.IsZero())
	assert.Nil(t, record.LastClaim)
	assert.Zero(t, env.events.claimCount())
}

func TestStopKeepsUnclaimedProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(43200 * time.Second)
	require.NoError(t, env.ledger.Stop(ctx, "user-1"))

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, record.MiningActive)
	require.NotNil(t, record.LastStart)
	assert.True(t, record.LastStart.Equal(t0))
	assert.True(t, record.Balance.IsZero())

	// Claim depends only on LastStart, so time after Stop still counts.
	env.advance(43200 * time.Second)

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "4.8", reward)
}

func TestStopWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Stop(ctx, "user-1"))

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assertFreshRecord(t, record)
}

func TestStartStopClaimRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(43200 * time.Second)
	require.NoError(t, env.ledger.Stop(ctx, "user-1"))

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "2.4", reward)
}

func TestRestartResetsStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)
	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)

	reward, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0.2", reward)
}

func TestConcurrentClaimsCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(86400 * time.Second)

	const workers = 10
	rewards := make([]decimal.Decimal, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rewards[i], errs[i] = env.ledger.Claim(ctx, "user-1")
		}(i)
	}
	wg.Wait()

	credited := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !rewards[i].IsZero() {
			credited++
			assertDecimal(t, "4.8", rewards[i])
		}
	}
	assert.Equal(t, 1, credited)

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "4.8", record.Balance)
	assert.Equal(t, 1, env.events.claimCount())
}

func TestLedgerRequiresCaller(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t, "user-1")

	anonymous := context.Background()
	other := services.WithCaller(context.Background(), "user-2")

	for _, ctx := range []context.Context{anonymous, other} {
		assert.ErrorIs(t, env.ledger.Start(ctx, "user-1"), services.ErrUnauthenticated)
		assert.ErrorIs(t, env.ledger.Stop(ctx, "user-1"), services.ErrUnauthenticated)

		_, err := env.ledger.Claim(ctx, "user-1")
		assert.ErrorIs(t, err, services.ErrUnauthenticated)

		_, err = env.ledger.Read(ctx, "user-1")
		assert.ErrorIs(t, err, services.ErrUnauthenticated)

		_, err = env.ledger.History(ctx, "user-1", 10)
		assert.ErrorIs(t, err, services.ErrUnauthenticated)
	}

	_, err := env.ledger.Onboard(anonymous, "user-3", models.OnboardRequest{})
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
}

func TestLedgerMissingRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := services.WithCaller(context.Background(), "ghost")

	assert.ErrorIs(t, env.ledger.Start(ctx, "ghost"), services.ErrRecordNotFound)
	assert.ErrorIs(t, env.ledger.Stop(ctx, "ghost"), services.ErrRecordNotFound)

	_, err := env.ledger.Claim(ctx, "ghost")
	assert.ErrorIs(t, err, services.ErrRecordNotFound)

	_, err = env.ledger.Read(ctx, "ghost")
	assert.ErrorIs(t, err, services.ErrRecordNotFound)

	exists, err := env.client.Exists(ctx, "mining:ghost").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestOnboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := services.WithCaller(context.Background(), "abcdef123")

	profile, err := env.ledger.Onboard(ctx, "abcdef123", models.OnboardRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", profile.ReferralCode)
	assert.Empty(t, profile.ReferredBy)
	assert.True(t, profile.CreatedAt.Equal(t0))

	record, err := env.store.GetRecord(ctx, "abcdef123")
	require.NoError(t, err)
	assert.Equal(t, "abcdef123", record.UserID)
	assertFreshRecord(t, record)

	owner, err := env.store.ResolveReferralCode(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "abcdef123", owner)

	_, err = env.ledger.Onboard(ctx, "abcdef123", models.OnboardRequest{})
	assert.ErrorIs(t, err, services.ErrRecordExists)
}

func TestOnboardRegistersReferral(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t, "referrer1")

	ctx := services.WithCaller(context.Background(), "newbie01")
	profile, err := env.ledger.Onboard(ctx, "newbie01", models.OnboardRequest{ReferredBy: "nope00"})
	require.NoError(t, err)
	assert.Equal(t, "NOPE00", profile.ReferredBy, "unknown codes are kept on the profile")

	ctx = services.WithCaller(context.Background(), "newbie02")
	_, err = env.ledger.Onboard(ctx, "newbie02", models.OnboardRequest{ReferredBy: "referr"})
	require.NoError(t, err)

	stats, err := env.ledger.Referrals(services.WithCaller(context.Background(), "referrer1"), "referrer1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalReferred)
	assert.Equal(t, []string{"newbie02"}, stats.ReferredUsers)

	// Adding the same referral again does not double count.
	stats, err = env.store.AddReferral(ctx, "referrer1", "newbie02")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalReferred)

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	require.Len(t, env.events.referrals, 1)
	assert.Equal(t, "referrer1", env.events.referrals[0].ReferrerID)
	assert.Equal(t, "newbie02", env.events.referrals[0].ReferredID)
	assert.Equal(t, 1, env.events.referrals[0].TotalReferred)
}

func TestOnboardSkipsSelfReferral(t *testing.T) {
	env := newTestEnv(t)
	ctx := services.WithCaller(context.Background(), "selfie99")

	_, err := env.ledger.Onboard(ctx, "selfie99", models.OnboardRequest{ReferredBy: "SELFIE"})
	require.NoError(t, err)

	stats, err := env.ledger.Referrals(ctx, "selfie99")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalReferred)
	assert.Empty(t, env.events.referrals)
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	// Claiming right after start credits nothing and is not recorded.
	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	_, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)

	for _, d := range []time.Duration{time.Hour, 2 * time.Hour} {
		require.NoError(t, env.ledger.Start(ctx, "user-1"))
		env.advance(d)
		_, err := env.ledger.Claim(ctx, "user-1")
		require.NoError(t, err)
	}

	claims, err := env.ledger.History(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, claims, 2)

	assertDecimal(t, "0.4", claims[0].Reward)
	assertDecimal(t, "0.2", claims[0].BalanceBefore)
	assertDecimal(t, "0.6", claims[0].BalanceAfter)
	assert.Equal(t, int64(7200), claims[0].ElapsedSeconds)

	assertDecimal(t, "0.2", claims[1].Reward)
	assert.True(t, claims[1].BalanceBefore.IsZero())

	limited, err := env.ledger.History(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, claims[0].ID, limited[0].ID)
}

func TestReadProjection(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	snapshot, err := env.ledger.Read(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MiningStateIdle, snapshot.State)
	assert.True(t, snapshot.Pending.IsZero())
	assert.True(t, snapshot.RatePerSecond.IsZero())

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)

	snapshot, err = env.ledger.Read(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MiningStateAccruing, snapshot.State)
	assertDecimal(t, "0.2", snapshot.Pending)
	assertDecimal(t, "0.2", snapshot.Projected)
	assert.True(t, snapshot.RatePerSecond.Equal(services.RatePerSecond))
	assert.True(t, snapshot.Now.Equal(t0.Add(time.Hour)))

	// Reading never writes.
	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, record.Balance.IsZero())

	require.NoError(t, env.ledger.Stop(ctx, "user-1"))
	env.advance(48 * time.Hour)

	snapshot, err = env.ledger.Read(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MiningStateIdle, snapshot.State)
	assertDecimal(t, "4.8", snapshot.Pending)
	assert.True(t, snapshot.RatePerSecond.IsZero())
}

type conflictStore struct {
	services.Store
	calls atomic.Int32
}

func (s *conflictStore) Update(context.Context, string, services.UpdateFunc) error {
	s.calls.Add(1)
	return services.ErrStorageConflict
}

func TestClaimGivesUpAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	store := &conflictStore{Store: env.store}
	ledger := services.NewLedgerService(store, services.LedgerOptions{
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
		Logger:        quietLogger(),
	})

	reward, err := ledger.Claim(ctx, "user-1")
	assert.ErrorIs(t, err, services.ErrStorageConflict)
	assert.True(t, services.IsRetryable(err))
	assert.True(t, reward.IsZero())
	assert.Equal(t, int32(4), store.calls.Load())
}

type failingStore struct {
	services.Store
	calls atomic.Int32
}

func (s *failingStore) Update(context.Context, string, services.UpdateFunc) error {
	s.calls.Add(1)
	return services.ErrStorageUnavailable
}

func TestClaimDoesNotRetryUnavailableStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	store := &failingStore{Store: env.store}
	ledger := services.NewLedgerService(store, services.LedgerOptions{
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
		Logger:        quietLogger(),
	})

	_, err := ledger.Claim(ctx, "user-1")
	assert.ErrorIs(t, err, services.ErrStorageUnavailable)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestStopKeepsLastClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)
	_, err := env.ledger.Claim(ctx, "user-1")
	require.NoError(t, err)

	claimed, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, claimed.LastClaim)

	env.advance(time.Hour)
	require.NoError(t, env.ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)
	require.NoError(t, env.ledger.Stop(ctx, "user-1"))

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, record.MiningActive)
	require.NotNil(t, record.LastClaim)
	assert.True(t, record.LastClaim.Equal(*claimed.LastClaim))
	assert.True(t, record.Balance.Equal(claimed.Balance))
	require.NotNil(t, record.LastStart)
	assert.True(t, record.LastStart.Equal(t0.Add(2*time.Hour)))
}

// staleReadStore reports every record as missing so that two onboards for
// the same user both get past the existence check.
type staleReadStore struct {
	services.Store
}

func (staleReadStore) GetRecord(context.Context, string) (*models.MiningRecord, error) {
	return nil, services.ErrRecordNotFound
}

func TestOnboardLoserDoesNotOverwriteProfile(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t, "aaaaaa01")
	env.onboard(t, "bbbbbb01")

	ledger := services.NewLedgerService(staleReadStore{Store: env.store}, services.LedgerOptions{
		Logger: quietLogger(),
	})
	ctx := services.WithCaller(context.Background(), "user-x")

	_, err := ledger.Onboard(ctx, "user-x", models.OnboardRequest{ReferredBy: "AAAAAA", Username: "first"})
	require.NoError(t, err)

	_, err = ledger.Onboard(ctx, "user-x", models.OnboardRequest{ReferredBy: "BBBBBB", Username: "second"})
	assert.ErrorIs(t, err, services.ErrRecordExists)

	profile, err := env.store.GetProfile(ctx, "user-x")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", profile.ReferredBy)
	assert.Equal(t, "first", profile.Username)

	statsA, err := env.store.GetReferrals(ctx, "aaaaaa01")
	require.NoError(t, err)
	assert.Equal(t, 1, statsA.TotalReferred)

	statsB, err := env.store.GetReferrals(ctx, "bbbbbb01")
	require.NoError(t, err)
	assert.Zero(t, statsB.TotalReferred)
}

func TestConcurrentOnboardIsConsistent(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t, "aaaaaa01")
	env.onboard(t, "bbbbbb01")

	ctx := services.WithCaller(context.Background(), "user-x")
	codes := []string{"AAAAAA", "BBBBBB"}
	errs := make([]error, len(codes))

	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = env.ledger.Onboard(ctx, "user-x", models.OnboardRequest{ReferredBy: code})
		}(i, code)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "both onboards succeeded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, services.ErrRecordExists)
	}
	require.NotEqual(t, -1, winner)

	profile, err := env.store.GetProfile(ctx, "user-x")
	require.NoError(t, err)
	assert.Equal(t, codes[winner], profile.ReferredBy)

	statsA, err := env.store.GetReferrals(ctx, "aaaaaa01")
	require.NoError(t, err)
	statsB, err := env.store.GetReferrals(ctx, "bbbbbb01")
	require.NoError(t, err)
	assert.Equal(t, 1, statsA.TotalReferred+statsB.TotalReferred)
	if winner == 0 {
		assert.Equal(t, 1, statsA.TotalReferred)
	} else {
		assert.Equal(t, 1, statsB.TotalReferred)
	}
}

func TestOnboardStoresProfileDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := services.WithCaller(context.Background(), "user-1")

	_, err := env.ledger.Onboard(ctx, "user-1", models.OnboardRequest{
		Username:  "digger",
		AvatarURL: "https://cdn.example.com/d.png",
	})
	require.NoError(t, err)

	profile, err := env.ledger.Profile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "digger", profile.Username)
	require.NotNil(t, profile.AvatarURL)
	assert.Equal(t, "https://cdn.example.com/d.png", *profile.AvatarURL)
}

// stalledBroadcaster ignores its context and blocks until released.
type stalledBroadcaster struct {
	release chan struct{}
}

func (s stalledBroadcaster) BroadcastClaim(context.Context, models.ClaimedEvent) error {
	<-s.release
	return nil
}

func (s stalledBroadcaster) BroadcastReferral(context.Context, models.ReferralEvent) error {
	<-s.release
	return nil
}

func TestClaimIsNotHeldByStalledBroadcaster(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.onboard(t, "user-1")

	stalled := stalledBroadcaster{release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })

	ledger := services.NewLedgerService(env.store, services.LedgerOptions{
		SideEffectTimeout: 20 * time.Millisecond,
		Broadcaster:       stalled,
		Logger:            quietLogger(),
	})

	require.NoError(t, ledger.Start(ctx, "user-1"))
	env.advance(time.Hour)

	began := time.Now()
	reward, err := ledger.Claim(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0.2", reward)
	assert.Less(t, time.Since(began), 2*time.Second)

	record, err := env.store.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0.2", record.Balance)

	claims, err := ledger.History(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}
