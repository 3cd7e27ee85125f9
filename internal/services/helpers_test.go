package services_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vad-mining-backend/internal/models"
	"vad-mining-backend/internal/services"
)

type testEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *services.RedisStore
	ledger *services.LedgerService
	events *recordingBroadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(t0)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := services.NewRedisStoreFromClient(client)
	events := &recordingBroadcaster{}

	ledger := services.NewLedgerService(store, services.LedgerOptions{
		MaxRetries:    10,
		RetryInterval: time.Millisecond,
		Broadcaster:   events,
		Logger:        quietLogger(),
	})

	return &testEnv{
		mr:     mr,
		client: client,
		store:  store,
		ledger: ledger,
		events: events,
	}
}

// advance moves the Redis server clock, which is the only clock the ledger reads.
func (e *testEnv) advance(d time.Duration) {
	now, _ := e.store.Now(context.Background())
	e.mr.SetTime(now.Add(d))
}

func (e *testEnv) onboard(t *testing.T, userID string) context.Context {
	t.Helper()

	ctx := services.WithCaller(context.Background(), userID)
	_, err := e.ledger.Onboard(ctx, userID, models.OnboardRequest{})
	require.NoError(t, err)
	return ctx
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	claims    []models.ClaimedEvent
	referrals []models.ReferralEvent
}

func (r *recordingBroadcaster) BroadcastClaim(_ context.Context, event models.ClaimedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = append(r.claims, event)
	return nil
}

func (r *recordingBroadcaster) BroadcastReferral(_ context.Context, event models.ReferralEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.referrals = append(r.referrals, event)
	return nil
}

func (r *recordingBroadcaster) claimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}
