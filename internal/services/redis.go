package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vad-mining-backend/internal/config"
	"vad-mining-backend/internal/models"
)

// RedisStore keeps each mining record as a JSON string. Updates use
// WATCH/MULTI/EXEC so a concurrent write to the same record aborts the
// transaction instead of being overwritten.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}

// Now reads the Redis server clock.
func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, unavailable(err, "read server time")
	}
	return now.UTC(), nil
}

func (s *RedisStore) CreateRecord(ctx context.Context, record *models.MiningRecord) error {
	key := fmt.Sprintf(KeyMiningRecord, record.UserID)

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal mining record")
	}

	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return unavailable(err, "create record %s", record.UserID)
	}
	if !created {
		return ErrRecordExists
	}

	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, userID string) (*models.MiningRecord, error) {
	key := fmt.Sprintf(KeyMiningRecord, userID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, unavailable(err, "get record %s", userID)
	}

	return decodeRecord(data)
}

func (s *RedisStore) Update(ctx context.Context, userID string, fn UpdateFunc) error {
	key := fmt.Sprintf(KeyMiningRecord, userID)

	var fnErr error
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrRecordNotFound
		}
		if err != nil {
			return unavailable(err, "get record %s", userID)
		}

		record, err := decodeRecord(data)
		if err != nil {
			return err
		}

		now, err := tx.Time(ctx).Result()
		if err != nil {
			return unavailable(err, "read server time")
		}

		var changed bool
		changed, fnErr = fn(now.UTC(), record)
		if fnErr != nil || !changed {
			return fnErr
		}

		updated, err := json.Marshal(record)
		if err != nil {
			return errors.Wrap(err, "failed to marshal mining record")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	case errors.Is(err, redis.TxFailedErr):
		return conflict(err, "update record %s", userID)
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return unavailable(err, "update record %s", userID)
	}
}

func (s *RedisStore) SaveProfile(ctx context.Context, profile *models.Profile) error {
	key := fmt.Sprintf(KeyUserProfile, profile.UserID)

	data, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(err, "failed to marshal profile")
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return unavailable(err, "save profile %s", profile.UserID)
	}
	return nil
}

func (s *RedisStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	key := fmt.Sprintf(KeyUserProfile, userID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, unavailable(err, "get profile %s", userID)
	}

	var profile models.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal profile")
	}
	return &profile, nil
}

func (s *RedisStore) ClaimReferralCode(ctx context.Context, code, userID string) (string, error) {
	key := fmt.Sprintf(KeyReferralCode, code)

	claimed, err := s.client.SetNX(ctx, key, userID, 0).Result()
	if err != nil {
		return "", unavailable(err, "claim referral code %s", code)
	}
	if claimed {
		return userID, nil
	}

	owner, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", unavailable(err, "get referral code %s", code)
	}
	return owner, nil
}

func (s *RedisStore) ResolveReferralCode(ctx context.Context, code string) (string, error) {
	key := fmt.Sprintf(KeyReferralCode, code)

	owner, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err, "resolve referral code %s", code)
	}
	return owner, nil
}

func (s *RedisStore) AddReferral(ctx context.Context, referrerID, referredID string) (*models.ReferralStats, error) {
	key := fmt.Sprintf(KeyReferrals, referrerID)

	if err := s.client.SAdd(ctx, key, referredID).Err(); err != nil {
		return nil, unavailable(err, "add referral for %s", referrerID)
	}

	return s.GetReferrals(ctx, referrerID)
}

func (s *RedisStore) GetReferrals(ctx context.Context, referrerID string) (*models.ReferralStats, error) {
	key := fmt.Sprintf(KeyReferrals, referrerID)

	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err, "get referrals for %s", referrerID)
	}
	sort.Strings(members)

	return &models.ReferralStats{
		TotalReferred: len(members),
		ReferredUsers: members,
	}, nil
}

func (s *RedisStore) AppendClaim(ctx context.Context, entry *models.ClaimEntry) error {
	claimKey := fmt.Sprintf(KeyClaim, entry.ID)
	userClaimsKey := fmt.Sprintf(KeyUserClaims, entry.UserID)

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal claim entry")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, claimKey, data, TTLClaim)
		pipe.ZAdd(ctx, userClaimsKey, redis.Z{
			Score:  float64(entry.ClaimedAt.UnixMicro()),
			Member: entry.ID,
		})
		// Keep only the newest entries
		pipe.ZRemRangeByRank(ctx, userClaimsKey, 0, -(MaxStoredClaims + 1))
		return nil
	})
	if err != nil {
		return unavailable(err, "append claim %s", entry.ID)
	}
	return nil
}

func (s *RedisStore) GetClaims(ctx context.Context, userID string, limit int64) ([]*models.ClaimEntry, error) {
	userClaimsKey := fmt.Sprintf(KeyUserClaims, userID)

	ids, err := s.client.ZRevRange(ctx, userClaimsKey, 0, limit-1).Result()
	if err != nil {
		return nil, unavailable(err, "get claim ids for %s", userID)
	}
	if len(ids) == 0 {
		return []*models.ClaimEntry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyClaim, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, unavailable(err, "get claims for %s", userID)
	}

	entries := make([]*models.ClaimEntry, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// expired
			continue
		}

		var entry models.ClaimEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// CheckRateLimit counts action calls for userID in a fixed window.
func (s *RedisStore) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %v", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func (s *RedisStore) ClearRateLimit(ctx context.Context, userID, action string) error {
	key := fmt.Sprintf(KeyRateLimit, userID, action)
	return s.client.Del(ctx, key).Err()
}

func decodeRecord(data []byte) (*models.MiningRecord, error) {
	var record models.MiningRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal mining record")
	}
	return &record, nil
}
