package services

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"vad-mining-backend/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mining_records (
	user_id       TEXT PRIMARY KEY,
	balance       NUMERIC(38, 18) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	mining_active BOOLEAN NOT NULL DEFAULT FALSE,
	last_start    TIMESTAMPTZ,
	last_claim    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS mining_profiles (
	user_id       TEXT PRIMARY KEY,
	username      TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT,
	referral_code TEXT NOT NULL,
	referred_by   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);

ALTER TABLE mining_profiles ADD COLUMN IF NOT EXISTS username TEXT NOT NULL DEFAULT '';
ALTER TABLE mining_profiles ADD COLUMN IF NOT EXISTS avatar_url TEXT;

CREATE TABLE IF NOT EXISTS referral_codes (
	code    TEXT PRIMARY KEY,
	user_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS referrals (
	referrer_id TEXT NOT NULL,
	referred_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (referrer_id, referred_id)
);

CREATE TABLE IF NOT EXISTS mining_claims (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	reward          NUMERIC(38, 18) NOT NULL,
	balance_before  NUMERIC(38, 18) NOT NULL,
	balance_after   NUMERIC(38, 18) NOT NULL,
	elapsed_seconds BIGINT NOT NULL,
	claimed_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS mining_claims_user_claimed_at_idx ON mining_claims (user_id, claimed_at DESC);
`

// SQLSTATE codes reported when a transaction lost a race.
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// PostgresStore locks the record row with SELECT ... FOR UPDATE for the
// duration of an Update and reads the clock from the database.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	dbConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database URL")
	}

	dbConfig.MaxConns = 50
	dbConfig.MinConns = 5
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to database")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	return &PostgresStore{db: pool}, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, unavailable(err, "read server time")
	}
	return now.UTC(), nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, record *models.MiningRecord) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO mining_records (user_id, balance, mining_active, last_start, last_claim)
		VALUES ($1, $2::numeric, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		record.UserID, record.Balance.String(), record.MiningActive, record.LastStart, record.LastClaim)
	if err != nil {
		return classify(err, "create record %s", record.UserID)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordExists
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID string) (*models.MiningRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT balance::text, mining_active, last_start, last_claim
		FROM mining_records WHERE user_id = $1`, userID)

	record, err := scanRecord(row, userID)
	if err != nil {
		return nil, classify(err, "get record %s", userID)
	}
	return record, nil
}

func (s *PostgresStore) Update(ctx context.Context, userID string, fn UpdateFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err, "begin update %s", userID)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT balance::text, mining_active, last_start, last_claim
		FROM mining_records WHERE user_id = $1
		FOR UPDATE`, userID)

	record, err := scanRecord(row, userID)
	if err != nil {
		return classify(err, "lock record %s", userID)
	}

	// Read the clock only once the row lock is held.
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return classify(err, "read server time")
	}

	changed, err := fn(now.UTC(), record)
	if err != nil || !changed {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE mining_records
		SET balance = $2::numeric, mining_active = $3, last_start = $4, last_claim = $5, updated_at = $6
		WHERE user_id = $1`,
		userID, record.Balance.String(), record.MiningActive, record.LastStart, record.LastClaim, now)
	if err != nil {
		return classify(err, "update record %s", userID)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit record %s", userID)
	}
	return nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, profile *models.Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mining_profiles (user_id, username, avatar_url, referral_code, referred_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url,
			referral_code = EXCLUDED.referral_code, referred_by = EXCLUDED.referred_by`,
		profile.UserID, profile.Username, profile.AvatarURL, profile.ReferralCode, profile.ReferredBy, profile.CreatedAt)
	if err != nil {
		return classify(err, "save profile %s", profile.UserID)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	profile := models.Profile{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT username, avatar_url, referral_code, referred_by, created_at
		FROM mining_profiles WHERE user_id = $1`, userID).
		Scan(&profile.Username, &profile.AvatarURL, &profile.ReferralCode, &profile.ReferredBy, &profile.CreatedAt)
	if err != nil {
		return nil, classify(err, "get profile %s", userID)
	}
	profile.CreatedAt = profile.CreatedAt.UTC()
	return &profile, nil
}

func (s *PostgresStore) ClaimReferralCode(ctx context.Context, code, userID string) (string, error) {
	var owner string
	err := s.db.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO referral_codes (code, user_id) VALUES ($1, $2)
			ON CONFLICT (code) DO NOTHING
			RETURNING user_id
		)
		SELECT user_id FROM inserted
		UNION ALL
		SELECT user_id FROM referral_codes WHERE code = $1
		LIMIT 1`, code, userID).Scan(&owner)
	if err != nil {
		return "", classify(err, "claim referral code %s", code)
	}
	return owner, nil
}

func (s *PostgresStore) ResolveReferralCode(ctx context.Context, code string) (string, error) {
	var owner string
	err := s.db.QueryRow(ctx, `SELECT user_id FROM referral_codes WHERE code = $1`, code).Scan(&owner)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "resolve referral code %s", code)
	}
	return owner, nil
}

func (s *PostgresStore) AddReferral(ctx context.Context, referrerID, referredID string) (*models.ReferralStats, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO referrals (referrer_id, referred_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, referrerID, referredID)
	if err != nil {
		return nil, classify(err, "add referral for %s", referrerID)
	}
	return s.GetReferrals(ctx, referrerID)
}

func (s *PostgresStore) GetReferrals(ctx context.Context, referrerID string) (*models.ReferralStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT referred_id FROM referrals
		WHERE referrer_id = $1 ORDER BY referred_id`, referrerID)
	if err != nil {
		return nil, classify(err, "get referrals for %s", referrerID)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err, "scan referrals for %s", referrerID)
	}
	if users == nil {
		users = []string{}
	}

	return &models.ReferralStats{
		TotalReferred: len(users),
		ReferredUsers: users,
	}, nil
}

func (s *PostgresStore) AppendClaim(ctx context.Context, entry *models.ClaimEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mining_claims (id, user_id, reward, balance_before, balance_after, elapsed_seconds, claimed_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)`,
		entry.ID, entry.UserID,
		entry.Reward.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.ElapsedSeconds, entry.ClaimedAt)
	if err != nil {
		return classify(err, "append claim %s", entry.ID)
	}
	return nil
}

func (s *PostgresStore) GetClaims(ctx context.Context, userID string, limit int64) ([]*models.ClaimEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, reward::text, balance_before::text, balance_after::text, elapsed_seconds, claimed_at
		FROM mining_claims WHERE user_id = $1
		ORDER BY claimed_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify(err, "get claims for %s", userID)
	}
	defer rows.Close()

	entries := []*models.ClaimEntry{}
	for rows.Next() {
		entry := models.ClaimEntry{UserID: userID}
		var reward, balanceBefore, after string
		if err := rows.Scan(&entry.ID, &reward, &balanceBefore, &after, &entry.ElapsedSeconds, &entry.ClaimedAt); err != nil {
			return nil, classify(err, "scan claim for %s", userID)
		}

		if entry.Reward, err = decimal.NewFromString(reward); err != nil {
			return nil, errors.Wrap(err, "invalid reward")
		}
		if entry.BalanceBefore, err = decimal.NewFromString(balanceBefore); err != nil {
			return nil, errors.Wrap(err, "invalid balance_before")
		}
		if entry.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, errors.Wrap(err, "invalid balance_after")
		}
		entry.ClaimedAt = entry.ClaimedAt.UTC()

		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate claims for %s", userID)
	}

	return entries, nil
}

func scanRecord(row pgx.Row, userID string) (*models.MiningRecord, error) {
	record := &models.MiningRecord{UserID: userID}

	var balance string
	if err := row.Scan(&balance, &record.MiningActive, &record.LastStart, &record.LastClaim); err != nil {
		return nil, err
	}

	var err error
	if record.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, errors.Wrap(err, "invalid balance")
	}

	if record.LastStart != nil {
		utc := record.LastStart.UTC()
		record.LastStart = &utc
	}
	if record.LastClaim != nil {
		utc := record.LastClaim.UTC()
		record.LastClaim = &utc
	}

	return record, nil
}

// classify maps pgx errors onto the ledger error taxonomy.
func classify(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRecordNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return conflict(err, format, args...)
	}

	return unavailable(err, format, args...)
}
