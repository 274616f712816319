package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConfigured indicates the registry pool was not initialised.
	ErrNotConfigured = errors.New("registry: pool not configured")
	// ErrUnknownTable rejects CSV export of non allow-listed tables.
	ErrUnknownTable = errors.New("registry: unknown table")
)

const (
	createUsersSQL = `CREATE TABLE IF NOT EXISTS users (
        user_id    BIGINT PRIMARY KEY,
        username   TEXT,
        first_name TEXT,
        last_name  TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createSubscriptionsSQL = `CREATE TABLE IF NOT EXISTS user_subscriptions (
        id           BIGSERIAL PRIMARY KEY,
        user_id      BIGINT NOT NULL REFERENCES users(user_id),
        asset_ticker TEXT NOT NULL,
        asset_name   TEXT,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE(user_id, asset_ticker)
    );`

	upsertUserSQL = `INSERT INTO users (user_id, username, first_name, last_name)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (user_id) DO UPDATE
    SET username   = EXCLUDED.username,
        first_name = EXCLUDED.first_name,
        last_name  = EXCLUDED.last_name;`

	selectSubscriptionSQL = `SELECT id FROM user_subscriptions
    WHERE user_id = $1 AND asset_ticker = $2;`

	deleteSubscriptionSQL = `DELETE FROM user_subscriptions
    WHERE user_id = $1 AND asset_ticker = $2;`

	insertSubscriptionSQL = `INSERT INTO user_subscriptions (user_id, asset_ticker, asset_name)
    VALUES ($1, $2, $3);`

	subscriptionsOfSQL = `SELECT asset_ticker FROM user_subscriptions WHERE user_id = $1;`

	subscribersOfSQL = `SELECT user_id FROM user_subscriptions WHERE asset_ticker = $1;`

	allUserIDsSQL = `SELECT user_id FROM users;`

	countUsersSQL         = `SELECT COUNT(*) FROM users;`
	countSubscriptionsSQL = `SELECT COUNT(*) FROM user_subscriptions;`
	countUniqueAssetsSQL  = `SELECT COUNT(DISTINCT asset_ticker) FROM user_subscriptions;`
	countSubscribedSQL    = `SELECT COUNT(DISTINCT user_id) FROM user_subscriptions;`

	topAssetsSQL = `SELECT asset_ticker, COALESCE(asset_name, ''), COUNT(*) AS subscribers
    FROM user_subscriptions
    GROUP BY asset_ticker, asset_name
    ORDER BY subscribers DESC
    LIMIT $1;`

	exportUsersSQL = `SELECT user_id, username, first_name, last_name, created_at
    FROM users ORDER BY created_at;`

	exportSubscriptionsSQL = `SELECT id, user_id, asset_ticker, asset_name, created_at
    FROM user_subscriptions ORDER BY created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var exportQueries = map[string]struct {
	query  string
	header []string
}{
	"users":              {exportUsersSQL, []string{"user_id", "username", "first_name", "last_name", "created_at"}},
	"user_subscriptions": {exportSubscriptionsSQL, []string{"id", "user_id", "asset_ticker", "asset_name", "created_at"}},
}

// Store provides access to users and subscriptions. Read methods follow
// the registry contract: on storage failure they log and return an empty
// result so a flaky database degrades notifications instead of aborting
// a cycle. Write methods propagate errors.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "registry").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InitSchema bootstraps both tables.
func (s *Store) InitSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createUsersSQL); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	if _, err := pool.Exec(ctx, createSubscriptionsSQL); err != nil {
		return fmt.Errorf("create user_subscriptions table: %w", err)
	}
	return nil
}

// UpsertUser inserts or refreshes a user row.
func (s *Store) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertUserSQL, userID, username, firstName, lastName); err != nil {
		return fmt.Errorf("upsert user %d: %w", userID, err)
	}
	return nil
}

// ToggleSubscription flips the (user, ticker) pair inside one transaction
// and returns the new state: true means now subscribed.
func (s *Store) ToggleSubscription(ctx context.Context, userID int64, ticker, name string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin toggle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	scanErr := tx.QueryRow(ctx, selectSubscriptionSQL, userID, ticker).Scan(&id)
	switch {
	case scanErr == nil:
		if _, err := tx.Exec(ctx, deleteSubscriptionSQL, userID, ticker); err != nil {
			return false, fmt.Errorf("delete subscription: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit toggle: %w", err)
		}
		return false, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, insertSubscriptionSQL, userID, ticker, name); err != nil {
			return false, fmt.Errorf("insert subscription: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit toggle: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("check subscription: %w", scanErr)
	}
}

// SubscriptionsOf returns the set of tickers the user follows.
func (s *Store) SubscriptionsOf(ctx context.Context, userID int64) map[string]struct{} {
	result := make(map[string]struct{})

	pool, err := s.getPool()
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("subscriptions lookup failed")
		return result
	}

	rows, err := pool.Query(ctx, subscriptionsOfSQL, userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("subscriptions lookup failed")
		return result
	}
	defer rows.Close()

	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("subscriptions scan failed")
			return result
		}
		result[ticker] = struct{}{}
	}
	if rows.Err() != nil {
		s.logger.Error().Err(rows.Err()).Int64("user_id", userID).Msg("subscriptions iteration failed")
	}
	return result
}

// SubscribersOf returns the users subscribed to a ticker.
func (s *Store) SubscribersOf(ctx context.Context, ticker string) []int64 {
	return s.userIDQuery(ctx, subscribersOfSQL, "subscribers lookup failed", ticker)
}

// AllUserIDs enumerates every known user.
func (s *Store) AllUserIDs(ctx context.Context) []int64 {
	return s.userIDQuery(ctx, allUserIDsSQL, "user enumeration failed")
}

func (s *Store) userIDQuery(ctx context.Context, query, errMsg string, args ...any) []int64 {
	ids := make([]int64, 0)

	pool, err := s.getPool()
	if err != nil {
		s.logger.Error().Err(err).Msg(errMsg)
		return ids
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Msg(errMsg)
		return ids
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			s.logger.Error().Err(err).Msg(errMsg)
			return ids
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		s.logger.Error().Err(rows.Err()).Msg(errMsg)
	}
	return ids
}

// Statistics computes the aggregate counters shown to the admin.
func (s *Store) Statistics(ctx context.Context, topLimit int) (Statistics, error) {
	pool, err := s.getPool()
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics
	counters := []struct {
		query string
		dest  *int64
	}{
		{countUsersSQL, &stats.TotalUsers},
		{countSubscribedSQL, &stats.UsersWithSubscriptions},
		{countSubscriptionsSQL, &stats.TotalSubscriptions},
		{countUniqueAssetsSQL, &stats.UniqueAssets},
	}
	for _, c := range counters {
		if err := pool.QueryRow(ctx, c.query).Scan(c.dest); err != nil {
			return Statistics{}, fmt.Errorf("registry statistics: %w", err)
		}
	}

	rows, err := pool.Query(ctx, topAssetsSQL, topLimit)
	if err != nil {
		return Statistics{}, fmt.Errorf("top assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var top TopAsset
		if err := rows.Scan(&top.Ticker, &top.Name, &top.Subscribers); err != nil {
			return Statistics{}, fmt.Errorf("scan top asset: %w", err)
		}
		stats.TopAssets = append(stats.TopAssets, top)
	}
	if rows.Err() != nil {
		return Statistics{}, rows.Err()
	}
	return stats, nil
}

// ExportTableCSV streams an allow-listed table as CSV and returns the row count.
func (s *Store) ExportTableCSV(ctx context.Context, table string, w io.Writer) (int, error) {
	spec, ok := exportQueries[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	rows, err := pool.Query(ctx, spec.query)
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	writer := csv.NewWriter(w)
	if err := writer.Write(spec.header); err != nil {
		return 0, err
	}

	count := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return count, fmt.Errorf("read %s row: %w", table, err)
		}
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = csvCell(v)
		}
		if err := writer.Write(record); err != nil {
			return count, err
		}
		count++
	}
	if rows.Err() != nil {
		return count, rows.Err()
	}

	writer.Flush()
	return count, writer.Error()
}

func csvCell(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}
