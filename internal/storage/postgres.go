package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(databaseURL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id, today string) (User, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, message_count, reset_day) VALUES ($1, 0, $2)
		 ON CONFLICT (id) DO NOTHING`,
		id, today,
	); err != nil {
		return User{}, unavailable("create user", err)
	}

	u := User{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count, reset_day FROM users WHERE id = $1`,
		id,
	).Scan(&u.Count, &u.ResetDay)
	if err != nil {
		return User{}, unavailable("get user", err)
	}
	return u, nil
}

// IncrementCount runs as one conditional upsert so concurrent callers never lose
// an update and never push the counter past limit.
func (s *PostgresStore) IncrementCount(ctx context.Context, id, today string, limit int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, message_count, reset_day) VALUES ($1, 1, $2)
		 ON CONFLICT (id) DO UPDATE SET
		     message_count = CASE WHEN users.reset_day = EXCLUDED.reset_day
		                          THEN users.message_count + 1 ELSE 1 END,
		     reset_day = EXCLUDED.reset_day,
		     updated_at = now()
		 WHERE $3 <= 0 OR users.reset_day <> EXCLUDED.reset_day OR users.message_count < $3
		 RETURNING message_count`,
		id, today, limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, ErrLimitReached
	}
	if err != nil {
		return 0, unavailable("increment count", err)
	}
	return count, nil
}

func (s *PostgresStore) ResetAllCounts(ctx context.Context, today string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin reset", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO daily_resets (day) VALUES ($1) ON CONFLICT (day) DO NOTHING`,
		today,
	)
	if err != nil {
		return false, unavailable("mark reset day", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("mark reset day", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET message_count = 0, reset_day = $1, updated_at = now()
		 WHERE reset_day <> $1`,
		today,
	); err != nil {
		return false, unavailable("reset counts", err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit reset", err)
	}
	return true, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	g := &Grant{UserID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT key, expiry FROM grants WHERE user_id = $1`,
		id,
	).Scan(&g.Key, &g.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get grant", err)
	}
	return g, nil
}

func (s *PostgresStore) PutGrant(ctx context.Context, g Grant) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (user_id, key, expiry) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET key = EXCLUDED.key, expiry = EXCLUDED.expiry`,
		g.UserID, g.Key, g.Expiry,
	); err != nil {
		return unavailable("put grant", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE user_id = $1`, id)
	if err != nil {
		return false, unavailable("delete grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete grant", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE expiry <= $1`, now)
	if err != nil {
		return 0, unavailable("purge grants", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge grants", err)
	}
	return int(n), nil
}

// AppendTurns holds a transaction-scoped advisory lock on the user id so appends
// for one user are serialized while other users proceed independently.
func (s *PostgresStore) AppendTurns(ctx context.Context, id string, window int, turns ...Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return unavailable("lock history", err)
	}
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
			id, t.Role, t.Content, t.Timestamp,
		); err != nil {
			return unavailable("insert turn", err)
		}
	}
	if window > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history
			 WHERE user_id = $1 AND id NOT IN (
			     SELECT id FROM history WHERE user_id = $1 ORDER BY id DESC LIMIT $2
			 )`,
			id, window,
		); err != nil {
			return unavailable("trim history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit append", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, id string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM history WHERE user_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, unavailable("get history", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, unavailable("scan turn", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return turns, nil
}

func (s *PostgresStore) ClearHistory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE user_id = $1`, id); err != nil {
		return unavailable("clear history", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM users),
		        (SELECT count(DISTINCT user_id) FROM history),
		        (SELECT count(*) FROM grants)`,
	).Scan(&st.Users, &st.Conversations, &st.Grants)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
