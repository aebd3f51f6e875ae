package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMessagesTable = "fishbot_messages"
	postgresBargainTable  = "fishbot_bargain_counts"
	postgresOpTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists conversations in two tables: an append log of turns
// and a bargain counter row per conversation. Per-conversation writes are
// serialized with a transaction-scoped advisory lock so the trim after
// append cannot race a concurrent append for the same conversation.
type PostgresStore struct {
	dsn      string
	maxTurns int
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("history: empty postgres dsn")
	}
	return &PostgresStore{
		dsn:      dsn,
		maxTurns: DefaultMaxTurns,
		openDB:   sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		schema := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					user_id TEXT NOT NULL,
					item_id TEXT NOT NULL,
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(`
				CREATE INDEX IF NOT EXISTS %s ON %s (user_id, item_id, id)`,
				quoteIdentifier(postgresMessagesTable+"_conv_idx"),
				quoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT NOT NULL,
					item_id TEXT NOT NULL,
					count INTEGER NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, item_id)
				)`, quoteIdentifier(postgresBargainTable)),
		}
		for _, query := range schema {
			if _, err := db.ExecContext(ctx, query); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Append(ctx context.Context, key Key, turn Turn) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", conversationLockKey(key)); err != nil {
		return err
	}
	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (user_id, item_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		quoteIdentifier(postgresMessagesTable))
	if _, err := tx.ExecContext(ctx, insert, key.UserID, key.ItemID, turn.Role, turn.Text, at); err != nil {
		return err
	}
	trim := fmt.Sprintf(`
		DELETE FROM %s
		WHERE user_id = $1 AND item_id = $2 AND id NOT IN (
			SELECT id FROM %s
			WHERE user_id = $1 AND item_id = $2
			ORDER BY id DESC
			LIMIT $3
		)`,
		quoteIdentifier(postgresMessagesTable),
		quoteIdentifier(postgresMessagesTable))
	if _, err := tx.ExecContext(ctx, trim, key.UserID, key.ItemID, s.maxTurns); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Context(ctx context.Context, key Key, limit int) ([]Turn, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.maxTurns {
		limit = s.maxTurns
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT role, content, created_at FROM %s
		WHERE user_id = $1 AND item_id = $2
		ORDER BY id DESC
		LIMIT $3`, quoteIdentifier(postgresMessagesTable))
	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.ItemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Role, &turn.Text, &turn.At); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows arrive newest first; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStore) BargainCount(ctx context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT count FROM %s WHERE user_id = $1 AND item_id = $2",
		quoteIdentifier(postgresBargainTable))
	var count int
	err := s.db.QueryRowContext(ctx, query, key.UserID, key.ItemID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) IncrementBargain(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, item_id, count, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (user_id, item_id)
		DO UPDATE SET count = %s.count + 1, updated_at = NOW()`,
		quoteIdentifier(postgresBargainTable),
		quoteIdentifier(postgresBargainTable))
	_, err := s.db.ExecContext(ctx, query, key.UserID, key.ItemID)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func conversationLockKey(key Key) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.UserID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.ItemID))
	return int64(h.Sum64())
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
