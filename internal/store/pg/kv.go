// Package pg provides the durable Postgres implementation of the kv.Store
// port. All governance state lives in one upsert-only table so the schema
// stays trivial and the components own their serialization.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stagegate.org/internal/kv"
)

// KV stores each component's serialized state under its namespace key.
type KV struct {
	db *sql.DB
}

var _ kv.Store = (*KV)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*KV, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &KV{db: db}, nil
}

// NewKV wraps an existing connection pool. Test use.
func NewKV(db *sql.DB) *KV { return &KV{db: db} }

func (s *KV) Close() error { return s.db.Close() }

func (s *KV) DB() *sql.DB { return s.db }

func (s *KV) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		insert into governance_state(key, value, updated_at)
		values ($1, $2, now())
		on conflict (key) do update
		set value = excluded.value, updated_at = now()
	`, key, value)
	return err
}

func (s *KV) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `select value from governance_state where key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Schema is the DDL cmd/migrate applies. Kept here so the table shape and
// the queries above stay in one package.
const Schema = `
create table if not exists governance_state (
	key        text primary key,
	value      jsonb not null,
	updated_at timestamptz not null default now()
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
