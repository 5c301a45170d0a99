package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vestnet/internal/domain"
	"vestnet/internal/store"
)

type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

func Connect(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func (d *DB) Ping(ctx context.Context) error {
	if err := d.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (d *DB) Migrate(ctx context.Context) error {
	sql := `
CREATE TABLE IF NOT EXISTS users (
  user_id BIGINT PRIMARY KEY,
  sponsor_id BIGINT,
  parent_id BIGINT,
  leg TEXT,
  referral_code TEXT NOT NULL UNIQUE,
  destination TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT users_leg_chk CHECK (leg IS NULL OR leg IN ('LEFT','RIGHT')),
  CONSTRAINT users_not_self CHECK (parent_id IS NULL OR parent_id <> user_id)
);

-- one LEFT and one RIGHT child per parent
CREATE UNIQUE INDEX IF NOT EXISTS users_slot_uniq ON users(parent_id, leg) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS users_sponsor_idx ON users(sponsor_id);

CREATE TABLE IF NOT EXISTS wallets (
  user_id BIGINT NOT NULL,
  class TEXT NOT NULL,
  balance BIGINT NOT NULL DEFAULT 0,
  held BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, class)
);

CREATE TABLE IF NOT EXISTS ledger (
  id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL,
  wallet TEXT NOT NULL,
  amount BIGINT NOT NULL CHECK (amount > 0),
  direction TEXT NOT NULL,
  source TEXT NOT NULL,
  status TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  level INT NOT NULL DEFAULT 0,
  origin_investment TEXT NOT NULL DEFAULT '',
  origin_user BIGINT NOT NULL DEFAULT 0,
  idempotency_key TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  settled_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS ledger_user_idx ON ledger(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS ledger_status_idx ON ledger(status, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_key_uniq ON ledger(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS investments (
  id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL,
  principal BIGINT NOT NULL CHECK (principal > 0),
  rate_bp BIGINT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  unlock_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL DEFAULT 'active', -- active|eligible|withdrawing|withdrawn
  last_accrued TEXT NOT NULL DEFAULT '',
  accrued_profit BIGINT NOT NULL DEFAULT 0,
  source_tx TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS investments_user_idx ON investments(user_id, status);
CREATE INDEX IF NOT EXISTS investments_accrual_idx ON investments(status, last_accrued);

CREATE TABLE IF NOT EXISTS salary_periods (
  user_id BIGINT NOT NULL,
  period TEXT NOT NULL,
  tier TEXT NOT NULL,
  paid_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, period)
);

CREATE TABLE IF NOT EXISTS requests (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  user_id BIGINT NOT NULL,
  state TEXT NOT NULL,
  wallet TEXT NOT NULL,
  amount BIGINT NOT NULL,
  investment_id TEXT NOT NULL DEFAULT '',
  transaction_id TEXT NOT NULL DEFAULT '',
  otp_session TEXT NOT NULL DEFAULT '',
  proof_ref TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  reviewed_by BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS requests_state_idx ON requests(state, created_at DESC);
CREATE INDEX IF NOT EXISTS requests_user_idx ON requests(user_id, created_at DESC);
`
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

func (d *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DB) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(&queries{q: d.Pool, readOnly: true})
}

// querier is the part of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q        querier
	readOnly bool
}

func (q *queries) forUpdate(lock bool) string {
	if lock && !q.readOnly {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func uniqueViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr, true
	}
	return nil, false
}

func nullUser(id domain.UserID) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}

func nullString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
