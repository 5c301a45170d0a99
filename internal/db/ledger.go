package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

const txColumns = `id, user_id, wallet, amount, direction, source, status, description, level, origin_investment, origin_user, COALESCE(idempotency_key,''), created_at, settled_at`

func scanTx(row interface{ Scan(...any) error }) (domain.Transaction, error) {
	var t domain.Transaction
	var wallet, dir, src, status string
	var amount int64
	if err := row.Scan(&t.ID, &t.UserID, &wallet, &amount, &dir, &src, &status, &t.Description, &t.Level,
		&t.OriginInvestment, &t.OriginUser, &t.IdempotencyKey, &t.CreatedAt, &t.SettledAt); err != nil {
		return domain.Transaction{}, notFound(err)
	}
	t.Wallet = domain.WalletClass(wallet)
	t.Amount = money.Amount(amount)
	t.Direction = domain.Direction(dir)
	t.Source = domain.Source(src)
	t.Status = domain.Status(status)
	return t, nil
}

func (q *queries) InsertTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, bool, error) {
	var inserted int
	err := q.q.QueryRow(ctx, `
INSERT INTO ledger (id, user_id, wallet, amount, direction, source, status, description, level, origin_investment, origin_user, idempotency_key, created_at, settled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING 1
`, t.ID, int64(t.UserID), string(t.Wallet), int64(t.Amount), string(t.Direction), string(t.Source), string(t.Status),
		t.Description, t.Level, t.OriginInvestment, int64(t.OriginUser), nullString(t.IdempotencyKey), t.CreatedAt, t.SettledAt,
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := q.TransactionByKey(ctx, t.IdempotencyKey)
			return existing, false, err
		}
		if _, ok := uniqueViolation(err); ok {
			return domain.Transaction{}, false, domain.ErrAlreadyExists
		}
		return domain.Transaction{}, false, err
	}
	return t, true, nil
}

func (q *queries) Transaction(ctx context.Context, id string, lock bool) (domain.Transaction, error) {
	return scanTx(q.q.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger WHERE id=$1`+q.forUpdate(lock), id))
}

func (q *queries) TransactionByKey(ctx context.Context, key string) (domain.Transaction, error) {
	return scanTx(q.q.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger WHERE idempotency_key=$1`, key))
}

// SetTransactionStatus only ever moves a PENDING row; the WHERE clause keeps
// terminal rows immutable even if a caller forgets to check.
func (q *queries) SetTransactionStatus(ctx context.Context, t domain.Transaction) error {
	tag, err := q.q.Exec(ctx, `
UPDATE ledger SET status=$1, settled_at=$2
WHERE id=$3 AND status='PENDING'
`, string(t.Status), t.SettledAt, t.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, domain.ErrConcurrentModify)
	}
	return nil
}

func sourceStrings(src []domain.Source) []string {
	out := make([]string, len(src))
	for i, s := range src {
		out[i] = string(s)
	}
	return out
}

func (q *queries) ListTransactions(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id=$%d", int64(f.UserID))
	}
	if f.Wallet != "" {
		add("wallet=$%d", string(f.Wallet))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if len(f.Sources) > 0 {
		add("source = ANY($%d::text[])", sourceStrings(f.Sources))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	sql := `SELECT ` + txColumns + ` FROM ledger WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) FirstCompleted(ctx context.Context, user domain.UserID, sources []domain.Source) (domain.Transaction, error) {
	return scanTx(q.q.QueryRow(ctx, `
SELECT `+txColumns+`
FROM ledger
WHERE user_id=$1 AND status='COMPLETED' AND source = ANY($2::text[])
ORDER BY settled_at ASC, created_at ASC
LIMIT 1
`, int64(user), sourceStrings(sources)))
}

func (q *queries) Totals(ctx context.Context, user domain.UserID, class domain.WalletClass) (money.Amount, money.Amount, error) {
	var bal, held int64
	err := q.q.QueryRow(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status='COMPLETED' AND direction='credit' THEN amount
                    WHEN status='COMPLETED' AND direction='debit' THEN -amount
                    ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='PENDING' AND direction='debit' THEN amount ELSE 0 END),0)
FROM ledger
WHERE user_id=$1 AND wallet=$2
`, int64(user), string(class)).Scan(&bal, &held)
	return money.Amount(bal), money.Amount(held), err
}

// LockWallet creates the row on first use so FOR UPDATE always has
// something to lock.
func (q *queries) LockWallet(ctx context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error) {
	if _, err := q.q.Exec(ctx, `
INSERT INTO wallets (user_id, class) VALUES ($1, $2)
ON CONFLICT (user_id, class) DO NOTHING
`, int64(user), string(class)); err != nil {
		return domain.Wallet{}, err
	}
	return q.wallet(ctx, user, class, true)
}

func (q *queries) Wallet(ctx context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error) {
	w, err := q.wallet(ctx, user, class, false)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{UserID: user, Class: class}, nil
	}
	return w, err
}

func (q *queries) wallet(ctx context.Context, user domain.UserID, class domain.WalletClass, lock bool) (domain.Wallet, error) {
	w := domain.Wallet{UserID: user, Class: class}
	var bal, held int64
	var updated time.Time
	err := q.q.QueryRow(ctx, `SELECT balance, held, updated_at FROM wallets WHERE user_id=$1 AND class=$2`+q.forUpdate(lock),
		int64(user), string(class)).Scan(&bal, &held, &updated)
	if err != nil {
		return domain.Wallet{}, notFound(err)
	}
	w.Balance = money.Amount(bal)
	w.Held = money.Amount(held)
	w.UpdatedAt = updated
	return w, nil
}

func (q *queries) SaveWallet(ctx context.Context, w domain.Wallet) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO wallets (user_id, class, balance, held, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id, class) DO UPDATE
SET balance=EXCLUDED.balance, held=EXCLUDED.held, updated_at=now()
`, int64(w.UserID), string(w.Class), int64(w.Balance), int64(w.Held))
	return err
}
