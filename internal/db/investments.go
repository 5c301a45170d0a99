package db

import (
	"context"
	"fmt"
	"strings"

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

const investmentColumns = `id, user_id, principal, rate_bp, started_at, unlock_at, status, last_accrued, accrued_profit, source_tx, updated_at`

func scanInvestment(row interface{ Scan(...any) error }) (domain.Investment, error) {
	var inv domain.Investment
	var principal, accrued int64
	var status, last string
	if err := row.Scan(&inv.ID, &inv.UserID, &principal, &inv.RateBP, &inv.StartedAt, &inv.UnlockAt,
		&status, &last, &accrued, &inv.SourceTxID, &inv.UpdatedAt); err != nil {
		return domain.Investment{}, notFound(err)
	}
	inv.Principal = money.Amount(principal)
	inv.AccruedProfit = money.Amount(accrued)
	inv.Status = domain.InvestmentStatus(status)
	inv.LastAccrued = domain.Period(last)
	return inv, nil
}

func (q *queries) CreateInvestment(ctx context.Context, inv domain.Investment) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO investments (id, user_id, principal, rate_bp, started_at, unlock_at, status, last_accrued, accrued_profit, source_tx)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, inv.ID, int64(inv.UserID), int64(inv.Principal), inv.RateBP, inv.StartedAt, inv.UnlockAt,
		string(inv.Status), string(inv.LastAccrued), int64(inv.AccruedProfit), inv.SourceTxID)
	if _, ok := uniqueViolation(err); ok {
		return domain.ErrAlreadyExists
	}
	return err
}

func (q *queries) Investment(ctx context.Context, id string, lock bool) (domain.Investment, error) {
	return scanInvestment(q.q.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id=$1`+q.forUpdate(lock), id))
}

// UpdateInvestment writes the mutable columns. Principal and dates are fixed
// at creation.
func (q *queries) UpdateInvestment(ctx context.Context, inv domain.Investment) error {
	tag, err := q.q.Exec(ctx, `
UPDATE investments
SET status=$1, last_accrued=$2, accrued_profit=$3, updated_at=now()
WHERE id=$4
`, string(inv.Status), string(inv.LastAccrued), int64(inv.AccruedProfit), inv.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (q *queries) ListInvestments(ctx context.Context, f domain.InvestmentFilter) ([]domain.Investment, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id=$%d", int64(f.UserID))
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		add("status = ANY($%d::text[])", st)
	}
	if !f.StartedBefore.IsZero() {
		add("started_at < $%d", f.StartedBefore)
	}
	if f.NotAccruedFor != "" {
		add("last_accrued < $%d", string(f.NotAccruedFor))
	}
	sql := `SELECT ` + investmentColumns + ` FROM investments WHERE ` + strings.Join(where, " AND ") + ` ORDER BY started_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (q *queries) LockedPrincipal(ctx context.Context, user domain.UserID) (money.Amount, error) {
	var sum int64
	err := q.q.QueryRow(ctx, `
SELECT COALESCE(SUM(principal),0) FROM investments
WHERE user_id=$1 AND status IN ('active','eligible')
`, int64(user)).Scan(&sum)
	return money.Amount(sum), err
}

func (q *queries) SumInvested(ctx context.Context, users []domain.UserID, includeProfit bool) (money.Amount, error) {
	if len(users) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = int64(u)
	}
	expr := "principal"
	if includeProfit {
		expr = "principal + accrued_profit"
	}
	var sum int64
	err := q.q.QueryRow(ctx, `SELECT COALESCE(SUM(`+expr+`),0) FROM investments WHERE user_id = ANY($1::bigint[])`, ids).Scan(&sum)
	return money.Amount(sum), err
}

func (q *queries) MarkSalaryPeriod(ctx context.Context, user domain.UserID, period domain.Period, tier string) (bool, error) {
	tag, err := q.q.Exec(ctx, `
INSERT INTO salary_periods (user_id, period, tier) VALUES ($1, $2, $3)
ON CONFLICT (user_id, period) DO NOTHING
`, int64(user), string(period), tier)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
