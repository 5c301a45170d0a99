package db

import (
	"context"
	"fmt"
	"strings"

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

const requestColumns = `id, kind, user_id, state, wallet, amount, investment_id, transaction_id, otp_session, proof_ref, note, reviewed_by, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.Request, error) {
	var r domain.Request
	var kind, state, wallet string
	var amount int64
	if err := row.Scan(&r.ID, &kind, &r.UserID, &state, &wallet, &amount, &r.InvestmentID, &r.TransactionID,
		&r.OTPSession, &r.ProofRef, &r.Note, &r.ReviewedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Request{}, notFound(err)
	}
	r.Kind = domain.RequestKind(kind)
	r.State = domain.RequestState(state)
	r.Wallet = domain.WalletClass(wallet)
	r.Amount = money.Amount(amount)
	return r, nil
}

func (q *queries) CreateRequest(ctx context.Context, r domain.Request) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO requests (id, kind, user_id, state, wallet, amount, investment_id, transaction_id, otp_session, proof_ref, note, reviewed_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, r.ID, string(r.Kind), int64(r.UserID), string(r.State), string(r.Wallet), int64(r.Amount), r.InvestmentID,
		r.TransactionID, r.OTPSession, r.ProofRef, r.Note, int64(r.ReviewedBy), r.CreatedAt, r.UpdatedAt)
	if _, ok := uniqueViolation(err); ok {
		return domain.ErrAlreadyExists
	}
	return err
}

func (q *queries) Request(ctx context.Context, id string, lock bool) (domain.Request, error) {
	return scanRequest(q.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`+q.forUpdate(lock), id))
}

func (q *queries) UpdateRequest(ctx context.Context, r domain.Request) error {
	tag, err := q.q.Exec(ctx, `
UPDATE requests
SET state=$1, investment_id=$2, transaction_id=$3, otp_session=$4, note=$5, reviewed_by=$6, updated_at=$7
WHERE id=$8
`, string(r.State), r.InvestmentID, r.TransactionID, r.OTPSession, r.Note, int64(r.ReviewedBy), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (q *queries) ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.Request, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id=$%d", int64(f.UserID))
	}
	if f.Kind != "" {
		add("kind=$%d", string(f.Kind))
	}
	if len(f.States) > 0 {
		st := make([]string, len(f.States))
		for i, s := range f.States {
			st[i] = string(s)
		}
		add("state = ANY($%d::text[])", st)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	sql := `SELECT ` + requestColumns + ` FROM requests WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
