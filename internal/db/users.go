package db

import (
	"context"

	"vestnet/internal/domain"
	"vestnet/internal/store"
)

const userColumns = `user_id, COALESCE(sponsor_id,0), COALESCE(parent_id,0), COALESCE(leg,''), referral_code, destination, created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var leg string
	if err := row.Scan(&u.ID, &u.SponsorID, &u.ParentID, &leg, &u.ReferralCode, &u.Destination, &u.CreatedAt); err != nil {
		return domain.User{}, notFound(err)
	}
	u.Leg = domain.Leg(leg)
	return u, nil
}

func (q *queries) CreateUser(ctx context.Context, u domain.User) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO users (user_id, sponsor_id, referral_code, destination)
VALUES ($1, $2, $3, $4)
`, int64(u.ID), nullUser(u.SponsorID), u.ReferralCode, u.Destination)
	if _, ok := uniqueViolation(err); ok {
		return domain.ErrAlreadyExists
	}
	return err
}

func (q *queries) User(ctx context.Context, id domain.UserID) (domain.User, error) {
	return scanUser(q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, int64(id)))
}

func (q *queries) UserByCode(ctx context.Context, code string) (domain.User, error) {
	return scanUser(q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code=$1`, code))
}

func (q *queries) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (q *queries) ListUserIDs(ctx context.Context) ([]domain.UserID, error) {
	rows, err := q.q.Query(ctx, `SELECT user_id FROM users ORDER BY created_at ASC, user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []domain.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, domain.UserID(id))
	}
	return ids, rows.Err()
}

func (q *queries) Children(ctx context.Context, parents []domain.UserID) ([]domain.Edge, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(parents))
	for i, p := range parents {
		ids[i] = int64(p)
	}
	rows, err := q.q.Query(ctx, `
SELECT parent_id, leg, user_id
FROM users
WHERE parent_id = ANY($1::bigint[])
`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Edge
	for rows.Next() {
		var e domain.Edge
		var leg string
		if err := rows.Scan(&e.Parent, &leg, &e.Child); err != nil {
			return nil, err
		}
		e.Leg = domain.Leg(leg)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) SetPlacement(ctx context.Context, child, parent domain.UserID, leg domain.Leg) error {
	tag, err := q.q.Exec(ctx, `
UPDATE users SET parent_id=$1, leg=$2
WHERE user_id=$3 AND parent_id IS NULL
`, int64(parent), string(leg), int64(child))
	if pgErr, ok := uniqueViolation(err); ok && pgErr.ConstraintName == "users_slot_uniq" {
		return store.ErrSlotTaken
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
