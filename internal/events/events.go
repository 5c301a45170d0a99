// Package events carries "deposit completed" notifications from request
// approval to the direct-bonus worker through a Redis stream consumed by a
// group.
package events

import (
	"context"
	"strconv"

	"vestnet/internal/domain"
)

const kindDeposit = "deposit_completed"

type DepositCompleted struct {
	UserID        domain.UserID
	TransactionID string
	RequestID     string
}

func (d DepositCompleted) values() map[string]any {
	return map[string]any{
		"kind": kindDeposit,
		"uid":  strconv.FormatInt(int64(d.UserID), 10),
		"tx":   d.TransactionID,
		"req":  d.RequestID,
	}
}

func parseDeposit(values map[string]any) (DepositCompleted, bool) {
	if asString(values["kind"]) != kindDeposit {
		return DepositCompleted{}, false
	}
	uid, err := strconv.ParseInt(asString(values["uid"]), 10, 64)
	if err != nil || uid <= 0 {
		return DepositCompleted{}, false
	}
	return DepositCompleted{
		UserID:        domain.UserID(uid),
		TransactionID: asString(values["tx"]),
		RequestID:     asString(values["req"]),
	}, true
}

// Handler reacts to one event. It must be idempotent: stream delivery is
// at least once.
type Handler func(ctx context.Context, ev DepositCompleted) error

type Publisher interface {
	PublishDeposit(ctx context.Context, ev DepositCompleted) error
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}
