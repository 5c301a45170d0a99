// Package store declares the persistence contract shared by the Postgres
// store (internal/db) and the in-memory store (internal/memdb).
//
// Every money-moving operation runs inside WithTx. Implementations must make
// the callback atomic and must serialize writers touching the same wallet:
// LockWallet and the forUpdate reads hold row locks until the callback returns.
package store

import (
	"context"
	"errors"

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

var (
	// ErrSlotTaken means another placement won the (parent, leg) slot.
	ErrSlotTaken = errors.New("tree slot taken")
	// ErrUnavailable wraps connectivity failures; callers must not retry
	// silently past it.
	ErrUnavailable = errors.New("store unavailable")
)

type Store interface {
	// WithTx runs fn in a read-write transaction, committing when fn
	// returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn without taking write locks.
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

type Tx interface {
	Users
	Ledger
	Investments
	Requests
}

type Users interface {
	CreateUser(ctx context.Context, u domain.User) error
	User(ctx context.Context, id domain.UserID) (domain.User, error)
	UserByCode(ctx context.Context, code string) (domain.User, error)
	CountUsers(ctx context.Context) (int64, error)
	ListUserIDs(ctx context.Context) ([]domain.UserID, error)
	// Children returns the edges below the given parents.
	Children(ctx context.Context, parents []domain.UserID) ([]domain.Edge, error)
	// SetPlacement fills (parent, leg) with child or fails with ErrSlotTaken.
	SetPlacement(ctx context.Context, child, parent domain.UserID, leg domain.Leg) error
}

type Ledger interface {
	// InsertTransaction stores t. When t.IdempotencyKey already exists it
	// stores nothing and returns the existing entry with inserted=false.
	InsertTransaction(ctx context.Context, t domain.Transaction) (existing domain.Transaction, inserted bool, err error)
	Transaction(ctx context.Context, id string, forUpdate bool) (domain.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (domain.Transaction, error)
	SetTransactionStatus(ctx context.Context, t domain.Transaction) error
	ListTransactions(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, error)
	// FirstCompleted is the earliest settled entry of the user with one of
	// the sources.
	FirstCompleted(ctx context.Context, user domain.UserID, sources []domain.Source) (domain.Transaction, error)
	// Totals recomputes a wallet from the raw log.
	Totals(ctx context.Context, user domain.UserID, class domain.WalletClass) (balance, held money.Amount, err error)

	LockWallet(ctx context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error)
	Wallet(ctx context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error)
	SaveWallet(ctx context.Context, w domain.Wallet) error
}

type Investments interface {
	CreateInvestment(ctx context.Context, inv domain.Investment) error
	Investment(ctx context.Context, id string, forUpdate bool) (domain.Investment, error)
	UpdateInvestment(ctx context.Context, inv domain.Investment) error
	ListInvestments(ctx context.Context, f domain.InvestmentFilter) ([]domain.Investment, error)
	// LockedPrincipal sums principal of the user's investments still locked
	// in the investment wallet.
	LockedPrincipal(ctx context.Context, user domain.UserID) (money.Amount, error)
	// SumInvested sums principal (plus accrued profit when asked) of all
	// investments owned by users, whatever their status.
	SumInvested(ctx context.Context, users []domain.UserID, includeProfit bool) (money.Amount, error)
	// MarkSalaryPeriod records that user was paid for period. Returns false
	// when the marker already exists.
	MarkSalaryPeriod(ctx context.Context, user domain.UserID, period domain.Period, tier string) (bool, error)
}

type Requests interface {
	CreateRequest(ctx context.Context, r domain.Request) error
	Request(ctx context.Context, id string, forUpdate bool) (domain.Request, error)
	UpdateRequest(ctx context.Context, r domain.Request) error
	ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.Request, error)
}
