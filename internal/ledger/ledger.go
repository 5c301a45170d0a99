// Package ledger posts and settles wallet entries. It is the only writer of
// the cached wallet rows: a balance moves exactly when an entry reaches
// COMPLETED, and a pending debit reserves funds in Held until it settles.
//
// Methods ending in Tx run inside a caller's store transaction so other
// engines can compose several postings atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/monitoring"
	"vestnet/internal/store"
)

// Posting describes an entry to write.
type Posting struct {
	UserID           domain.UserID
	Wallet           domain.WalletClass
	Amount           money.Amount
	Direction        domain.Direction
	Source           domain.Source
	Description      string
	Level            int
	OriginInvestment string
	OriginUser       domain.UserID
	// IdempotencyKey makes the posting at-most-once. A repeat returns the
	// first entry together with domain.ErrDuplicateBonus.
	IdempotencyKey string
}

type Ledger struct {
	st      store.Store
	metrics *monitoring.PrometheusMetrics
	log     *logrus.Entry
	now     func() time.Time
}

func New(st store.Store, metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		st:      st,
		metrics: metrics,
		log:     logging.Component(logger, "ledger"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests only.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) Now() time.Time { return l.now() }

func (l *Ledger) Store() store.Store { return l.st }

func validate(p Posting) error {
	if p.Amount <= 0 {
		return &domain.InvalidAmountError{Amount: p.Amount}
	}
	if !p.Wallet.Valid() {
		return fmt.Errorf("%w: wallet %q", domain.ErrBadRequest, p.Wallet)
	}
	if p.Direction != domain.Credit && p.Direction != domain.Debit {
		return fmt.Errorf("%w: direction %q", domain.ErrBadRequest, p.Direction)
	}
	if p.UserID <= 0 || p.Source == "" {
		return fmt.Errorf("%w: posting needs a user and a source", domain.ErrBadRequest)
	}
	return nil
}

// Available is what a debit against the wallet may take right now.
func Available(ctx context.Context, tx store.Tx, w domain.Wallet) (money.Amount, money.Amount, error) {
	var locked money.Amount
	if w.Class == domain.WalletInvestment {
		var err error
		if locked, err = tx.LockedPrincipal(ctx, w.UserID); err != nil {
			return 0, 0, err
		}
	}
	return w.Balance - w.Held - locked, locked, nil
}

func (l *Ledger) post(ctx context.Context, tx store.Tx, p Posting, status domain.Status) (domain.Transaction, error) {
	if err := validate(p); err != nil {
		return domain.Transaction{}, err
	}
	w, err := tx.LockWallet(ctx, p.UserID, p.Wallet)
	if err != nil {
		return domain.Transaction{}, err
	}
	if p.IdempotencyKey != "" {
		existing, err := tx.TransactionByKey(ctx, p.IdempotencyKey)
		if err == nil {
			l.metrics.RecordDuplicate(string(p.Source))
			return existing, domain.ErrDuplicateBonus
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Transaction{}, err
		}
	}
	if p.Direction == domain.Debit {
		avail, _, err := Available(ctx, tx, w)
		if err != nil {
			return domain.Transaction{}, err
		}
		if p.Amount > avail {
			return domain.Transaction{}, &domain.InsufficientBalanceError{Wallet: p.Wallet, Requested: p.Amount, Available: money.Amount(max(int64(avail), 0))}
		}
	}

	now := l.now()
	t := domain.Transaction{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		Wallet:           p.Wallet,
		Amount:           p.Amount,
		Direction:        p.Direction,
		Source:           p.Source,
		Status:           status,
		Description:      p.Description,
		Level:            p.Level,
		OriginInvestment: p.OriginInvestment,
		OriginUser:       p.OriginUser,
		IdempotencyKey:   p.IdempotencyKey,
		CreatedAt:        now,
	}
	if status == domain.StatusCompleted {
		t.SettledAt = &now
	}
	existing, inserted, err := tx.InsertTransaction(ctx, t)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !inserted {
		l.metrics.RecordDuplicate(string(p.Source))
		return existing, domain.ErrDuplicateBonus
	}

	switch {
	case status == domain.StatusCompleted:
		w.Balance += t.Signed()
	case p.Direction == domain.Debit:
		w.Held += t.Amount
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return domain.Transaction{}, err
	}
	l.metrics.RecordPosting(string(t.Source), string(t.Status), t.Amount)
	return t, nil
}

// PostPendingTx writes a PENDING entry. A debit is checked against the
// available balance and reserved in Held.
func (l *Ledger) PostPendingTx(ctx context.Context, tx store.Tx, p Posting) (domain.Transaction, error) {
	return l.post(ctx, tx, p, domain.StatusPending)
}

// PostCompletedTx writes an entry that settles immediately.
func (l *Ledger) PostCompletedTx(ctx context.Context, tx store.Tx, p Posting) (domain.Transaction, error) {
	return l.post(ctx, tx, p, domain.StatusCompleted)
}

func (l *Ledger) PostPending(ctx context.Context, p Posting) (domain.Transaction, error) {
	return l.inTx(ctx, func(tx store.Tx) (domain.Transaction, error) { return l.PostPendingTx(ctx, tx, p) })
}

func (l *Ledger) PostCompleted(ctx context.Context, p Posting) (domain.Transaction, error) {
	return l.inTx(ctx, func(tx store.Tx) (domain.Transaction, error) { return l.PostCompletedTx(ctx, tx, p) })
}

// inTx commits fn, treating a duplicate key as success: the first entry is
// returned alongside the sentinel and nothing is rolled back.
func (l *Ledger) inTx(ctx context.Context, fn func(tx store.Tx) (domain.Transaction, error)) (domain.Transaction, error) {
	var out domain.Transaction
	var dup error
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		t, err := fn(tx)
		if errors.Is(err, domain.ErrDuplicateBonus) {
			out, dup = t, err
			return nil
		}
		out = t
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return out, dup
}

// CompleteTx settles a PENDING entry. Terminal entries are returned as is.
func (l *Ledger) CompleteTx(ctx context.Context, tx store.Tx, id string) (domain.Transaction, error) {
	return l.settle(ctx, tx, id, domain.StatusCompleted)
}

// RejectTx cancels a PENDING entry and releases any hold. Terminal entries
// are returned as is.
func (l *Ledger) RejectTx(ctx context.Context, tx store.Tx, id string) (domain.Transaction, error) {
	return l.settle(ctx, tx, id, domain.StatusRejected)
}

func (l *Ledger) Complete(ctx context.Context, id string) (domain.Transaction, error) {
	return l.inTx(ctx, func(tx store.Tx) (domain.Transaction, error) { return l.CompleteTx(ctx, tx, id) })
}

func (l *Ledger) Reject(ctx context.Context, id string) (domain.Transaction, error) {
	return l.inTx(ctx, func(tx store.Tx) (domain.Transaction, error) { return l.RejectTx(ctx, tx, id) })
}

func (l *Ledger) settle(ctx context.Context, tx store.Tx, id string, to domain.Status) (domain.Transaction, error) {
	// wallet lock first, then the entry row
	peek, err := tx.Transaction(ctx, id, false)
	if err != nil {
		return domain.Transaction{}, err
	}
	w, err := tx.LockWallet(ctx, peek.UserID, peek.Wallet)
	if err != nil {
		return domain.Transaction{}, err
	}
	t, err := tx.Transaction(ctx, id, true)
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	now := l.now()
	t.Status = to
	t.SettledAt = &now
	if t.Direction == domain.Debit {
		w.Held -= t.Amount
	}
	if to == domain.StatusCompleted {
		w.Balance += t.Signed()
	}
	if err := tx.SetTransactionStatus(ctx, t); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return domain.Transaction{}, err
	}
	l.metrics.RecordSettlement(string(to))
	l.log.WithFields(logrus.Fields{
		"tx_id": t.ID, "user_id": t.UserID, "wallet": t.Wallet, "status": t.Status, "amount": t.Amount.String(),
	}).Info("transaction settled")
	return t, nil
}

// Balance is the cached wallet plus what a debit may take.
type Balance struct {
	UserID    domain.UserID      `json:"user_id"`
	Wallet    domain.WalletClass `json:"wallet"`
	Balance   money.Amount       `json:"balance"`
	Held      money.Amount       `json:"held"`
	Locked    money.Amount       `json:"locked"`
	Available money.Amount       `json:"available"`
}

func (l *Ledger) Balance(ctx context.Context, user domain.UserID, class domain.WalletClass) (Balance, error) {
	if !class.Valid() {
		return Balance{}, fmt.Errorf("%w: wallet %q", domain.ErrBadRequest, class)
	}
	var b Balance
	err := l.st.View(ctx, func(tx store.Tx) error {
		w, err := tx.Wallet(ctx, user, class)
		if err != nil {
			return err
		}
		avail, locked, err := Available(ctx, tx, w)
		if err != nil {
			return err
		}
		b = Balance{UserID: user, Wallet: class, Balance: w.Balance, Held: w.Held, Locked: locked, Available: money.Amount(max(int64(avail), 0))}
		return nil
	})
	return b, err
}

// WalletCheck compares one cached wallet with the log.
type WalletCheck struct {
	Wallet        domain.WalletClass `json:"wallet"`
	CachedBalance money.Amount       `json:"cached_balance"`
	LogBalance    money.Amount       `json:"log_balance"`
	CachedHeld    money.Amount       `json:"cached_held"`
	LogHeld       money.Amount       `json:"log_held"`
	BalanceDrift  money.Amount       `json:"balance_drift"`
	HeldDrift     money.Amount       `json:"held_drift"`
	Reconciled    bool               `json:"reconciled"`
}

type Reconciliation struct {
	UserID  domain.UserID `json:"user_id"`
	Wallets []WalletCheck `json:"wallets"`
}

// OK reports whether every wallet matches its log.
func (r Reconciliation) OK() bool {
	for _, w := range r.Wallets {
		if !w.Reconciled {
			return false
		}
	}
	return true
}

// Reconcile recomputes both wallets from the raw entries and reports any
// drift against the cache. It never writes.
func (l *Ledger) Reconcile(ctx context.Context, user domain.UserID) (Reconciliation, error) {
	r := Reconciliation{UserID: user}
	err := l.st.View(ctx, func(tx store.Tx) error {
		if _, err := tx.User(ctx, user); err != nil {
			return err
		}
		for _, class := range []domain.WalletClass{domain.WalletPackage, domain.WalletInvestment} {
			w, err := tx.Wallet(ctx, user, class)
			if err != nil {
				return err
			}
			bal, held, err := tx.Totals(ctx, user, class)
			if err != nil {
				return err
			}
			c := WalletCheck{
				Wallet:        class,
				CachedBalance: w.Balance,
				LogBalance:    bal,
				CachedHeld:    w.Held,
				LogHeld:       held,
				BalanceDrift:  w.Balance - bal,
				HeldDrift:     w.Held - held,
			}
			c.Reconciled = c.BalanceDrift == 0 && c.HeldDrift == 0
			r.Wallets = append(r.Wallets, c)
		}
		return nil
	})
	if err == nil && !r.OK() {
		l.log.WithField("user_id", user).Warn("wallet drift detected")
	}
	return r, err
}

// History pages through a user's entries, newest first.
func (l *Ledger) History(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var out []domain.Transaction
	err := l.st.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListTransactions(ctx, f)
		return err
	})
	if out == nil {
		out = []domain.Transaction{}
	}
	return out, err
}

func (l *Ledger) Transaction(ctx context.Context, id string) (domain.Transaction, error) {
	var t domain.Transaction
	err := l.st.View(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.Transaction(ctx, id, false)
		return err
	})
	return t, err
}
