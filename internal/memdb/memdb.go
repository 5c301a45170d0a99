// Package memdb is an in-process implementation of store.Store for unit
// tests.
//
// Writers are serialized by one mutex, which trivially satisfies the
// per-wallet locking contract. Each mutation records an undo step so a failed
// callback leaves no trace.
package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"vestnet/internal/domain"
	"vestnet/internal/money"
	"vestnet/internal/store"
)

type walletKey struct {
	user  domain.UserID
	class domain.WalletClass
}

type salaryKey struct {
	user   domain.UserID
	period domain.Period
}

type slotKey struct {
	parent domain.UserID
	leg    domain.Leg
}

type DB struct {
	mu sync.RWMutex

	users   map[domain.UserID]domain.User
	codes   map[string]domain.UserID
	slots   map[slotKey]domain.UserID
	userSeq []domain.UserID

	txs    map[string]domain.Transaction
	txSeq  []string
	keys   map[string]string
	wallet map[walletKey]domain.Wallet

	investments map[string]domain.Investment
	invSeq      []string
	salary      map[salaryKey]string

	requests map[string]domain.Request
	reqSeq   []string

	// FailNext makes the next WithTx/View return this error before running
	// the callback. Tests use it to simulate an unavailable store.
	FailNext error
}

var _ store.Store = (*DB)(nil)

func New() *DB {
	return &DB{
		users:       map[domain.UserID]domain.User{},
		codes:       map[string]domain.UserID{},
		slots:       map[slotKey]domain.UserID{},
		txs:         map[string]domain.Transaction{},
		keys:        map[string]string{},
		wallet:      map[walletKey]domain.Wallet{},
		investments: map[string]domain.Investment{},
		salary:      map[salaryKey]string{},
		requests:    map[string]domain.Request{},
	}
}

func (d *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(); err != nil {
		return err
	}
	t := &tx{db: d, writable: true}
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

func (d *DB) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if err := d.takeFailure(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(&tx{db: d})
}

func (d *DB) takeFailure() error {
	err := d.FailNext
	d.FailNext = nil
	return err
}

func (d *DB) Ping(context.Context) error { return nil }

func (d *DB) Close() {}

type tx struct {
	db       *DB
	writable bool
	undo     []func()
}

func (t *tx) record(fn func()) { t.undo = append(t.undo, fn) }

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) mustWrite() {
	if !t.writable {
		panic("memdb: write inside View")
	}
}

// --- users ---

func (t *tx) CreateUser(_ context.Context, u domain.User) error {
	t.mustWrite()
	d := t.db
	if _, ok := d.users[u.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := d.codes[u.ReferralCode]; ok {
		return domain.ErrAlreadyExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	d.users[u.ID] = u
	d.codes[u.ReferralCode] = u.ID
	d.userSeq = append(d.userSeq, u.ID)
	t.record(func() {
		delete(d.users, u.ID)
		delete(d.codes, u.ReferralCode)
		d.userSeq = d.userSeq[:len(d.userSeq)-1]
	})
	return nil
}

func (t *tx) User(_ context.Context, id domain.UserID) (domain.User, error) {
	u, ok := t.db.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (t *tx) UserByCode(_ context.Context, code string) (domain.User, error) {
	id, ok := t.db.codes[code]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return t.db.users[id], nil
}

func (t *tx) CountUsers(context.Context) (int64, error) {
	return int64(len(t.db.users)), nil
}

func (t *tx) ListUserIDs(context.Context) ([]domain.UserID, error) {
	out := make([]domain.UserID, len(t.db.userSeq))
	copy(out, t.db.userSeq)
	return out, nil
}

func (t *tx) Children(_ context.Context, parents []domain.UserID) ([]domain.Edge, error) {
	var out []domain.Edge
	for _, p := range parents {
		for _, leg := range []domain.Leg{domain.LegLeft, domain.LegRight} {
			if c, ok := t.db.slots[slotKey{p, leg}]; ok {
				out = append(out, domain.Edge{Parent: p, Leg: leg, Child: c})
			}
		}
	}
	return out, nil
}

func (t *tx) SetPlacement(_ context.Context, child, parent domain.UserID, leg domain.Leg) error {
	t.mustWrite()
	d := t.db
	k := slotKey{parent, leg}
	if _, ok := d.slots[k]; ok {
		return store.ErrSlotTaken
	}
	u, ok := d.users[child]
	if !ok {
		return domain.ErrNotFound
	}
	prev := u
	u.ParentID = parent
	u.Leg = leg
	d.users[child] = u
	d.slots[k] = child
	t.record(func() {
		delete(d.slots, k)
		d.users[child] = prev
	})
	return nil
}

// --- ledger ---

func (t *tx) InsertTransaction(_ context.Context, tr domain.Transaction) (domain.Transaction, bool, error) {
	t.mustWrite()
	d := t.db
	if tr.IdempotencyKey != "" {
		if id, ok := d.keys[tr.IdempotencyKey]; ok {
			return d.txs[id], false, nil
		}
	}
	if _, ok := d.txs[tr.ID]; ok {
		return domain.Transaction{}, false, domain.ErrAlreadyExists
	}
	d.txs[tr.ID] = tr
	d.txSeq = append(d.txSeq, tr.ID)
	if tr.IdempotencyKey != "" {
		d.keys[tr.IdempotencyKey] = tr.ID
	}
	t.record(func() {
		delete(d.txs, tr.ID)
		d.txSeq = d.txSeq[:len(d.txSeq)-1]
		if tr.IdempotencyKey != "" {
			delete(d.keys, tr.IdempotencyKey)
		}
	})
	return tr, true, nil
}

func (t *tx) Transaction(_ context.Context, id string, _ bool) (domain.Transaction, error) {
	tr, ok := t.db.txs[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tr, nil
}

func (t *tx) TransactionByKey(_ context.Context, key string) (domain.Transaction, error) {
	id, ok := t.db.keys[key]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return t.db.txs[id], nil
}

func (t *tx) SetTransactionStatus(_ context.Context, tr domain.Transaction) error {
	t.mustWrite()
	d := t.db
	prev, ok := d.txs[tr.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := prev
	next.Status = tr.Status
	next.SettledAt = tr.SettledAt
	d.txs[tr.ID] = next
	t.record(func() { d.txs[tr.ID] = prev })
	return nil
}

func matchSource(s domain.Source, set []domain.Source) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (t *tx) ListTransactions(_ context.Context, f domain.TxFilter) ([]domain.Transaction, error) {
	var out []domain.Transaction
	skipped := 0
	// newest first, like the SQL store
	for i := len(t.db.txSeq) - 1; i >= 0; i-- {
		tr := t.db.txs[t.db.txSeq[i]]
		if f.UserID != 0 && tr.UserID != f.UserID {
			continue
		}
		if f.Wallet != "" && tr.Wallet != f.Wallet {
			continue
		}
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		if !matchSource(tr.Source, f.Sources) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, tr)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) FirstCompleted(_ context.Context, user domain.UserID, sources []domain.Source) (domain.Transaction, error) {
	var first domain.Transaction
	found := false
	for _, id := range t.db.txSeq {
		tr := t.db.txs[id]
		if tr.UserID != user || tr.Status != domain.StatusCompleted || !matchSource(tr.Source, sources) {
			continue
		}
		if !found || tr.SettledAt.Before(*first.SettledAt) {
			first = tr
			found = true
		}
	}
	if !found {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return first, nil
}

func (t *tx) Totals(_ context.Context, user domain.UserID, class domain.WalletClass) (money.Amount, money.Amount, error) {
	var bal, held money.Amount
	for _, id := range t.db.txSeq {
		tr := t.db.txs[id]
		if tr.UserID != user || tr.Wallet != class {
			continue
		}
		switch tr.Status {
		case domain.StatusCompleted:
			bal += tr.Signed()
		case domain.StatusPending:
			if tr.Direction == domain.Debit {
				held += tr.Amount
			}
		}
	}
	return bal, held, nil
}

func (t *tx) LockWallet(ctx context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error) {
	return t.Wallet(ctx, user, class)
}

func (t *tx) Wallet(_ context.Context, user domain.UserID, class domain.WalletClass) (domain.Wallet, error) {
	w, ok := t.db.wallet[walletKey{user, class}]
	if !ok {
		return domain.Wallet{UserID: user, Class: class}, nil
	}
	return w, nil
}

func (t *tx) SaveWallet(_ context.Context, w domain.Wallet) error {
	t.mustWrite()
	d := t.db
	k := walletKey{w.UserID, w.Class}
	prev, had := d.wallet[k]
	w.UpdatedAt = time.Now().UTC()
	d.wallet[k] = w
	t.record(func() {
		if had {
			d.wallet[k] = prev
		} else {
			delete(d.wallet, k)
		}
	})
	return nil
}

// --- investments ---

func (t *tx) CreateInvestment(_ context.Context, inv domain.Investment) error {
	t.mustWrite()
	d := t.db
	if _, ok := d.investments[inv.ID]; ok {
		return domain.ErrAlreadyExists
	}
	d.investments[inv.ID] = inv
	d.invSeq = append(d.invSeq, inv.ID)
	t.record(func() {
		delete(d.investments, inv.ID)
		d.invSeq = d.invSeq[:len(d.invSeq)-1]
	})
	return nil
}

func (t *tx) Investment(_ context.Context, id string, _ bool) (domain.Investment, error) {
	inv, ok := t.db.investments[id]
	if !ok {
		return domain.Investment{}, domain.ErrNotFound
	}
	return inv, nil
}

func (t *tx) UpdateInvestment(_ context.Context, inv domain.Investment) error {
	t.mustWrite()
	d := t.db
	prev, ok := d.investments[inv.ID]
	if !ok {
		return domain.ErrNotFound
	}
	d.investments[inv.ID] = inv
	t.record(func() { d.investments[inv.ID] = prev })
	return nil
}

func (t *tx) ListInvestments(_ context.Context, f domain.InvestmentFilter) ([]domain.Investment, error) {
	var out []domain.Investment
	for _, id := range t.db.invSeq {
		inv := t.db.investments[id]
		if f.UserID != 0 && inv.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(inv.Status, f.Statuses) {
			continue
		}
		if !f.StartedBefore.IsZero() && !inv.StartedAt.Before(f.StartedBefore) {
			continue
		}
		if f.NotAccruedFor != "" && !inv.LastAccrued.Before(f.NotAccruedFor) {
			continue
		}
		out = append(out, inv)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func hasStatus(s domain.InvestmentStatus, set []domain.InvestmentStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (t *tx) LockedPrincipal(_ context.Context, user domain.UserID) (money.Amount, error) {
	var sum money.Amount
	for _, inv := range t.db.investments {
		if inv.UserID == user && inv.Status.Locked() {
			sum += inv.Principal
		}
	}
	return sum, nil
}

func (t *tx) SumInvested(_ context.Context, users []domain.UserID, includeProfit bool) (money.Amount, error) {
	set := make(map[domain.UserID]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	var sum money.Amount
	for _, inv := range t.db.investments {
		if _, ok := set[inv.UserID]; !ok {
			continue
		}
		sum += inv.Principal
		if includeProfit {
			sum += inv.AccruedProfit
		}
	}
	return sum, nil
}

func (t *tx) MarkSalaryPeriod(_ context.Context, user domain.UserID, period domain.Period, tier string) (bool, error) {
	t.mustWrite()
	d := t.db
	k := salaryKey{user, period}
	if _, ok := d.salary[k]; ok {
		return false, nil
	}
	d.salary[k] = tier
	t.record(func() { delete(d.salary, k) })
	return true, nil
}

// --- requests ---

func (t *tx) CreateRequest(_ context.Context, r domain.Request) error {
	t.mustWrite()
	d := t.db
	if _, ok := d.requests[r.ID]; ok {
		return domain.ErrAlreadyExists
	}
	d.requests[r.ID] = r
	d.reqSeq = append(d.reqSeq, r.ID)
	t.record(func() {
		delete(d.requests, r.ID)
		d.reqSeq = d.reqSeq[:len(d.reqSeq)-1]
	})
	return nil
}

func (t *tx) Request(_ context.Context, id string, _ bool) (domain.Request, error) {
	r, ok := t.db.requests[id]
	if !ok {
		return domain.Request{}, domain.ErrNotFound
	}
	return r, nil
}

func (t *tx) UpdateRequest(_ context.Context, r domain.Request) error {
	t.mustWrite()
	d := t.db
	prev, ok := d.requests[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	d.requests[r.ID] = r
	t.record(func() { d.requests[r.ID] = prev })
	return nil
}

func (t *tx) ListRequests(_ context.Context, f domain.RequestFilter) ([]domain.Request, error) {
	var out []domain.Request
	for _, id := range t.db.reqSeq {
		r := t.db.requests[id]
		if f.UserID != 0 && r.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if len(f.States) > 0 && !hasState(r.State, f.States) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasState(s domain.RequestState, set []domain.RequestState) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
