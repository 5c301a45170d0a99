package commission

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnet/internal/config"
	"vestnet/internal/domain"
	"vestnet/internal/ledger"
	"vestnet/internal/memdb"
	"vestnet/internal/money"
	"vestnet/internal/store"
	"vestnet/internal/tree"
)

type fixture struct {
	st  *memdb.DB
	dir *tree.Directory
	l   *ledger.Ledger
	e   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memdb.New()
	l := ledger.New(st, nil, nil)
	return &fixture{
		st:  st,
		dir: tree.New(st, tree.Options{}),
		l:   l,
		e:   New(l, Config{DirectBP: 1000, LevelBPs: config.DefaultLevelBPs}, nil, nil),
	}
}

func (f *fixture) place(t *testing.T, id domain.UserID, sponsor string) {
	t.Helper()
	_, err := f.dir.Place(context.Background(), tree.NewUser{ID: id, SponsorCode: sponsor, ReferralCode: fmt.Sprintf("U%d", id)})
	require.NoError(t, err)
}

// chain builds 1 <- 2 <- ... <- n, each user the tree parent of the next.
func (f *fixture) chain(t *testing.T, n int) {
	f.place(t, 1, "")
	for i := 2; i <= n; i++ {
		f.place(t, domain.UserID(i), fmt.Sprintf("U%d", i-1))
	}
}

func (f *fixture) deposit(t *testing.T, user domain.UserID, amt money.Amount) {
	t.Helper()
	_, err := f.l.PostCompleted(context.Background(), ledger.Posting{
		UserID: user, Wallet: domain.WalletPackage, Amount: amt, Direction: domain.Credit, Source: domain.SourceDeposit,
	})
	require.NoError(t, err)
}

func (f *fixture) entries(t *testing.T, user domain.UserID, src domain.Source) []domain.Transaction {
	t.Helper()
	var out []domain.Transaction
	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.ListTransactions(context.Background(), domain.TxFilter{UserID: user, Sources: []domain.Source{src}})
		return err
	}))
	return out
}

func total(ts []domain.Transaction) money.Amount {
	var s money.Amount
	for _, t := range ts {
		s += t.Amount
	}
	return s
}

func TestDirectBonusPaidOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.place(t, 1, "")
	f.place(t, 2, "U1")

	f.deposit(t, 2, money.FromUnits(1_000))
	res, err := f.e.DirectBonus(ctx, 2)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, money.FromUnits(100), res.Transaction.Amount)
	assert.Equal(t, domain.UserID(1), res.Transaction.UserID)
	assert.Equal(t, domain.UserID(2), res.Transaction.OriginUser)

	f.deposit(t, 2, money.FromUnits(1_000))
	res, err = f.e.DirectBonus(ctx, 2)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.True(t, res.Duplicate)

	got := f.entries(t, 1, domain.SourceDirectIncome)
	require.Len(t, got, 1)
	assert.Equal(t, money.FromUnits(100), got[0].Amount)

	b, err := f.l.Balance(ctx, 1, domain.WalletPackage)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(100), b.Balance)
}

func TestDirectBonusUsesFirstDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.place(t, 1, "")
	f.place(t, 2, "U1")

	f.deposit(t, 2, money.FromUnits(500))
	f.deposit(t, 2, money.FromUnits(2_000))
	res, err := f.e.DirectBonus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(50), res.Transaction.Amount)
}

func TestDirectBonusSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.place(t, 1, "")
	f.place(t, 2, "U1")

	f.deposit(t, 1, money.FromUnits(1_000))
	res, err := f.e.DirectBonus(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, "no sponsor", res.Reason)

	res, err = f.e.DirectBonus(ctx, 2)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, "no completed deposit", res.Reason)

	// a pending deposit does not count
	_, err = f.l.PostPending(ctx, ledger.Posting{UserID: 2, Wallet: domain.WalletPackage, Amount: 100, Direction: domain.Credit, Source: domain.SourceDeposit})
	require.NoError(t, err)
	res, err = f.e.DirectBonus(ctx, 2)
	require.NoError(t, err)
	assert.False(t, res.Paid)

	_, err = f.e.DirectBonus(ctx, 77)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTeamIncomeSingleAncestor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.place(t, 1, "")
	f.place(t, 2, "U1")

	posted, err := f.e.TeamIncome(ctx, 2, money.FromUnits(50), "profit-tx-1", "inv-b")
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, money.Amount(500), posted[0].Amount)
	assert.Equal(t, 1, posted[0].Level)
	assert.Equal(t, domain.UserID(1), posted[0].UserID)
	assert.Equal(t, domain.UserID(2), posted[0].OriginUser)
	assert.Equal(t, "inv-b", posted[0].OriginInvestment)

	assert.Empty(t, f.entries(t, 2, domain.SourceTeamIncome))
}

func TestTeamIncomeFullChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain(t, 12)
	assert.Equal(t, int64(2100), f.e.TeamShareBP())

	profit := money.Amount(12_345)
	posted, err := f.e.TeamIncome(ctx, 12, profit, "ev-1", "")
	require.NoError(t, err)
	require.Len(t, posted, 10)
	for i, p := range posted {
		assert.Equal(t, i+1, p.Level)
		assert.Equal(t, domain.UserID(11-i), p.UserID)
	}
	assert.Equal(t, money.Percent(profit, 2100), total(posted))
	assert.Empty(t, f.entries(t, 1, domain.SourceTeamIncome), "level 11 is never paid")

	// 10% of $50 at level 1 regardless of chain length
	posted, err = f.e.TeamIncome(ctx, 12, money.FromUnits(50), "ev-2", "")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), posted[0].Amount)
	assert.Equal(t, money.Amount(250), posted[1].Amount)
	assert.Equal(t, money.Amount(25), posted[9].Amount)
	assert.Equal(t, money.Amount(1050), total(posted))
}

func TestTeamIncomePrefixTruncated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain(t, 4)

	profit := money.Amount(9_999)
	posted, err := f.e.TeamIncome(ctx, 4, profit, "ev", "")
	require.NoError(t, err)
	require.Len(t, posted, 3)
	assert.Equal(t, money.Percent(profit, 1000+500+200), total(posted))
}

func TestTeamIncomeExactForRandomProfits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain(t, 11)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		profit := money.Amount(rng.Int63n(10_000_000) + 1)
		posted, err := f.e.TeamIncome(ctx, 11, profit, fmt.Sprintf("ev-%d", i), "")
		require.NoError(t, err)
		assert.Equal(t, money.Percent(profit, f.e.TeamShareBP()), total(posted), "profit %d", profit)
	}
}

func TestTeamIncomeIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain(t, 3)

	first, err := f.e.TeamIncome(ctx, 3, 10_000, "ev", "")
	require.NoError(t, err)
	second, err := f.e.TeamIncome(ctx, 3, 10_000, "ev", "")
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
	assert.Len(t, f.entries(t, 2, domain.SourceTeamIncome), 1)

	_, err = f.e.TeamIncome(ctx, 3, 10_000, "", "")
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	none, err := f.e.TeamIncome(ctx, 3, 0, "ev-zero", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}
