package rank

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

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

var now = time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*memdb.DB, *ledger.Ledger, *Evaluator) {
	t.Helper()
	mem := memdb.New()
	l := ledger.New(mem, nil, nil)
	l.SetClock(func() time.Time { return now })
	dir := tree.New(mem, tree.Options{})
	for i := 1; i <= 3; i++ {
		code := ""
		if i > 1 {
			code = "U1"
		}
		_, err := dir.Place(context.Background(), tree.NewUser{ID: domain.UserID(i), SponsorCode: code, ReferralCode: fmt.Sprintf("U%d", i)})
		require.NoError(t, err)
	}
	return mem, l, New(l, Options{Tiers: config.DefaultTiers(), Workers: 2})
}

func invest(t *testing.T, st store.Store, id string, user domain.UserID, units int64) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateInvestment(context.Background(), domain.Investment{
			ID: id, UserID: user, Principal: money.FromUnits(units), RateBP: 500,
			StartedAt: now, UnlockAt: now.AddDate(0, 6, 0), Status: domain.InvestmentActive,
		})
	}))
}

func TestStatusUsesWeakerLeg(t *testing.T) {
	mem, _, e := setup(t)
	invest(t, mem, "a", 2, 6_000)
	invest(t, mem, "b", 3, 12_000)

	s, err := e.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(6_000), s.Left)
	assert.Equal(t, money.FromUnits(12_000), s.Right)
	require.NotNil(t, s.Rank)
	assert.Equal(t, "Bronze", s.Rank.Name)
	require.NotNil(t, s.Next)
	assert.Equal(t, "Silver", s.Next.Tier.Name)
	assert.Equal(t, int64(6_000), s.Next.ProgressBP)
	assert.False(t, s.Next.Qualified)
	assert.Len(t, s.Tiers, 6)

	s, err = e.Status(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, s.Rank)
	assert.Equal(t, int64(0), s.Tiers[0].ProgressBP)

	_, err = e.Status(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluateProgressIsMonotoneAndFullOnlyWhenQualified(t *testing.T) {
	tiers := config.DefaultTiers()
	rng := rand.New(rand.NewSource(7))
	var prev []int64
	var weaker money.Amount
	for step := 0; step < 500; step++ {
		weaker += money.Amount(rng.Int63n(int64(money.FromUnits(1_500))))
		s := Evaluate(tiers, weaker, weaker+money.Amount(rng.Int63n(1_000_000)))
		for i, tp := range s.Tiers {
			if prev != nil {
				assert.GreaterOrEqual(t, tp.ProgressBP, prev[i])
			}
			assert.Equal(t, tp.Qualified, tp.ProgressBP == money.BasisPoints, "tier %s at %s", tp.Tier.Name, weaker)
		}
		prev = prev[:0]
		for _, tp := range s.Tiers {
			prev = append(prev, tp.ProgressBP)
		}
	}
}

func TestEvaluateJustBelowThreshold(t *testing.T) {
	tiers := []domain.Tier{{Name: "Bronze", Threshold: money.FromUnits(5_000), Salary: money.FromUnits(100)}}
	s := Evaluate(tiers, money.FromUnits(5_000)-1, money.FromUnits(9_000))
	assert.Nil(t, s.Rank)
	assert.Equal(t, int64(9_999), s.Tiers[0].ProgressBP)

	s = Evaluate(tiers, money.FromUnits(5_000), money.FromUnits(5_000))
	require.NotNil(t, s.Rank)
	assert.Nil(t, s.Next)
}

func TestRunPaysSalaryOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	mem, l, e := setup(t)
	invest(t, mem, "a", 2, 10_000)
	invest(t, mem, "b", 3, 30_000)

	rep, err := e.Run(ctx, "2026-07")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Users)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, 2, rep.Unranked)
	assert.Equal(t, money.FromUnits(250), rep.Total)
	assert.Equal(t, 1, rep.ByTier["Silver"])

	b, err := l.Balance(ctx, 1, domain.WalletPackage)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(250), b.Balance)

	rep, err = e.Run(ctx, "2026-07")
	require.NoError(t, err)
	assert.Zero(t, rep.Paid)
	assert.Equal(t, 1, rep.AlreadyPaid)

	b, err = l.Balance(ctx, 1, domain.WalletPackage)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(250), b.Balance)

	salary, err := l.History(ctx, domain.TxFilter{UserID: 1, Sources: []domain.Source{domain.SourceSalaryIncome}})
	require.NoError(t, err)
	require.Len(t, salary, 1)
	assert.Equal(t, SalaryKey(1, "2026-07"), salary[0].IdempotencyKey)
}

func TestRunRejectsOpenPeriod(t *testing.T) {
	_, _, e := setup(t)
	_, err := e.Run(context.Background(), "2026-08")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestRunSurfacesStoreFailure(t *testing.T) {
	mem, _, e := setup(t)
	mem.FailNext = store.ErrUnavailable
	_, err := e.Run(context.Background(), "2026-07")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
