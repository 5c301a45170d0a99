package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnet/internal/domain"
	"vestnet/internal/memdb"
	"vestnet/internal/money"
	"vestnet/internal/store"
)

func place(t *testing.T, d *Directory, id domain.UserID, sponsor string) domain.User {
	t.Helper()
	u, err := d.Place(context.Background(), NewUser{ID: id, SponsorCode: sponsor, ReferralCode: fmt.Sprintf("U%d", id)})
	require.NoError(t, err)
	return u
}

func invest(t *testing.T, st store.Store, user domain.UserID, principal money.Amount, profit money.Amount) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateInvestment(context.Background(), domain.Investment{
			ID: fmt.Sprintf("inv-%d-%d", user, principal), UserID: user, Principal: principal,
			AccruedProfit: profit, RateBP: 500, Status: domain.InvestmentActive, StartedAt: time.Now(),
		})
	}))
}

func TestPlaceSpilloverScenario(t *testing.T) {
	d := New(memdb.New(), Options{})

	a := place(t, d, 1, "")
	assert.True(t, a.IsRoot())

	b := place(t, d, 2, "U1")
	c := place(t, d, 3, "U1")
	dd := place(t, d, 4, "U1")

	assert.Equal(t, domain.UserID(1), b.ParentID)
	assert.Equal(t, domain.LegLeft, b.Leg)
	assert.Equal(t, domain.UserID(1), c.ParentID)
	assert.Equal(t, domain.LegRight, c.Leg)
	assert.Equal(t, domain.UserID(2), dd.ParentID)
	assert.Equal(t, domain.LegLeft, dd.Leg)
	// the referral sponsor is kept even though the tree parent differs
	assert.Equal(t, domain.UserID(1), dd.SponsorID)

	e := place(t, d, 5, "U1")
	assert.Equal(t, domain.UserID(2), e.ParentID)
	assert.Equal(t, domain.LegRight, e.Leg)
	f := place(t, d, 6, "U1")
	assert.Equal(t, domain.UserID(3), f.ParentID)
	assert.Equal(t, domain.LegLeft, f.Leg)
}

func TestPlaceErrors(t *testing.T) {
	ctx := context.Background()
	d := New(memdb.New(), Options{})
	place(t, d, 1, "")

	_, err := d.Place(ctx, NewUser{ID: 2, SponsorCode: "NOPE"})
	assert.ErrorIs(t, err, domain.ErrUnknownSponsor)

	_, err = d.Place(ctx, NewUser{ID: 2})
	assert.ErrorIs(t, err, domain.ErrUnknownSponsor, "second root is refused")

	_, err = d.Place(ctx, NewUser{ID: 1, SponsorCode: "U1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPlacement)

	_, err = d.Place(ctx, NewUser{ID: 0, SponsorCode: "U1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPlacement)

	_, err = d.Place(ctx, NewUser{ID: 5, SponsorCode: "SELF", ReferralCode: "SELF"})
	assert.ErrorIs(t, err, domain.ErrInvalidPlacement, "own code as sponsor is self-referral")
	assert.NotErrorIs(t, err, domain.ErrUnknownSponsor)
	_, err = d.User(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := d.Ancestors(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPlaceDefaultSponsorAndRoot(t *testing.T) {
	ctx := context.Background()
	st := memdb.New()
	d := New(st, Options{DefaultSponsorCode: "U1"})
	place(t, d, 1, "")

	u, err := d.Place(ctx, NewUser{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(1), u.ParentID)
	assert.NotEmpty(t, u.ReferralCode)

	rooted := New(st, Options{AllowRoot: true})
	r, err := rooted.Place(ctx, NewUser{ID: 9})
	require.NoError(t, err)
	assert.True(t, r.IsRoot())
}

func TestPlaceFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	st := memdb.New()
	d := New(st, Options{})
	place(t, d, 1, "")

	// referral code collides with the root's code: the user row must not
	// survive the failed placement
	_, err := d.Place(ctx, NewUser{ID: 2, SponsorCode: "U1", ReferralCode: "U1"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = d.User(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	snap, err := d.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snap.Left)
}

type racyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

type racyTx struct {
	store.Tx
	s *racyStore
}

func (r *racyStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return r.Store.WithTx(ctx, func(tx store.Tx) error { return fn(racyTx{Tx: tx, s: r}) })
}

func (t racyTx) SetPlacement(ctx context.Context, child, parent domain.UserID, leg domain.Leg) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.fails > 0 {
		t.s.fails--
		return store.ErrSlotTaken
	}
	return t.Tx.SetPlacement(ctx, child, parent, leg)
}

func TestPlaceRetriesLostSlotRace(t *testing.T) {
	st := &racyStore{Store: memdb.New()}
	d := New(st, Options{MaxRetries: 3})
	place(t, d, 1, "")

	st.fails = 2
	u := place(t, d, 2, "U1")
	assert.Equal(t, domain.LegLeft, u.Leg)

	st.fails = 3
	_, err := d.Place(context.Background(), NewUser{ID: 3, SponsorCode: "U1"})
	assert.ErrorIs(t, err, store.ErrSlotTaken)
	_, err = d.User(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentPlacementKeepsBinaryShape(t *testing.T) {
	st := memdb.New()
	d := New(st, Options{})
	place(t, d, 1, "")

	var wg sync.WaitGroup
	for i := 2; i <= 64; i++ {
		wg.Add(1)
		go func(id domain.UserID) {
			defer wg.Done()
			_, err := d.Place(context.Background(), NewUser{ID: id, SponsorCode: "U1"})
			assert.NoError(t, err)
		}(domain.UserID(i))
	}
	wg.Wait()

	seen := map[domain.UserID]int{}
	require.NoError(t, st.View(context.Background(), func(tx store.Tx) error {
		ids, err := tx.ListUserIDs(context.Background())
		require.NoError(t, err)
		assert.Len(t, ids, 64)
		edges, err := tx.Children(context.Background(), ids)
		require.NoError(t, err)
		assert.Len(t, edges, 63)
		for _, e := range edges {
			seen[e.Parent]++
		}
		return nil
	}))
	for parent, n := range seen {
		assert.LessOrEqual(t, n, 2, "parent %d", parent)
	}
}

func TestAncestors(t *testing.T) {
	d := New(memdb.New(), Options{})
	place(t, d, 1, "")
	for i := 2; i <= 15; i++ {
		place(t, d, domain.UserID(i), "U1")
	}
	// 1 -> 2 -> 4 -> 8
	ids, err := d.Ancestors(context.Background(), 8, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{4, 2, 1}, ids)

	ids, err = d.Ancestors(context.Background(), 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{4, 2}, ids)

	_, err = d.Ancestors(context.Background(), 99, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLegVolume(t *testing.T) {
	ctx := context.Background()
	st := memdb.New()
	d := New(st, Options{})
	place(t, d, 1, "")
	place(t, d, 2, "U1") // L
	place(t, d, 3, "U1") // R
	place(t, d, 4, "U1") // under 2
	place(t, d, 5, "U3") // under 3

	invest(t, st, 1, money.FromUnits(9_999), 0)
	invest(t, st, 2, money.FromUnits(1_000), money.FromUnits(50))
	invest(t, st, 4, money.FromUnits(500), 0)
	invest(t, st, 5, money.FromUnits(300), money.FromUnits(15))

	left, err := d.LegVolume(ctx, 1, domain.LegLeft, false)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(1_500), left)

	left, err = d.LegVolume(ctx, 1, domain.LegLeft, true)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(1_550), left)

	right, err := d.LegVolume(ctx, 1, domain.LegRight, true)
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(315), right)

	empty, err := d.LegVolume(ctx, 4, domain.LegRight, false)
	require.NoError(t, err)
	assert.Zero(t, empty)

	_, err = d.LegVolume(ctx, 1, "UP", false)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestLegVolumeDeepChain(t *testing.T) {
	ctx := context.Background()
	st := memdb.New()
	d := New(st, Options{})
	place(t, d, 1, "")
	// each user sponsors the next, so every new user lands LEFT of the last
	for i := 2; i <= 2000; i++ {
		place(t, d, domain.UserID(i), fmt.Sprintf("U%d", i-1))
		invest(t, st, domain.UserID(i), 100, 0)
	}
	v, err := d.LegVolume(ctx, 1, domain.LegLeft, false)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1999*100), v)
}

func TestSnapshotAndDownline(t *testing.T) {
	ctx := context.Background()
	d := New(memdb.New(), Options{})
	place(t, d, 1, "")
	for i := 2; i <= 7; i++ {
		place(t, d, domain.UserID(i), "U1")
	}

	snap, err := d.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{2, 4, 5}, snap.Left)
	assert.Equal(t, []domain.UserID{3, 6, 7}, snap.Right)

	c := d.Downline(1, 1)
	var got []Member
	for c.Next(ctx) {
		got = append(got, c.Member())
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []Member{{2, 1, domain.LegLeft}, {3, 1, domain.LegRight}}, got)

	c = d.Downline(1, 0)
	got = got[:0]
	for c.Next(ctx) {
		got = append(got, c.Member())
	}
	require.NoError(t, c.Err())
	require.Len(t, got, 6)
	assert.Equal(t, Member{UserID: 6, Depth: 2, Leg: domain.LegRight}, got[4])

	// restart after the tree grew
	place(t, d, 8, "U1")
	c.Reset()
	n := 0
	for c.Next(ctx) {
		n++
	}
	assert.Equal(t, 7, n)
	assert.False(t, c.Next(ctx), "exhausted cursor stays exhausted")
}

func TestDownlineStoreFailure(t *testing.T) {
	st := memdb.New()
	d := New(st, Options{})
	place(t, d, 1, "")
	place(t, d, 2, "U1")

	boom := errors.New("connection reset")
	st.FailNext = boom
	c := d.Downline(1, 0)
	assert.False(t, c.Next(context.Background()))
	assert.ErrorIs(t, c.Err(), boom)

	c.Reset()
	assert.True(t, c.Next(context.Background()))
}
