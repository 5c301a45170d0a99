// Package tree places users into the binary referral tree and answers
// structural queries over it. All walks are iterative and batch one tree
// level per store round trip.
package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/store"
)

// sumBatch caps the id list handed to one SumInvested call.
const sumBatch = 1000

type Options struct {
	// AllowRoot permits sponsor-less sign-ups after the first user.
	AllowRoot bool
	// DefaultSponsorCode is used when a sign-up carries no code and the
	// tree is not empty.
	DefaultSponsorCode string
	// MaxRetries bounds how often a placement is retried after losing a
	// slot race.
	MaxRetries int
	Logger     logrus.FieldLogger
}

type Directory struct {
	st          store.Store
	allowRoot   bool
	defaultCode string
	maxRetries  int
	log         *logrus.Entry
	now         func() time.Time
	newCode     func() string
}

func New(st store.Store, opts Options) *Directory {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Directory{
		st:          st,
		allowRoot:   opts.AllowRoot,
		defaultCode: strings.TrimSpace(opts.DefaultSponsorCode),
		maxRetries:  opts.MaxRetries,
		log:         logging.Component(opts.Logger, "tree"),
		now:         func() time.Time { return time.Now().UTC() },
		newCode:     func() string { return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10]) },
	}
}

// NewUser is a sign-up waiting to be placed.
type NewUser struct {
	ID          domain.UserID
	SponsorCode string
	// ReferralCode is generated when empty.
	ReferralCode string
	Destination  string
}

// Place creates the user and attaches it at the first open slot found by a
// breadth-first walk from the sponsor, LEFT before RIGHT. A lost slot race
// retries the whole search; nothing is written on failure.
func (d *Directory) Place(ctx context.Context, nu NewUser) (domain.User, error) {
	if nu.ID <= 0 {
		return domain.User{}, fmt.Errorf("%w: user id must be positive", domain.ErrInvalidPlacement)
	}
	if nu.ReferralCode == "" {
		nu.ReferralCode = d.newCode()
	}

	var placed domain.User
	var err error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		err = d.st.WithTx(ctx, func(tx store.Tx) error {
			u, err := d.placeTx(ctx, tx, nu)
			placed = u
			return err
		})
		if !errors.Is(err, store.ErrSlotTaken) {
			break
		}
		d.log.WithFields(logrus.Fields{"user_id": nu.ID, "attempt": attempt}).Debug("placement slot race, retrying")
	}
	if err != nil {
		return domain.User{}, err
	}
	d.log.WithFields(logrus.Fields{
		"user_id": placed.ID, "sponsor_id": placed.SponsorID, "parent_id": placed.ParentID, "leg": placed.Leg,
	}).Info("user placed")
	return placed, nil
}

func (d *Directory) placeTx(ctx context.Context, tx store.Tx, nu NewUser) (domain.User, error) {
	if _, err := tx.User(ctx, nu.ID); err == nil {
		return domain.User{}, fmt.Errorf("%w: user %d already placed", domain.ErrInvalidPlacement, nu.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	if code := strings.TrimSpace(nu.SponsorCode); code != "" && code == strings.TrimSpace(nu.ReferralCode) {
		return domain.User{}, fmt.Errorf("%w: self-referral", domain.ErrInvalidPlacement)
	}
	sponsor, root, err := d.resolveSponsor(ctx, tx, nu.SponsorCode)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           nu.ID,
		ReferralCode: nu.ReferralCode,
		Destination:  nu.Destination,
		CreatedAt:    d.now(),
	}
	if root {
		if err := tx.CreateUser(ctx, u); err != nil {
			return domain.User{}, err
		}
		return u, nil
	}
	if sponsor.ID == nu.ID {
		return domain.User{}, fmt.Errorf("%w: self-referral", domain.ErrInvalidPlacement)
	}
	u.SponsorID = sponsor.ID

	parent, leg, err := OpenSlot(ctx, tx, sponsor.ID)
	if err != nil {
		return domain.User{}, err
	}
	if err := tx.CreateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	if err := tx.SetPlacement(ctx, u.ID, parent, leg); err != nil {
		return domain.User{}, err
	}
	u.ParentID = parent
	u.Leg = leg
	return u, nil
}

// resolveSponsor returns root=true when the sign-up becomes a tree root.
func (d *Directory) resolveSponsor(ctx context.Context, tx store.Tx, code string) (domain.User, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		n, err := tx.CountUsers(ctx)
		if err != nil {
			return domain.User{}, false, err
		}
		if n == 0 || d.allowRoot {
			return domain.User{}, true, nil
		}
		if d.defaultCode == "" {
			return domain.User{}, false, fmt.Errorf("%w: sponsor code required", domain.ErrUnknownSponsor)
		}
		code = d.defaultCode
	}
	sponsor, err := tx.UserByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, false, fmt.Errorf("%w: %q", domain.ErrUnknownSponsor, code)
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return sponsor, false, nil
}

// OpenSlot walks the subtree of from level by level and returns the first
// node missing a child, preferring LEFT.
func OpenSlot(ctx context.Context, users store.Users, from domain.UserID) (domain.UserID, domain.Leg, error) {
	frontier := []domain.UserID{from}
	for len(frontier) > 0 {
		edges, err := users.Children(ctx, frontier)
		if err != nil {
			return 0, "", err
		}
		slots := indexEdges(edges)
		next := make([]domain.UserID, 0, 2*len(frontier))
		for _, p := range frontier {
			s := slots[p]
			if s.left == 0 {
				return p, domain.LegLeft, nil
			}
			if s.right == 0 {
				return p, domain.LegRight, nil
			}
			next = append(next, s.left, s.right)
		}
		frontier = next
	}
	// unreachable for a finite tree: the last level always has open slots
	return 0, "", fmt.Errorf("%w: no open slot below %d", domain.ErrInvalidPlacement, from)
}

type pair struct{ left, right domain.UserID }

func indexEdges(edges []domain.Edge) map[domain.UserID]pair {
	m := make(map[domain.UserID]pair, len(edges))
	for _, e := range edges {
		p := m[e.Parent]
		if e.Leg == domain.LegLeft {
			p.left = e.Child
		} else {
			p.right = e.Child
		}
		m[e.Parent] = p
	}
	return m
}

// Ancestors returns up to maxLevels tree parents; index 0 is level 1.
// A repeated id stops the walk so a corrupted tree cannot loop forever.
func Ancestors(ctx context.Context, users store.Users, id domain.UserID, maxLevels int) ([]domain.UserID, error) {
	seen := map[domain.UserID]struct{}{id: {}}
	var out []domain.UserID
	cur := id
	for len(out) < maxLevels {
		u, err := users.User(ctx, cur)
		if err != nil {
			return nil, err
		}
		if u.ParentID == 0 {
			break
		}
		if _, dup := seen[u.ParentID]; dup {
			return out, fmt.Errorf("%w: cycle at user %d", domain.ErrInvalidPlacement, u.ParentID)
		}
		seen[u.ParentID] = struct{}{}
		out = append(out, u.ParentID)
		cur = u.ParentID
	}
	return out, nil
}

func (d *Directory) Ancestors(ctx context.Context, id domain.UserID, maxLevels int) ([]domain.UserID, error) {
	var out []domain.UserID
	err := d.st.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = Ancestors(ctx, tx, id, maxLevels)
		return err
	})
	return out, err
}

// Subtree lists the ids of the subtree rooted at the leg child of id,
// inclusive, in breadth-first order.
func Subtree(ctx context.Context, users store.Users, id domain.UserID, leg domain.Leg) ([]domain.UserID, error) {
	if !leg.Valid() {
		return nil, fmt.Errorf("%w: leg %q", domain.ErrBadRequest, leg)
	}
	edges, err := users.Children(ctx, []domain.UserID{id})
	if err != nil {
		return nil, err
	}
	var start domain.UserID
	for _, e := range edges {
		if e.Leg == leg {
			start = e.Child
		}
	}
	if start == 0 {
		return nil, nil
	}
	out := []domain.UserID{start}
	seen := map[domain.UserID]struct{}{id: {}, start: {}}
	frontier := []domain.UserID{start}
	for len(frontier) > 0 {
		edges, err := users.Children(ctx, frontier)
		if err != nil {
			return nil, err
		}
		slots := indexEdges(edges)
		next := make([]domain.UserID, 0, 2*len(frontier))
		for _, p := range frontier {
			s := slots[p]
			for _, c := range [2]domain.UserID{s.left, s.right} {
				if c == 0 {
					continue
				}
				if _, dup := seen[c]; dup {
					return nil, fmt.Errorf("%w: cycle at user %d", domain.ErrInvalidPlacement, c)
				}
				seen[c] = struct{}{}
				next = append(next, c)
			}
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

// LegVolume sums principal, and accrued profit when asked, over the leg
// subtree of id.
func LegVolume(ctx context.Context, tx store.Tx, id domain.UserID, leg domain.Leg, includeProfit bool) (money.Amount, error) {
	members, err := Subtree(ctx, tx, id, leg)
	if err != nil {
		return 0, err
	}
	var total money.Amount
	for i := 0; i < len(members); i += sumBatch {
		end := i + sumBatch
		if end > len(members) {
			end = len(members)
		}
		v, err := tx.SumInvested(ctx, members[i:end], includeProfit)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func (d *Directory) LegVolume(ctx context.Context, id domain.UserID, leg domain.Leg, includeProfit bool) (money.Amount, error) {
	var v money.Amount
	err := d.st.View(ctx, func(tx store.Tx) error {
		if _, err := tx.User(ctx, id); err != nil {
			return err
		}
		var err error
		v, err = LegVolume(ctx, tx, id, leg, includeProfit)
		return err
	})
	return v, err
}

// Snapshot is a user with the members of each leg.
type Snapshot struct {
	User  domain.User     `json:"user"`
	Left  []domain.UserID `json:"left"`
	Right []domain.UserID `json:"right"`
}

func (d *Directory) Snapshot(ctx context.Context, id domain.UserID) (Snapshot, error) {
	var s Snapshot
	err := d.st.View(ctx, func(tx store.Tx) error {
		u, err := tx.User(ctx, id)
		if err != nil {
			return err
		}
		s.User = u
		if s.Left, err = Subtree(ctx, tx, id, domain.LegLeft); err != nil {
			return err
		}
		s.Right, err = Subtree(ctx, tx, id, domain.LegRight)
		return err
	})
	if s.Left == nil {
		s.Left = []domain.UserID{}
	}
	if s.Right == nil {
		s.Right = []domain.UserID{}
	}
	return s, err
}

func (d *Directory) User(ctx context.Context, id domain.UserID) (domain.User, error) {
	var u domain.User
	err := d.st.View(ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.User(ctx, id)
		return err
	})
	return u, err
}
