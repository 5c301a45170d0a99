// Package rank qualifies users for rank tiers from their weaker leg and
// pays the monthly salary of the tier reached.
package rank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/monitoring"
	"vestnet/internal/store"
	"vestnet/internal/tree"
	"vestnet/internal/workpool"
)

const jobName = "salary"

type TierProgress struct {
	Tier       domain.Tier `json:"tier"`
	ProgressBP int64       `json:"progress_bp"`
	Qualified  bool        `json:"qualified"`
}

type Status struct {
	UserID domain.UserID  `json:"user_id"`
	Left   money.Amount   `json:"left_volume"`
	Right  money.Amount   `json:"right_volume"`
	Rank   *domain.Tier   `json:"rank"`
	Next   *TierProgress  `json:"next,omitempty"`
	Tiers  []TierProgress `json:"tiers"`
}

// Evaluate ranks a pair of leg volumes against tiers sorted by threshold.
// Progress uses the weaker leg and only reaches 10000 bp once qualified.
func Evaluate(tiers []domain.Tier, left, right money.Amount) Status {
	weaker := money.Min(left, right)
	s := Status{Left: left, Right: right, Tiers: make([]TierProgress, 0, len(tiers))}
	for i := range tiers {
		tp := TierProgress{
			Tier:       tiers[i],
			ProgressBP: money.Ratio(weaker, tiers[i].Threshold),
			Qualified:  weaker >= tiers[i].Threshold,
		}
		s.Tiers = append(s.Tiers, tp)
		if tp.Qualified {
			t := tiers[i]
			s.Rank = &t
		} else if s.Next == nil {
			n := tp
			s.Next = &n
		}
	}
	return s
}

type Evaluator struct {
	st            store.Store
	ledger        *ledger.Ledger
	tiers         []domain.Tier
	includeProfit bool
	workers       int
	metrics       *monitoring.PrometheusMetrics
	log           *logrus.Entry
	now           func() time.Time
}

type Options struct {
	Tiers         []domain.Tier
	IncludeProfit bool
	Workers       int
	Metrics       *monitoring.PrometheusMetrics
	Logger        logrus.FieldLogger
}

func New(l *ledger.Ledger, opts Options) *Evaluator {
	tiers := append([]domain.Tier(nil), opts.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Threshold < tiers[j].Threshold })
	return &Evaluator{
		st:            l.Store(),
		ledger:        l,
		tiers:         tiers,
		includeProfit: opts.IncludeProfit,
		workers:       opts.Workers,
		metrics:       opts.Metrics,
		log:           logging.Component(opts.Logger, "rank"),
		now:           l.Now,
	}
}

func (e *Evaluator) Tiers() []domain.Tier { return append([]domain.Tier(nil), e.tiers...) }

func SalaryKey(user domain.UserID, period domain.Period) string {
	return fmt.Sprintf("salary:%d:%s", user, period)
}

func (e *Evaluator) statusTx(ctx context.Context, tx store.Tx, user domain.UserID) (Status, error) {
	if _, err := tx.User(ctx, user); err != nil {
		return Status{}, err
	}
	left, err := tree.LegVolume(ctx, tx, user, domain.LegLeft, e.includeProfit)
	if err != nil {
		return Status{}, err
	}
	right, err := tree.LegVolume(ctx, tx, user, domain.LegRight, e.includeProfit)
	if err != nil {
		return Status{}, err
	}
	s := Evaluate(e.tiers, left, right)
	s.UserID = user
	return s, nil
}

func (e *Evaluator) Status(ctx context.Context, user domain.UserID) (Status, error) {
	var s Status
	err := e.st.View(ctx, func(tx store.Tx) error {
		var err error
		s, err = e.statusTx(ctx, tx, user)
		return err
	})
	return s, err
}

type Report struct {
	Period      domain.Period  `json:"period"`
	Users       int            `json:"users"`
	Paid        int            `json:"paid"`
	AlreadyPaid int            `json:"already_paid"`
	Unranked    int            `json:"unranked"`
	Failed      int            `json:"failed"`
	Total       money.Amount   `json:"total"`
	ByTier      map[string]int `json:"by_tier"`
}

// Run pays one salary per ranked user for period. A per-user marker and
// the entry key both guard against a second payment, so the run can be
// repeated after a partial failure.
func (e *Evaluator) Run(ctx context.Context, period domain.Period) (Report, error) {
	start := time.Now()
	rep := Report{Period: period, ByTier: map[string]int{}}
	if _, err := domain.ParsePeriod(string(period)); err != nil {
		return rep, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if period.End().After(e.now()) {
		return rep, fmt.Errorf("%w: period %s has not ended", domain.ErrBadRequest, period)
	}

	var users []domain.UserID
	if err := e.st.View(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUserIDs(ctx)
		return err
	}); err != nil {
		return rep, err
	}
	rep.Users = len(users)

	var mu sync.Mutex
	runErr := workpool.Run(ctx, e.workers, len(users), func(ctx context.Context, i int) error {
		tier, paid, err := e.pay(ctx, users[i], period)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			rep.Failed++
			return fmt.Errorf("user %d: %w", users[i], err)
		case tier == nil:
			rep.Unranked++
		case !paid:
			rep.AlreadyPaid++
		default:
			rep.Paid++
			rep.Total += tier.Salary
			rep.ByTier[tier.Name]++
		}
		return nil
	})

	outcome := "ok"
	if runErr != nil {
		outcome = "partial"
	}
	e.metrics.RecordJob(jobName, outcome, time.Since(start), rep.Paid, rep.Failed)
	e.log.WithFields(logrus.Fields{
		"period": period, "paid": rep.Paid, "already_paid": rep.AlreadyPaid, "failed": rep.Failed, "total": rep.Total.String(),
	}).Info("salary run finished")
	return rep, runErr
}

func (e *Evaluator) pay(ctx context.Context, user domain.UserID, period domain.Period) (*domain.Tier, bool, error) {
	var tier *domain.Tier
	paid := false
	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		s, err := e.statusTx(ctx, tx, user)
		if err != nil {
			return err
		}
		if s.Rank == nil {
			return nil
		}
		tier = s.Rank
		fresh, err := tx.MarkSalaryPeriod(ctx, user, period, tier.Name)
		if err != nil || !fresh {
			return err
		}
		if tier.Salary <= 0 {
			return nil
		}
		_, err = e.ledger.PostCompletedTx(ctx, tx, ledger.Posting{
			UserID:         user,
			Wallet:         domain.WalletPackage,
			Amount:         tier.Salary,
			Direction:      domain.Credit,
			Source:         domain.SourceSalaryIncome,
			Description:    fmt.Sprintf("%s salary %s", tier.Name, period),
			IdempotencyKey: SalaryKey(user, period),
		})
		if errors.Is(err, domain.ErrDuplicateBonus) {
			return nil
		}
		if err != nil {
			return err
		}
		paid = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return tier, paid, nil
}
