// Package accrual pays monthly investment profit and the team income
// derived from it.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vestnet/internal/commission"
	"vestnet/internal/domain"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/monitoring"
	"vestnet/internal/store"
	"vestnet/internal/workpool"
)

const jobName = "accrual"

type Scheduler struct {
	st      store.Store
	ledger  *ledger.Ledger
	comm    *commission.Engine
	workers int
	metrics *monitoring.PrometheusMetrics
	log     *logrus.Entry
	now     func() time.Time
}

func New(l *ledger.Ledger, comm *commission.Engine, workers int, metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		st:      l.Store(),
		ledger:  l,
		comm:    comm,
		workers: workers,
		metrics: metrics,
		log:     logging.Component(logger, "accrual"),
		now:     l.Now,
	}
}

func ProfitKey(investmentID string, period domain.Period) string {
	return fmt.Sprintf("profit:%s:%s", investmentID, period)
}

// Report summarizes one run. Accrued, Skipped and Failed count
// investments; Months counts monthly profit postings, BackFilled those for
// months before Period.
type Report struct {
	Period     domain.Period `json:"period"`
	Refreshed  int           `json:"refreshed"`
	Candidates int           `json:"candidates"`
	Accrued    int           `json:"accrued"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Months     int           `json:"months"`
	BackFilled int           `json:"back_filled"`
	Profit     money.Amount  `json:"profit"`
	TeamIncome money.Amount  `json:"team_income"`
}

// RefreshEligibility moves active investments whose lock has expired to
// eligible. Returns how many changed.
func (s *Scheduler) RefreshEligibility(ctx context.Context) (int, error) {
	now := s.now()
	var due []string
	err := s.st.View(ctx, func(tx store.Tx) error {
		active, err := tx.ListInvestments(ctx, domain.InvestmentFilter{Statuses: []domain.InvestmentStatus{domain.InvestmentActive}})
		if err != nil {
			return err
		}
		for _, inv := range active {
			if !now.Before(inv.UnlockAt) {
				due = append(due, inv.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, id := range due {
		err := s.st.WithTx(ctx, func(tx store.Tx) error {
			inv, err := tx.Investment(ctx, id, true)
			if err != nil {
				return err
			}
			if inv.Status != domain.InvestmentActive || now.Before(inv.UnlockAt) {
				return nil
			}
			inv.Status = domain.InvestmentEligible
			inv.UpdatedAt = now
			if err := tx.UpdateInvestment(ctx, inv); err != nil {
				return err
			}
			changed++
			return nil
		})
		if err != nil {
			return changed, fmt.Errorf("refresh %s: %w", id, err)
		}
	}
	if changed > 0 {
		s.log.WithField("count", changed).Info("investments unlocked")
	}
	return changed, nil
}

type outcome int

const (
	accrued outcome = iota
	skipped
)

// Run brings every accruing investment up to date through period. An
// investment behind by several months (a failed earlier run, or no run at
// all) is paid each missing month in order, one store transaction per
// month, so a failure keeps what was posted and the next run resumes after
// the last paid month.
func (s *Scheduler) Run(ctx context.Context, period domain.Period) (Report, error) {
	start := time.Now()
	rep := Report{Period: period}
	if _, err := domain.ParsePeriod(string(period)); err != nil {
		return rep, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if period.End().After(s.now()) {
		return rep, fmt.Errorf("%w: period %s has not ended", domain.ErrBadRequest, period)
	}

	refreshed, err := s.RefreshEligibility(ctx)
	rep.Refreshed = refreshed
	if err != nil {
		return rep, err
	}

	var ids []string
	err = s.st.View(ctx, func(tx store.Tx) error {
		invs, err := tx.ListInvestments(ctx, domain.InvestmentFilter{
			Statuses:      []domain.InvestmentStatus{domain.InvestmentActive, domain.InvestmentEligible},
			StartedBefore: period.End(),
			NotAccruedFor: period,
		})
		for _, inv := range invs {
			ids = append(ids, inv.ID)
		}
		return err
	})
	if err != nil {
		return rep, err
	}
	rep.Candidates = len(ids)

	var mu sync.Mutex
	runErr := workpool.Run(ctx, s.workers, len(ids), func(ctx context.Context, i int) error {
		c, err := s.catchUp(ctx, ids[i], period)
		mu.Lock()
		defer mu.Unlock()
		rep.Months += c.months
		rep.BackFilled += c.backFilled
		rep.Profit += c.profit
		rep.TeamIncome += c.team
		switch {
		case err != nil:
			rep.Failed++
			return fmt.Errorf("investment %s: %w", ids[i], err)
		case c.months == 0:
			rep.Skipped++
		default:
			rep.Accrued++
		}
		return nil
	})

	outcomeLabel := "ok"
	if runErr != nil {
		outcomeLabel = "partial"
	}
	s.metrics.RecordJob(jobName, outcomeLabel, time.Since(start), rep.Accrued, rep.Failed)
	s.log.WithFields(logrus.Fields{
		"period": period, "accrued": rep.Accrued, "skipped": rep.Skipped, "failed": rep.Failed,
		"months": rep.Months, "back_filled": rep.BackFilled,
		"profit": rep.Profit.String(), "team_income": rep.TeamIncome.String(),
	}).Info("accrual run finished")
	return rep, runErr
}

// owedPeriods lists the months inv has not been paid for, oldest first,
// through the given period.
func owedPeriods(inv domain.Investment, through domain.Period) []domain.Period {
	first := domain.PeriodOf(inv.StartedAt)
	if inv.LastAccrued != "" && !inv.LastAccrued.Before(first) {
		first = inv.LastAccrued.Next()
	}
	var out []domain.Period
	for p := first; !through.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out
}

type caughtUp struct {
	months, backFilled int
	profit, team       money.Amount
}

func (s *Scheduler) catchUp(ctx context.Context, id string, through domain.Period) (caughtUp, error) {
	var c caughtUp
	var inv domain.Investment
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		inv, err = tx.Investment(ctx, id, false)
		return err
	})
	if err != nil {
		return c, err
	}
	for _, p := range owedPeriods(inv, through) {
		res, profit, team, err := s.accrue(ctx, id, p)
		if err != nil {
			return c, fmt.Errorf("period %s: %w", p, err)
		}
		if res == skipped {
			continue
		}
		c.months++
		if p.Before(through) {
			c.backFilled++
		}
		c.profit += profit
		c.team += team
	}
	if c.backFilled > 0 {
		s.log.WithFields(logrus.Fields{"investment_id": id, "months": c.backFilled, "through": through}).Warn("back-filled missed accrual months")
	}
	return c, nil
}

func (s *Scheduler) accrue(ctx context.Context, id string, period domain.Period) (outcome, money.Amount, money.Amount, error) {
	res := skipped
	var profit, team money.Amount
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.Investment(ctx, id, true)
		if err != nil {
			return err
		}
		if !inv.Status.Accrues() || !inv.LastAccrued.Before(period) || !inv.StartedAt.Before(period.End()) {
			return nil
		}
		p := inv.MonthlyProfit()
		if p > 0 {
			t, err := s.ledger.PostCompletedTx(ctx, tx, ledger.Posting{
				UserID:           inv.UserID,
				Wallet:           domain.WalletInvestment,
				Amount:           p,
				Direction:        domain.Credit,
				Source:           domain.SourceMonthlyProfit,
				Description:      fmt.Sprintf("monthly profit %s", period),
				OriginInvestment: inv.ID,
				IdempotencyKey:   ProfitKey(inv.ID, period),
			})
			dup := errors.Is(err, domain.ErrDuplicateBonus)
			if err != nil && !dup {
				return err
			}
			posted, err := s.comm.TeamIncomeTx(ctx, tx, inv.UserID, p, t.ID, inv.ID)
			if err != nil {
				return err
			}
			if !dup {
				inv.AccruedProfit += p
				profit = p
				for _, pt := range posted {
					team += pt.Amount
				}
			}
		}
		inv.LastAccrued = period
		inv.UpdatedAt = s.now()
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		res = accrued
		return nil
	})
	if err != nil {
		return skipped, 0, 0, err
	}
	return res, profit, team, nil
}
