// Package commission derives referral income from deposits and profits.
//
// Every posting carries an explicit idempotency key, so re-running a
// trigger is a silent no-op rather than a double payment.
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/monitoring"
	"vestnet/internal/store"
	"vestnet/internal/tree"
)

type Config struct {
	DirectBP int64
	LevelBPs []int64
}

type Engine struct {
	ledger   *ledger.Ledger
	st       store.Store
	directBP int64
	levelBPs []int64
	metrics  *monitoring.PrometheusMetrics
	log      *logrus.Entry
}

func New(l *ledger.Ledger, cfg Config, metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger) *Engine {
	levels := make([]int64, len(cfg.LevelBPs))
	copy(levels, cfg.LevelBPs)
	return &Engine{
		ledger:   l,
		st:       l.Store(),
		directBP: cfg.DirectBP,
		levelBPs: levels,
		metrics:  metrics,
		log:      logging.Component(logger, "commission"),
	}
}

// Levels is the number of ancestor levels paid on a profit event.
func (e *Engine) Levels() int { return len(e.levelBPs) }

// TeamShareBP is the combined team-income share of a full chain.
func (e *Engine) TeamShareBP() int64 {
	var sum int64
	for _, bp := range e.levelBPs {
		sum += bp
	}
	return sum
}

func DirectKey(sponsor, referred domain.UserID) string {
	return fmt.Sprintf("direct:%d:%d", sponsor, referred)
}

func TeamKey(sourceEvent string, level int) string {
	return fmt.Sprintf("team:%s:%d", sourceEvent, level)
}

// BonusResult reports what a direct-bonus trigger did.
type BonusResult struct {
	Paid        bool               `json:"paid"`
	Duplicate   bool               `json:"duplicate"`
	Reason      string             `json:"reason,omitempty"`
	Transaction domain.Transaction `json:"transaction"`
}

// DirectBonus pays the referral sponsor of referred a share of referred's
// first completed deposit. Safe to call on every deposit completion: only
// the first call for a (sponsor, referred) pair posts anything.
func (e *Engine) DirectBonus(ctx context.Context, referred domain.UserID) (BonusResult, error) {
	var res BonusResult
	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.DirectBonusTx(ctx, tx, referred)
		return err
	})
	return res, err
}

func (e *Engine) DirectBonusTx(ctx context.Context, tx store.Tx, referred domain.UserID) (BonusResult, error) {
	u, err := tx.User(ctx, referred)
	if err != nil {
		return BonusResult{}, err
	}
	if u.SponsorID == 0 {
		return BonusResult{Reason: "no sponsor"}, nil
	}
	first, err := tx.FirstCompleted(ctx, referred, domain.DepositSources)
	if errors.Is(err, domain.ErrNotFound) {
		return BonusResult{Reason: "no completed deposit"}, nil
	}
	if err != nil {
		return BonusResult{}, err
	}
	amount := money.Percent(first.Amount, e.directBP)
	if amount <= 0 {
		return BonusResult{Reason: "zero bonus"}, nil
	}

	t, err := e.ledger.PostCompletedTx(ctx, tx, ledger.Posting{
		UserID:         u.SponsorID,
		Wallet:         domain.WalletPackage,
		Amount:         amount,
		Direction:      domain.Credit,
		Source:         domain.SourceDirectIncome,
		Description:    fmt.Sprintf("direct bonus for referral %d", referred),
		Level:          1,
		OriginUser:     referred,
		IdempotencyKey: DirectKey(u.SponsorID, referred),
	})
	if errors.Is(err, domain.ErrDuplicateBonus) {
		return BonusResult{Duplicate: true, Reason: "already paid", Transaction: t}, nil
	}
	if err != nil {
		return BonusResult{}, err
	}
	e.metrics.RecordCommission("direct", 1)
	e.log.WithFields(logrus.Fields{
		"sponsor_id": u.SponsorID, "referred_id": referred, "amount": amount.String(), "deposit_tx": first.ID,
	}).Info("direct bonus paid")
	return BonusResult{Paid: true, Transaction: t}, nil
}

// TeamIncomeTx credits the tree ancestors of origin with their level share
// of profit. Missing levels pay nothing; the shares of the levels present
// sum to exactly floor(profit x their combined rate). Already paid levels
// are returned without posting again.
func (e *Engine) TeamIncomeTx(ctx context.Context, tx store.Tx, origin domain.UserID, profit money.Amount, sourceEvent, originInvestment string) ([]domain.Transaction, error) {
	if profit <= 0 || len(e.levelBPs) == 0 {
		return nil, nil
	}
	if sourceEvent == "" {
		return nil, fmt.Errorf("%w: team income needs a source event", domain.ErrBadRequest)
	}
	ancestors, err := tree.Ancestors(ctx, tx, origin, len(e.levelBPs))
	if err != nil {
		return nil, err
	}
	shares := money.Allocate(profit, e.levelBPs[:len(ancestors)])

	out := make([]domain.Transaction, 0, len(ancestors))
	paid := 0
	for i, beneficiary := range ancestors {
		level := i + 1
		if shares[i] <= 0 {
			continue
		}
		t, err := e.ledger.PostCompletedTx(ctx, tx, ledger.Posting{
			UserID:           beneficiary,
			Wallet:           domain.WalletPackage,
			Amount:           shares[i],
			Direction:        domain.Credit,
			Source:           domain.SourceTeamIncome,
			Description:      fmt.Sprintf("team income level %d from user %d", level, origin),
			Level:            level,
			OriginInvestment: originInvestment,
			OriginUser:       origin,
			IdempotencyKey:   TeamKey(sourceEvent, level),
		})
		if err != nil && !errors.Is(err, domain.ErrDuplicateBonus) {
			return nil, fmt.Errorf("team income level %d: %w", level, err)
		}
		if err == nil {
			paid++
		}
		out = append(out, t)
	}
	e.metrics.RecordCommission("team", paid)
	if paid > 0 {
		e.log.WithFields(logrus.Fields{
			"origin_id": origin, "profit": profit.String(), "levels": paid, "source_event": sourceEvent,
		}).Debug("team income paid")
	}
	return out, nil
}

func (e *Engine) TeamIncome(ctx context.Context, origin domain.UserID, profit money.Amount, sourceEvent, originInvestment string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.TeamIncomeTx(ctx, tx, origin, profit, sourceEvent, originInvestment)
		return err
	})
	return out, err
}
