// Package requests drives deposits, withdrawals and transfers through
// their approval states:
//
//	REQUESTED -> [OTP_VERIFIED] -> PENDING_REVIEW -> COMPLETED | REJECTED
//
// Entering PENDING_REVIEW writes the pending ledger entry, so a withdrawal
// reserves its funds before an admin ever sees it. Transfers complete in
// one step.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vestnet/internal/commission"
	"vestnet/internal/domain"
	"vestnet/internal/events"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/money"
	"vestnet/internal/monitoring"
	"vestnet/internal/notify"
	"vestnet/internal/otp"
	"vestnet/internal/store"
)

// OTP is the part of *otp.Service the state machine needs.
type OTP interface {
	Issue(ctx context.Context, user domain.UserID, destination string, purpose otp.Purpose, subject string) (string, error)
	Check(ctx context.Context, sessionID string, user domain.UserID, purpose otp.Purpose, subject, code string) error
	Consume(ctx context.Context, sessionID string) error
}

type Notifier interface {
	Enqueue(n notify.Notice, destination string)
}

type Limit struct {
	Min  money.Amount
	Step money.Amount
}

type Options struct {
	Deposit    Limit
	Withdrawal Limit
	Transfer   Limit

	RequireDepositOTP    bool
	RequireWithdrawalOTP bool

	RateBP     int64
	LockMonths int

	// Events receives completed deposits. When nil the direct bonus is
	// paid inside the approval transaction.
	Events events.Publisher
	// Notifier, when set, hears about requests settled by review.
	Notifier Notifier
	Metrics  *monitoring.PrometheusMetrics
	Logger  logrus.FieldLogger
}

type Service struct {
	st      store.Store
	ledger  *ledger.Ledger
	comm    *commission.Engine
	otp     OTP
	opts    Options
	metrics *monitoring.PrometheusMetrics
	log     *logrus.Entry
}

func New(l *ledger.Ledger, comm *commission.Engine, codes OTP, opts Options) *Service {
	if opts.LockMonths <= 0 {
		opts.LockMonths = 6
	}
	return &Service{
		st:      l.Store(),
		ledger:  l,
		comm:    comm,
		otp:     codes,
		opts:    opts,
		metrics: opts.Metrics,
		log:     logging.Component(opts.Logger, "requests"),
	}
}

// Result is what every command reports back.
type Result struct {
	RequestID         string              `json:"request_id"`
	Kind              domain.RequestKind  `json:"kind"`
	State             domain.RequestState `json:"state"`
	TransactionID     string              `json:"transaction_id,omitempty"`
	TransactionStatus domain.Status       `json:"transaction_status,omitempty"`
	InvestmentID      string              `json:"investment_id,omitempty"`
	OTPSession        string              `json:"otp_session,omitempty"`
	Terminal          bool                `json:"terminal"`
}

func resultOf(r domain.Request, t *domain.Transaction) Result {
	res := Result{
		RequestID:     r.ID,
		Kind:          r.Kind,
		State:         r.State,
		TransactionID: r.TransactionID,
		InvestmentID:  r.InvestmentID,
		Terminal:      r.State.Terminal(),
	}
	if r.State == domain.StateRequested {
		res.OTPSession = r.OTPSession
	}
	if t != nil {
		res.TransactionStatus = t.Status
	}
	return res
}

type DepositInput struct {
	UserID domain.UserID
	// Wallet investment opens an investment on approval.
	Wallet   domain.WalletClass
	Amount   money.Amount
	ProofRef string
}

func (s *Service) RequestDeposit(ctx context.Context, in DepositInput) (Result, error) {
	if in.Wallet == "" {
		in.Wallet = domain.WalletInvestment
	}
	if !in.Wallet.Valid() {
		return Result{}, fmt.Errorf("%w: wallet %q", domain.ErrBadRequest, in.Wallet)
	}
	if err := domain.ValidateAmount(in.Amount, s.opts.Deposit.Min, s.opts.Deposit.Step); err != nil {
		return Result{}, err
	}
	r := domain.Request{
		ID:       uuid.NewString(),
		Kind:     domain.RequestDeposit,
		UserID:   in.UserID,
		State:    domain.StateRequested,
		Wallet:   in.Wallet,
		Amount:   in.Amount,
		ProofRef: in.ProofRef,
	}
	return s.open(ctx, r, s.opts.RequireDepositOTP, otp.PurposeDeposit, nil)
}

type WithdrawalInput struct {
	UserID domain.UserID
	Wallet domain.WalletClass
	Amount money.Amount
	// InvestmentID withdraws the principal of one investment. Amount is
	// then taken from the investment.
	InvestmentID string
}

func (s *Service) RequestWithdrawal(ctx context.Context, in WithdrawalInput) (Result, error) {
	r := domain.Request{
		ID:           uuid.NewString(),
		Kind:         domain.RequestWithdrawal,
		UserID:       in.UserID,
		State:        domain.StateRequested,
		Wallet:       in.Wallet,
		Amount:       in.Amount,
		InvestmentID: in.InvestmentID,
	}
	if in.InvestmentID != "" {
		r.Wallet = domain.WalletInvestment
		// fail fast; the same checks run again under lock on review
		check := func(ctx context.Context, tx store.Tx) error {
			inv, err := s.withdrawableInvestment(ctx, tx, in.UserID, in.InvestmentID, false)
			if err != nil {
				return err
			}
			if in.Amount != 0 && in.Amount != inv.Principal {
				return fmt.Errorf("%w: investment withdrawal must be the full principal %s", domain.ErrBadRequest, inv.Principal)
			}
			if err := domain.ValidateAmount(inv.Principal, s.opts.Withdrawal.Min, s.opts.Withdrawal.Step); err != nil {
				return err
			}
			r.Amount = inv.Principal
			return nil
		}
		return s.open(ctx, r, s.opts.RequireWithdrawalOTP, otp.PurposeWithdrawal, check)
	}

	if r.Wallet == "" {
		r.Wallet = domain.WalletPackage
	}
	if !r.Wallet.Valid() {
		return Result{}, fmt.Errorf("%w: wallet %q", domain.ErrBadRequest, r.Wallet)
	}
	if err := domain.ValidateAmount(in.Amount, s.opts.Withdrawal.Min, s.opts.Withdrawal.Step); err != nil {
		return Result{}, err
	}
	check := func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Wallet(ctx, r.UserID, r.Wallet)
		if err != nil {
			return err
		}
		avail, _, err := ledger.Available(ctx, tx, w)
		if err != nil {
			return err
		}
		if avail < r.Amount {
			return &domain.InsufficientBalanceError{Wallet: r.Wallet, Requested: r.Amount, Available: max(avail, 0)}
		}
		return nil
	}
	return s.open(ctx, r, s.opts.RequireWithdrawalOTP, otp.PurposeWithdrawal, check)
}

// withdrawableInvestment loads an investment of user and checks it may be
// withdrawn now. An active investment past its unlock date counts as
// eligible even if the scheduler has not flipped it yet.
func (s *Service) withdrawableInvestment(ctx context.Context, tx store.Tx, user domain.UserID, id string, forUpdate bool) (domain.Investment, error) {
	inv, err := tx.Investment(ctx, id, forUpdate)
	if err != nil {
		return domain.Investment{}, err
	}
	if inv.UserID != user {
		return domain.Investment{}, fmt.Errorf("%w: investment %s", domain.ErrNotFound, id)
	}
	now := s.ledger.Now()
	switch inv.Status {
	case domain.InvestmentEligible:
		return inv, nil
	case domain.InvestmentActive:
		if now.Before(inv.UnlockAt) {
			return domain.Investment{}, domain.LockedUntil(inv.UnlockAt, now)
		}
		return inv, nil
	default:
		return domain.Investment{}, &domain.NotEligibleError{Reason: fmt.Sprintf("investment is %s", inv.Status)}
	}
}

// open stores a new request. With OTP required it waits in REQUESTED for
// VerifyOTP; otherwise it goes straight to review.
func (s *Service) open(ctx context.Context, r domain.Request, needOTP bool, purpose otp.Purpose, check func(context.Context, store.Tx) error) (Result, error) {
	var user domain.User
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		if user, err = tx.User(ctx, r.UserID); err != nil {
			return err
		}
		if check != nil {
			return check(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if needOTP {
		if s.otp == nil {
			return Result{}, errors.New("otp required but no otp service configured")
		}
		sess, err := s.otp.Issue(ctx, r.UserID, user.Destination, purpose, r.ID)
		if err != nil {
			return Result{}, err
		}
		r.OTPSession = sess
	}

	var res Result
	err = s.st.WithTx(ctx, func(tx store.Tx) error {
		now := s.ledger.Now()
		r.CreatedAt, r.UpdatedAt = now, now
		if err := tx.CreateRequest(ctx, r); err != nil {
			return err
		}
		if needOTP {
			res = resultOf(r, nil)
			return nil
		}
		var err error
		res, err = s.toReview(ctx, tx, r)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.transition(r, res.State)
	return res, nil
}

// VerifyOTP confirms the code of a REQUESTED request and moves it on to
// review. A request that is already past REQUESTED is returned unchanged.
func (s *Service) VerifyOTP(ctx context.Context, user domain.UserID, requestID, code string) (Result, error) {
	var r domain.Request
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Request(ctx, requestID, false)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if r.UserID != user {
		return Result{}, fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
	}
	if r.State != domain.StateRequested {
		return s.Get(ctx, requestID)
	}
	if r.OTPSession == "" {
		return Result{}, &domain.NotEligibleError{Reason: "request has no pending code"}
	}
	purpose := otp.PurposeDeposit
	if r.Kind == domain.RequestWithdrawal {
		purpose = otp.PurposeWithdrawal
	}
	if err := s.otp.Check(ctx, r.OTPSession, user, purpose, r.ID, code); err != nil {
		return Result{}, err
	}

	var res Result
	err = s.st.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.Request(ctx, requestID, true)
		if err != nil {
			return err
		}
		if r.State != domain.StateRequested {
			res = resultOf(r, nil)
			return nil
		}
		r.State = domain.StateOTPVerified
		r.UpdatedAt = s.ledger.Now()
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		res, err = s.toReview(ctx, tx, r)
		return err
	})
	if err == nil {
		s.consumeCode(ctx, r)
		s.transition(r, res.State)
		return res, nil
	}

	// A request that can no longer be funded is closed so it does not sit
	// in REQUESTED forever. Any other failure keeps the code valid and the
	// user can verify again.
	if errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, domain.ErrNotEligible) {
		if _, rerr := s.close(ctx, requestID, 0, err.Error()); rerr != nil {
			s.log.WithError(rerr).WithField("request_id", requestID).Error("failed to close unfundable request")
		} else {
			s.consumeCode(ctx, r)
		}
	}
	return Result{}, err
}

// consumeCode drops the session once the request has left REQUESTED. A
// leftover session is harmless: VerifyOTP ignores requests past that state.
func (s *Service) consumeCode(ctx context.Context, r domain.Request) {
	if err := s.otp.Consume(ctx, r.OTPSession); err != nil {
		s.log.WithError(err).WithField("request_id", r.ID).Warn("otp session not consumed")
	}
}

// toReview writes the pending entry and parks r in PENDING_REVIEW. An
// investment withdrawal also moves the investment to withdrawing, which
// releases its principal for the hold.
func (s *Service) toReview(ctx context.Context, tx store.Tx, r domain.Request) (Result, error) {
	p := ledger.Posting{
		UserID: r.UserID,
		Wallet: r.Wallet,
		Amount: r.Amount,
	}
	switch r.Kind {
	case domain.RequestDeposit:
		p.Direction = domain.Credit
		p.Source = domain.SourceDeposit
		if r.Wallet == domain.WalletInvestment {
			p.Source = domain.SourceInvestmentDeposit
		}
		p.Description = "deposit " + r.ID
	case domain.RequestWithdrawal:
		p.Direction = domain.Debit
		p.Source = domain.SourceWithdrawal
		p.Description = "withdrawal " + r.ID
		if r.InvestmentID != "" {
			inv, err := s.withdrawableInvestment(ctx, tx, r.UserID, r.InvestmentID, true)
			if err != nil {
				return Result{}, err
			}
			inv.Status = domain.InvestmentWithdrawing
			inv.UpdatedAt = s.ledger.Now()
			if err := tx.UpdateInvestment(ctx, inv); err != nil {
				return Result{}, err
			}
			p.Source = domain.SourceInvestmentWithdrawal
			p.OriginInvestment = inv.ID
			p.Amount = inv.Principal
			r.Amount = inv.Principal
		}
	default:
		return Result{}, fmt.Errorf("%w: %s requests are not reviewed", domain.ErrBadRequest, r.Kind)
	}
	p.IdempotencyKey = "request:" + r.ID

	t, err := s.ledger.PostPendingTx(ctx, tx, p)
	if err != nil && !errors.Is(err, domain.ErrDuplicateBonus) {
		return Result{}, err
	}
	r.State = domain.StatePendingReview
	r.TransactionID = t.ID
	r.UpdatedAt = s.ledger.Now()
	if err := tx.UpdateRequest(ctx, r); err != nil {
		return Result{}, err
	}
	return resultOf(r, &t), nil
}

// Approve completes a request under review. Approving a terminal request
// returns it unchanged.
func (s *Service) Approve(ctx context.Context, admin domain.UserID, requestID, note string) (Result, error) {
	var res Result
	var r domain.Request
	changed := false
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Request(ctx, requestID, true)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			res, err = s.resultTx(ctx, tx, r)
			return err
		}
		if r.State != domain.StatePendingReview {
			return &domain.NotEligibleError{Reason: fmt.Sprintf("request is %s", r.State)}
		}

		now := s.ledger.Now()
		// investment row before the wallet, same order as accrual
		var inv domain.Investment
		if r.Kind == domain.RequestWithdrawal && r.InvestmentID != "" {
			if inv, err = tx.Investment(ctx, r.InvestmentID, true); err != nil {
				return err
			}
		}
		t, err := s.ledger.CompleteTx(ctx, tx, r.TransactionID)
		if err != nil {
			return err
		}
		switch {
		case r.Kind == domain.RequestDeposit && r.Wallet == domain.WalletInvestment:
			inv, err := s.openInvestment(ctx, tx, r.UserID, r.Amount, t.ID, now)
			if err != nil {
				return err
			}
			r.InvestmentID = inv.ID
		case r.Kind == domain.RequestWithdrawal && r.InvestmentID != "":
			inv.Status = domain.InvestmentWithdrawn
			inv.UpdatedAt = now
			if err := tx.UpdateInvestment(ctx, inv); err != nil {
				return err
			}
		}
		if r.Kind == domain.RequestDeposit && s.opts.Events == nil {
			if _, err := s.comm.DirectBonusTx(ctx, tx, r.UserID); err != nil {
				return fmt.Errorf("direct bonus: %w", err)
			}
		}

		r.State = domain.StateCompleted
		r.ReviewedBy = admin
		r.Note = note
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		res = resultOf(r, &t)
		changed = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return res, nil
	}
	s.transition(r, res.State)
	if r.Kind == domain.RequestDeposit && s.opts.Events != nil {
		s.publishDeposit(ctx, r)
	}
	s.notify(ctx, r)
	s.log.WithFields(logrus.Fields{"request_id": r.ID, "kind": r.Kind, "admin_id": admin, "state": res.State}).Info("request approved")
	return res, nil
}

func (s *Service) publishDeposit(ctx context.Context, r domain.Request) {
	ev := events.DepositCompleted{UserID: r.UserID, TransactionID: r.TransactionID, RequestID: r.ID}
	if err := s.opts.Events.PublishDeposit(ctx, ev); err != nil {
		// the bonus is keyed per pair, so running it inline cannot double pay
		s.log.WithError(err).WithField("request_id", r.ID).Warn("deposit event not published, paying bonus inline")
		if _, err := s.comm.DirectBonus(ctx, r.UserID); err != nil {
			s.log.WithError(err).WithField("user_id", r.UserID).Error("direct bonus failed")
		}
	}
}

// notify tells the owner that r was settled by review. The destination is
// read after commit; a lookup failure only costs the Telegram message.
func (s *Service) notify(ctx context.Context, r domain.Request) {
	if s.opts.Notifier == nil {
		return
	}
	var dest string
	err := s.st.View(ctx, func(tx store.Tx) error {
		u, err := tx.User(ctx, r.UserID)
		dest = u.Destination
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("user_id", r.UserID).Warn("notification destination lookup failed")
	}
	s.opts.Notifier.Enqueue(notify.Notice{
		UserID:    r.UserID,
		RequestID: r.ID,
		Kind:      r.Kind,
		State:     r.State,
		Amount:    r.Amount,
		Note:      r.Note,
		CreatedAt: r.UpdatedAt,
	}, dest)
}

func (s *Service) openInvestment(ctx context.Context, tx store.Tx, user domain.UserID, principal money.Amount, sourceTx string, now time.Time) (domain.Investment, error) {
	inv := domain.Investment{
		ID:         uuid.NewString(),
		UserID:     user,
		Principal:  principal,
		RateBP:     s.opts.RateBP,
		StartedAt:  now,
		UnlockAt:   now.AddDate(0, s.opts.LockMonths, 0),
		Status:     domain.InvestmentActive,
		SourceTxID: sourceTx,
		UpdatedAt:  now,
	}
	if err := tx.CreateInvestment(ctx, inv); err != nil {
		return domain.Investment{}, err
	}
	s.log.WithFields(logrus.Fields{"investment_id": inv.ID, "user_id": user, "principal": principal.String()}).Info("investment opened")
	return inv, nil
}

// Reject cancels a request in any non-terminal state and releases what it
// reserved. Rejecting a terminal request returns it unchanged.
func (s *Service) Reject(ctx context.Context, admin domain.UserID, requestID, note string) (Result, error) {
	return s.close(ctx, requestID, admin, note)
}

func (s *Service) close(ctx context.Context, requestID string, admin domain.UserID, note string) (Result, error) {
	var res Result
	var r domain.Request
	changed := false
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Request(ctx, requestID, true)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			res, err = s.resultTx(ctx, tx, r)
			return err
		}
		now := s.ledger.Now()
		var inv domain.Investment
		withdrawing := false
		if r.Kind == domain.RequestWithdrawal && r.InvestmentID != "" {
			if inv, err = tx.Investment(ctx, r.InvestmentID, true); err != nil {
				return err
			}
			withdrawing = inv.Status == domain.InvestmentWithdrawing
		}
		var t *domain.Transaction
		if r.TransactionID != "" {
			settled, err := s.ledger.RejectTx(ctx, tx, r.TransactionID)
			if err != nil {
				return err
			}
			t = &settled
		}
		if withdrawing {
			inv.Status = domain.InvestmentEligible
			inv.UpdatedAt = now
			if err := tx.UpdateInvestment(ctx, inv); err != nil {
				return err
			}
		}
		r.State = domain.StateRejected
		r.ReviewedBy = admin
		r.Note = note
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		res = resultOf(r, t)
		changed = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return res, nil
	}
	s.transition(r, res.State)
	s.notify(ctx, r)
	s.log.WithFields(logrus.Fields{"request_id": r.ID, "kind": r.Kind, "admin_id": admin, "state": res.State}).Info("request rejected")
	return res, nil
}

// Transfer moves funds between package wallets at once, recorded as a
// completed transfer request.
func (s *Service) Transfer(ctx context.Context, sender domain.UserID, recipientCode string, amount money.Amount) (Result, error) {
	if err := domain.ValidateAmount(amount, s.opts.Transfer.Min, s.opts.Transfer.Step); err != nil {
		return Result{}, err
	}
	r := domain.Request{
		ID:     uuid.NewString(),
		Kind:   domain.RequestTransfer,
		UserID: sender,
		State:  domain.StateRequested,
		Wallet: domain.WalletPackage,
		Amount: amount,
	}
	var res Result
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		recipient, err := ledger.ResolveRecipient(ctx, tx, sender, recipientCode)
		if err != nil {
			return err
		}
		now := s.ledger.Now()
		r.Note = fmt.Sprintf("to user %d", recipient.ID)
		r.CreatedAt, r.UpdatedAt = now, now
		if err := tx.CreateRequest(ctx, r); err != nil {
			return err
		}
		out, err := s.ledger.TransferTx(ctx, tx, sender, recipient.ID, amount, r.ID)
		if err != nil {
			return err
		}
		r.State = domain.StateCompleted
		r.TransactionID = out.Out.ID
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		res = resultOf(r, &out.Out)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.transition(r, res.State)
	return res, nil
}

// AdminCredit credits a user directly. Crediting the investment wallet
// opens an investment and counts as a deposit for the direct bonus; a
// package credit does not.
func (s *Service) AdminCredit(ctx context.Context, admin, user domain.UserID, wallet domain.WalletClass, amount money.Amount, note string) (Result, error) {
	if !wallet.Valid() {
		return Result{}, fmt.Errorf("%w: wallet %q", domain.ErrBadRequest, wallet)
	}
	if amount <= 0 {
		return Result{}, &domain.InvalidAmountError{Amount: amount}
	}
	// an investment principal is only ever withdrawn whole
	if wallet == domain.WalletInvestment {
		if err := domain.ValidateAmount(amount, s.opts.Withdrawal.Min, s.opts.Withdrawal.Step); err != nil {
			return Result{}, err
		}
	}
	r := domain.Request{
		ID:         uuid.NewString(),
		Kind:       domain.RequestDeposit,
		UserID:     user,
		State:      domain.StateRequested,
		Wallet:     wallet,
		Amount:     amount,
		Note:       note,
		ReviewedBy: admin,
	}
	var res Result
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.User(ctx, user); err != nil {
			return err
		}
		now := s.ledger.Now()
		r.CreatedAt, r.UpdatedAt = now, now
		if err := tx.CreateRequest(ctx, r); err != nil {
			return err
		}
		p := ledger.Posting{
			UserID:         user,
			Wallet:         wallet,
			Amount:         amount,
			Direction:      domain.Credit,
			Source:         domain.SourceAdminCredit,
			Description:    fmt.Sprintf("admin credit by %d", admin),
			IdempotencyKey: "request:" + r.ID,
		}
		if wallet == domain.WalletInvestment {
			p.Source = domain.SourceInvestmentDeposit
		}
		t, err := s.ledger.PostCompletedTx(ctx, tx, p)
		if err != nil {
			return err
		}
		r.TransactionID = t.ID
		if wallet == domain.WalletInvestment {
			inv, err := s.openInvestment(ctx, tx, user, amount, t.ID, now)
			if err != nil {
				return err
			}
			r.InvestmentID = inv.ID
			if s.opts.Events == nil {
				if _, err := s.comm.DirectBonusTx(ctx, tx, user); err != nil {
					return fmt.Errorf("direct bonus: %w", err)
				}
			}
		}
		r.State = domain.StateCompleted
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		res = resultOf(r, &t)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.transition(r, res.State)
	if wallet == domain.WalletInvestment && s.opts.Events != nil {
		s.publishDeposit(ctx, r)
	}
	s.log.WithFields(logrus.Fields{"user_id": user, "admin_id": admin, "wallet": wallet, "amount": amount.String()}).Info("admin credit")
	return res, nil
}

func (s *Service) resultTx(ctx context.Context, tx store.Tx, r domain.Request) (Result, error) {
	if r.TransactionID == "" {
		return resultOf(r, nil), nil
	}
	t, err := tx.Transaction(ctx, r.TransactionID, false)
	if err != nil {
		return Result{}, err
	}
	return resultOf(r, &t), nil
}

func (s *Service) Get(ctx context.Context, requestID string) (Result, error) {
	var res Result
	err := s.st.View(ctx, func(tx store.Tx) error {
		r, err := tx.Request(ctx, requestID, false)
		if err != nil {
			return err
		}
		res, err = s.resultTx(ctx, tx, r)
		return err
	})
	return res, err
}

func (s *Service) Request(ctx context.Context, requestID string) (domain.Request, error) {
	var r domain.Request
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.Request(ctx, requestID, false)
		return err
	})
	return r, err
}

// List returns requests newest first. Pending review is the admin queue.
func (s *Service) List(ctx context.Context, f domain.RequestFilter) ([]domain.Request, error) {
	var out []domain.Request
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListRequests(ctx, f)
		return err
	})
	if out == nil {
		out = []domain.Request{}
	}
	return out, err
}

func (s *Service) Investments(ctx context.Context, user domain.UserID) ([]domain.Investment, error) {
	var out []domain.Investment
	err := s.st.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListInvestments(ctx, domain.InvestmentFilter{UserID: user})
		return err
	})
	if out == nil {
		out = []domain.Investment{}
	}
	return out, err
}

func (s *Service) transition(r domain.Request, to domain.RequestState) {
	s.metrics.RecordTransition(string(r.Kind), string(to))
}
