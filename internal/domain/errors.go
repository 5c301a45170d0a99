package domain

import (
	"errors"
	"fmt"
	"time"

	"vestnet/internal/money"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownSponsor      = errors.New("unknown sponsor")
	ErrInvalidPlacement    = errors.New("invalid placement")
	ErrDuplicateBonus      = errors.New("duplicate bonus")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNotEligible         = errors.New("not eligible")
	ErrConcurrentModify    = errors.New("concurrent modification")
	ErrForbidden           = errors.New("forbidden")
	ErrOTPInvalid          = errors.New("otp invalid")
	ErrAlreadyExists       = errors.New("already exists")
	ErrBadRequest          = errors.New("bad request")
)

// InsufficientBalanceError carries what the UI needs to explain a refused debit.
type InsufficientBalanceError struct {
	Wallet    WalletClass
	Requested money.Amount
	Available money.Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in %s wallet: requested %s, available %s", e.Wallet, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Needed is the shortfall.
func (e *InsufficientBalanceError) Needed() money.Amount { return e.Requested - e.Available }

type InvalidAmountError struct {
	Amount  money.Amount
	Minimum money.Amount
	Step    money.Amount
}

func (e *InvalidAmountError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("invalid amount %s: minimum %s, step %s", e.Amount, e.Minimum, e.Step)
	}
	return fmt.Sprintf("invalid amount %s", e.Amount)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// NotEligibleError is returned for locked investments and for requests or
// investments that are not in a state that allows the action.
type NotEligibleError struct {
	Reason        string
	EligibleAt    time.Time
	RemainingDays int
}

func (e *NotEligibleError) Error() string {
	if !e.EligibleAt.IsZero() {
		return fmt.Sprintf("not eligible: %s (eligible at %s, %d days remaining)", e.Reason, e.EligibleAt.UTC().Format(time.RFC3339), e.RemainingDays)
	}
	return "not eligible: " + e.Reason
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// LockedUntil builds the error for an investment still inside its lock period.
// Partial days round up so the UI never shows 0 days for a locked investment.
func LockedUntil(unlockAt, now time.Time) *NotEligibleError {
	remaining := unlockAt.Sub(now)
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return &NotEligibleError{Reason: "investment is locked", EligibleAt: unlockAt, RemainingDays: days}
}

// ValidateAmount checks the request boundary rules: positive, at least min,
// and a whole multiple of step when step is set.
func ValidateAmount(amount, minimum, step money.Amount) error {
	if amount <= 0 || amount < minimum || (step > 0 && amount%step != 0) {
		return &InvalidAmountError{Amount: amount, Minimum: minimum, Step: step}
	}
	return nil
}
