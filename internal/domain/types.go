package domain

import (
	"time"

	"vestnet/internal/money"
)

type UserID int64

type Leg string

const (
	LegLeft  Leg = "LEFT"
	LegRight Leg = "RIGHT"
)

func (l Leg) Valid() bool { return l == LegLeft || l == LegRight }

// User is a node of the placement tree. SponsorID is who referred the user
// and never changes; ParentID/Leg is where the user actually sits, which
// differs from the sponsor after spillover.
type User struct {
	ID           UserID    `json:"id"`
	SponsorID    UserID    `json:"sponsor_id,omitempty"`
	ParentID     UserID    `json:"parent_id,omitempty"`
	Leg          Leg       `json:"leg,omitempty"`
	ReferralCode string    `json:"referral_code"`
	Destination  string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u User) IsRoot() bool { return u.ParentID == 0 }

// Edge links a tree parent to one of its children.
type Edge struct {
	Parent UserID
	Leg    Leg
	Child  UserID
}

type WalletClass string

const (
	WalletPackage    WalletClass = "package"
	WalletInvestment WalletClass = "investment"
)

func (w WalletClass) Valid() bool { return w == WalletPackage || w == WalletInvestment }

// Wallet is the cached view of the ledger for one (user, class).
// Balance counts COMPLETED entries only; Held is the sum of PENDING debits.
type Wallet struct {
	UserID    UserID       `json:"user_id"`
	Class     WalletClass  `json:"class"`
	Balance   money.Amount `json:"balance"`
	Held      money.Amount `json:"held"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusRejected }

type Source string

const (
	SourceDeposit              Source = "deposit"
	SourceInvestmentDeposit    Source = "investment_deposit"
	SourceWithdrawal           Source = "withdrawal"
	SourceInvestmentWithdrawal Source = "investment_withdrawal"
	SourceTransferIn           Source = "transfer_in"
	SourceTransferOut          Source = "transfer_out"
	SourceDirectIncome         Source = "direct_income"
	SourceTeamIncome           Source = "team_income"
	SourceSalaryIncome         Source = "salary_income"
	SourceMonthlyProfit        Source = "monthly_profit"
	SourceAdminCredit          Source = "admin_credit"
)

// DepositSources are the entries that count as a user's deposit for the
// one-time direct bonus.
var DepositSources = []Source{SourceDeposit, SourceInvestmentDeposit}

// Transaction is one immutable ledger entry. Only Status and SettledAt
// change, and only once.
type Transaction struct {
	ID               string       `json:"id"`
	UserID           UserID       `json:"user_id"`
	Wallet           WalletClass  `json:"wallet"`
	Amount           money.Amount `json:"amount"`
	Direction        Direction    `json:"direction"`
	Source           Source       `json:"source"`
	Status           Status       `json:"status"`
	Description      string       `json:"description,omitempty"`
	Level            int          `json:"level,omitempty"`
	OriginInvestment string       `json:"origin_investment,omitempty"`
	OriginUser       UserID       `json:"origin_user,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	SettledAt        *time.Time   `json:"settled_at,omitempty"`
}

// Signed returns the amount as it affects the balance.
func (t Transaction) Signed() money.Amount {
	if t.Direction == Debit {
		return -t.Amount
	}
	return t.Amount
}

// TxFilter selects ledger entries. Zero fields match everything.
type TxFilter struct {
	UserID  UserID
	Wallet  WalletClass
	Sources []Source
	Status  Status
	Limit   int
	Offset  int
}

type InvestmentStatus string

const (
	InvestmentActive      InvestmentStatus = "active"
	InvestmentEligible    InvestmentStatus = "eligible"
	InvestmentWithdrawing InvestmentStatus = "withdrawing"
	InvestmentWithdrawn   InvestmentStatus = "withdrawn"
)

// Accrues reports whether monthly profit is still paid in this status.
func (s InvestmentStatus) Accrues() bool {
	return s == InvestmentActive || s == InvestmentEligible
}

// Locked reports whether the principal still counts against the
// withdrawable part of the investment wallet.
func (s InvestmentStatus) Locked() bool {
	return s == InvestmentActive || s == InvestmentEligible
}

type Investment struct {
	ID            string           `json:"id"`
	UserID        UserID           `json:"user_id"`
	Principal     money.Amount     `json:"principal"`
	RateBP        int64            `json:"rate_bp"`
	StartedAt     time.Time        `json:"started_at"`
	UnlockAt      time.Time        `json:"unlock_at"`
	Status        InvestmentStatus `json:"status"`
	LastAccrued   Period           `json:"last_accrued,omitempty"`
	AccruedProfit money.Amount     `json:"accrued_profit"`
	SourceTxID    string           `json:"source_tx_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// MonthlyProfit is principal x rate, floored to a minor unit.
func (inv Investment) MonthlyProfit() money.Amount {
	return money.Percent(inv.Principal, inv.RateBP)
}

// RemainingLock returns how long until the principal unlocks, zero when
// already unlocked.
func (inv Investment) RemainingLock(now time.Time) time.Duration {
	if !now.Before(inv.UnlockAt) {
		return 0
	}
	return inv.UnlockAt.Sub(now)
}

// InvestmentFilter selects investments. Zero fields match everything.
type InvestmentFilter struct {
	UserID        UserID
	Statuses      []InvestmentStatus
	StartedBefore time.Time
	// NotAccruedFor keeps investments whose LastAccrued is before this period.
	NotAccruedFor Period
	Limit         int
}

// Tier is one step of the rank ladder. Threshold applies to each leg.
type Tier struct {
	Name      string       `json:"name"`
	Threshold money.Amount `json:"threshold"`
	Salary    money.Amount `json:"salary"`
}

type RequestKind string

const (
	RequestDeposit    RequestKind = "deposit"
	RequestWithdrawal RequestKind = "withdrawal"
	RequestTransfer   RequestKind = "transfer"
)

type RequestState string

const (
	StateRequested     RequestState = "REQUESTED"
	StateOTPVerified   RequestState = "OTP_VERIFIED"
	StatePendingReview RequestState = "PENDING_REVIEW"
	StateCompleted     RequestState = "COMPLETED"
	StateRejected      RequestState = "REJECTED"
)

func (s RequestState) Terminal() bool { return s == StateCompleted || s == StateRejected }

// Request is a user-initiated money movement awaiting OTP and/or review.
type Request struct {
	ID            string       `json:"id"`
	Kind          RequestKind  `json:"kind"`
	UserID        UserID       `json:"user_id"`
	State         RequestState `json:"state"`
	Wallet        WalletClass  `json:"wallet"`
	Amount        money.Amount `json:"amount"`
	InvestmentID  string       `json:"investment_id,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	OTPSession    string       `json:"-"`
	ProofRef      string       `json:"proof_ref,omitempty"`
	Note          string       `json:"note,omitempty"`
	ReviewedBy    UserID       `json:"reviewed_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// RequestFilter selects requests. Zero fields match everything.
type RequestFilter struct {
	UserID UserID
	Kind   RequestKind
	States []RequestState
	Limit  int
}
