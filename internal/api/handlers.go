package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vestnet/internal/auth"
	"vestnet/internal/domain"
	"vestnet/internal/export"
	"vestnet/internal/jobs"
	"vestnet/internal/ledger"
	"vestnet/internal/money"
	"vestnet/internal/notify"
	"vestnet/internal/requests"
	"vestnet/internal/tree"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxDownline     = 10
)

func badRequest(msg string) error { return newAPIError(ErrCodeInvalidRequest, msg) }

func pathUserID(c *gin.Context) (domain.UserID, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("user id must be a positive integer")
	}
	return domain.UserID(id), nil
}

func queryInt(c *gin.Context, key string, def, limit int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(key + " must be a non-negative integer")
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n, nil
}

// --- account ---

type telegramLoginBody struct {
	InitData string `json:"init_data" binding:"required"`
}

// telegramLogin exchanges signed Mini App init data for a bearer token.
// The Telegram user id becomes the platform user id.
func (s *Server) telegramLogin(c *gin.Context) {
	if s.botToken == "" {
		s.respondError(c, newAPIError(ErrCodeServiceUnavailable, "telegram login is not configured"))
		return
	}
	var body telegramLoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("init_data is required"))
		return
	}
	tu, err := auth.VerifyTelegramInitData(body.InitData, s.botToken, s.initDataMaxAge, time.Now())
	if err != nil {
		s.respondError(c, newAPIError(ErrCodeUnauthorized, "invalid init data"))
		return
	}
	id := domain.UserID(tu.ID)
	token, err := s.auth.Issue(auth.Identity{UserID: id, Role: auth.RoleUser})
	if err != nil {
		s.respondError(c, err)
		return
	}
	_, err = s.tree.User(c.Request.Context(), id)
	registered := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": id, "registered": registered})
}

func (s *Server) notifications(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20, 50)
	if err != nil {
		s.respondError(c, err)
		return
	}
	list := []notify.Notice{}
	if s.notify != nil {
		if list, err = s.notify.List(c.Request.Context(), identity(c).UserID, limit); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

type registerBody struct {
	SponsorCode  string `json:"sponsor_code"`
	ReferralCode string `json:"referral_code"`
	Destination  string `json:"destination"`
}

// register places the caller in the tree. The very first user may omit the
// sponsor code and becomes the root.
func (s *Server) register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	u, err := s.tree.Place(c.Request.Context(), tree.NewUser{
		ID:           identity(c).UserID,
		SponsorCode:  strings.TrimSpace(body.SponsorCode),
		ReferralCode: strings.TrimSpace(body.ReferralCode),
		Destination:  strings.TrimSpace(body.Destination),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (s *Server) me(c *gin.Context) {
	u, err := s.tree.User(c.Request.Context(), identity(c).UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) walletBalances(ctx context.Context, user domain.UserID) ([]ledger.Balance, error) {
	out := make([]ledger.Balance, 0, 2)
	for _, w := range []domain.WalletClass{domain.WalletPackage, domain.WalletInvestment} {
		b, err := s.ledger.Balance(ctx, user, w)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Server) balances(c *gin.Context) { s.writeBalances(c, identity(c).UserID) }

func (s *Server) writeBalances(c *gin.Context, user domain.UserID) {
	if _, err := s.tree.User(c.Request.Context(), user); err != nil {
		s.respondError(c, err)
		return
	}
	b, err := s.walletBalances(c.Request.Context(), user)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "wallets": b})
}

// txFilter reads wallet, source (comma separated), status, limit and
// offset from the query string.
func txFilter(c *gin.Context, user domain.UserID) (domain.TxFilter, error) {
	f := domain.TxFilter{UserID: user}
	if w := c.Query("wallet"); w != "" {
		f.Wallet = domain.WalletClass(w)
		if !f.Wallet.Valid() {
			return f, badRequest("unknown wallet " + w)
		}
	}
	if raw := c.Query("source"); raw != "" {
		for _, src := range strings.Split(raw, ",") {
			f.Sources = append(f.Sources, domain.Source(strings.TrimSpace(src)))
		}
	}
	f.Status = domain.Status(c.Query("status"))
	var err error
	if f.Limit, err = queryInt(c, "limit", defaultPageSize, maxPageSize); err != nil {
		return f, err
	}
	f.Offset, err = queryInt(c, "offset", 0, 0)
	return f, err
}

func (s *Server) history(c *gin.Context) { s.writeHistory(c, identity(c).UserID) }

func (s *Server) writeHistory(c *gin.Context, user domain.UserID) {
	f, err := txFilter(c, user)
	if err != nil {
		s.respondError(c, err)
		return
	}
	txs, err := s.ledger.History(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) treeSnapshot(c *gin.Context) { s.writeTree(c, identity(c).UserID) }

func (s *Server) writeTree(c *gin.Context, user domain.UserID) {
	snap, err := s.tree.Snapshot(c.Request.Context(), user)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// downline pages through the caller's subtree breadth first.
func (s *Server) downline(c *gin.Context) {
	ctx := c.Request.Context()
	user := identity(c).UserID
	if _, err := s.tree.User(ctx, user); err != nil {
		s.respondError(c, err)
		return
	}
	depth, err := queryInt(c, "depth", 3, maxDownline)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if depth == 0 {
		depth = 1
	}
	limit, err := queryInt(c, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		s.respondError(c, err)
		return
	}

	members := []tree.Member{}
	cur := s.tree.Downline(user, depth)
	for len(members) < limit && cur.Next(ctx) {
		members = append(members, cur.Member())
	}
	if err := cur.Err(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "depth": depth, "members": members})
}

func (s *Server) rankStatus(c *gin.Context) { s.writeRank(c, identity(c).UserID) }

func (s *Server) writeRank(c *gin.Context, user domain.UserID) {
	st, err := s.rank.Status(c.Request.Context(), user)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) investments(c *gin.Context) {
	invs, err := s.requests.Investments(c.Request.Context(), identity(c).UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if invs == nil {
		invs = []domain.Investment{}
	}
	c.JSON(http.StatusOK, gin.H{"investments": invs})
}

// --- requests ---

func requestFilter(c *gin.Context, user domain.UserID) (domain.RequestFilter, error) {
	f := domain.RequestFilter{UserID: user, Kind: domain.RequestKind(c.Query("kind"))}
	if raw := c.Query("state"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.States = append(f.States, domain.RequestState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	var err error
	f.Limit, err = queryInt(c, "limit", defaultPageSize, maxPageSize)
	return f, err
}

func (s *Server) writeRequests(c *gin.Context, user domain.UserID) {
	f, err := requestFilter(c, user)
	if err != nil {
		s.respondError(c, err)
		return
	}
	list, err := s.requests.List(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if list == nil {
		list = []domain.Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list})
}

func (s *Server) myRequests(c *gin.Context) { s.writeRequests(c, identity(c).UserID) }

// adminRequests lists every user's requests, optionally narrowed by
// user_id. The review queue is state=PENDING_REVIEW.
func (s *Server) adminRequests(c *gin.Context) {
	var user domain.UserID
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(c, badRequest("user_id must be an integer"))
			return
		}
		user = domain.UserID(id)
	}
	s.writeRequests(c, user)
}

// getRequest shows a request to its owner. Other users get 404 so ids
// cannot be probed.
func (s *Server) getRequest(c *gin.Context) {
	ctx := c.Request.Context()
	id := identity(c)
	r, err := s.requests.Request(ctx, c.Param("id"))
	if err == nil && r.UserID != id.UserID && !id.IsAdmin() {
		err = fmt.Errorf("%w: request %s", domain.ErrNotFound, c.Param("id"))
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	res, err := s.requests.Get(ctx, r.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r, "result": res})
}

type depositBody struct {
	Wallet   domain.WalletClass `json:"wallet"`
	Amount   money.Amount       `json:"amount"`
	ProofRef string             `json:"proof_ref"`
}

func (s *Server) deposit(c *gin.Context) {
	var body depositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	res, err := s.requests.RequestDeposit(c.Request.Context(), requests.DepositInput{
		UserID:   identity(c).UserID,
		Wallet:   body.Wallet,
		Amount:   body.Amount,
		ProofRef: body.ProofRef,
	})
	s.writeResult(c, http.StatusAccepted, res, err)
}

type withdrawalBody struct {
	Wallet       domain.WalletClass `json:"wallet"`
	Amount       money.Amount       `json:"amount"`
	InvestmentID string             `json:"investment_id"`
}

func (s *Server) withdraw(c *gin.Context) {
	var body withdrawalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("invalid request body"))
		return
	}
	res, err := s.requests.RequestWithdrawal(c.Request.Context(), requests.WithdrawalInput{
		UserID:       identity(c).UserID,
		Wallet:       body.Wallet,
		Amount:       body.Amount,
		InvestmentID: body.InvestmentID,
	})
	s.writeResult(c, http.StatusAccepted, res, err)
}

type transferBody struct {
	Recipient string       `json:"recipient" binding:"required"`
	Amount    money.Amount `json:"amount"`
}

func (s *Server) transfer(c *gin.Context) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("recipient and amount are required"))
		return
	}
	res, err := s.requests.Transfer(c.Request.Context(), identity(c).UserID, strings.TrimSpace(body.Recipient), body.Amount)
	s.writeResult(c, http.StatusOK, res, err)
}

type verifyBody struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) verifyOTP(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("code is required"))
		return
	}
	res, err := s.requests.VerifyOTP(c.Request.Context(), identity(c).UserID, c.Param("id"), strings.TrimSpace(body.Code))
	s.writeResult(c, http.StatusOK, res, err)
}

type reviewBody struct {
	Note string `json:"note"`
}

func (s *Server) approve(c *gin.Context) {
	var body reviewBody
	_ = c.ShouldBindJSON(&body)
	res, err := s.requests.Approve(c.Request.Context(), identity(c).UserID, c.Param("id"), body.Note)
	s.writeResult(c, http.StatusOK, res, err)
}

func (s *Server) reject(c *gin.Context) {
	var body reviewBody
	_ = c.ShouldBindJSON(&body)
	res, err := s.requests.Reject(c.Request.Context(), identity(c).UserID, c.Param("id"), body.Note)
	s.writeResult(c, http.StatusOK, res, err)
}

type creditBody struct {
	UserID domain.UserID      `json:"user_id" binding:"required"`
	Wallet domain.WalletClass `json:"wallet" binding:"required"`
	Amount money.Amount       `json:"amount"`
	Note   string             `json:"note"`
}

func (s *Server) adminCredit(c *gin.Context) {
	var body creditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, badRequest("user_id and wallet are required"))
		return
	}
	res, err := s.requests.AdminCredit(c.Request.Context(), identity(c).UserID, body.UserID, body.Wallet, body.Amount, body.Note)
	s.writeResult(c, http.StatusCreated, res, err)
}

func (s *Server) writeResult(c *gin.Context, status int, res requests.Result, err error) {
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(status, res)
}

// --- admin views ---

func (s *Server) adminUser(c *gin.Context, fn func(*gin.Context, domain.UserID)) {
	id, err := pathUserID(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	fn(c, id)
}

func (s *Server) adminBalances(c *gin.Context) { s.adminUser(c, s.writeBalances) }
func (s *Server) adminHistory(c *gin.Context)  { s.adminUser(c, s.writeHistory) }
func (s *Server) adminTree(c *gin.Context)     { s.adminUser(c, s.writeTree) }
func (s *Server) adminRank(c *gin.Context)     { s.adminUser(c, s.writeRank) }

func (s *Server) reconcile(c *gin.Context) {
	s.adminUser(c, func(c *gin.Context, user domain.UserID) {
		if _, err := s.tree.User(c.Request.Context(), user); err != nil {
			s.respondError(c, err)
			return
		}
		r, err := s.ledger.Reconcile(c.Request.Context(), user)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if !r.OK() {
			s.log.WithField("user_id", user).Warn("wallet drift detected")
		}
		c.JSON(http.StatusOK, gin.H{"reconciliation": r, "ok": r.OK()})
	})
}

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) statement(c *gin.Context) {
	s.adminUser(c, func(c *gin.Context, user domain.UserID) {
		ctx := c.Request.Context()
		balances, err := s.walletBalances(ctx, user)
		if err != nil {
			s.respondError(c, err)
			return
		}
		entries, err := s.ledger.History(ctx, domain.TxFilter{UserID: user})
		if err != nil {
			s.respondError(c, err)
			return
		}
		var buf bytes.Buffer
		if err := export.Statement(&buf, user, balances, entries, s.ledger.Now()); err != nil {
			s.respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%d.xlsx"`, user))
		c.Data(http.StatusOK, xlsxType, buf.Bytes())
	})
}

// runJob triggers accrual or salary for ?period=YYYY-MM, defaulting to
// the month before now. It shares the cron lock, so a run already in
// progress elsewhere yields 409.
func (s *Server) runJob(c *gin.Context) {
	period := jobs.PreviousPeriod(s.ledger.Now())
	if raw := c.Query("period"); raw != "" {
		p, err := domain.ParsePeriod(raw)
		if err != nil {
			s.respondError(c, badRequest(err.Error()))
			return
		}
		period = p
	}

	var report interface{}
	var fn jobs.Func
	switch name := c.Param("name"); name {
	case "accrual":
		fn = func(ctx context.Context) error {
			r, err := s.accrual.Run(ctx, period)
			report = r
			return err
		}
	case "salary":
		fn = func(ctx context.Context) error {
			r, err := s.rank.Run(ctx, period)
			report = r
			return err
		}
	default:
		s.respondError(c, newAPIError(ErrCodeNotFound, "unknown job "+name))
		return
	}

	start := time.Now()
	ran, err := s.jobs.RunNow(c.Request.Context(), c.Param("name"), fn)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ran {
		s.respondError(c, newAPIError(ErrCodeConflict, "job already running"))
		return
	}
	s.log.WithFields(logrus.Fields{
		"job": c.Param("name"), "period": period, "admin": identity(c).UserID, "duration": time.Since(start),
	}).Info("job triggered manually")
	c.JSON(http.StatusOK, gin.H{"job": c.Param("name"), "period": period, "report": report})
}
