package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vestnet/internal/accrual"
	"vestnet/internal/auth"
	"vestnet/internal/commission"
	"vestnet/internal/config"
	"vestnet/internal/domain"
	"vestnet/internal/jobs"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/memdb"
	"vestnet/internal/monitoring"
	"vestnet/internal/notify"
	"vestnet/internal/otp"
	"vestnet/internal/money"
	"vestnet/internal/rank"
	"vestnet/internal/requests"
	"vestnet/internal/tree"
)

const (
	adminID      = domain.UserID(1)
	testBotToken = "123456:test-token"
)

type apiFixture struct {
	srv    *Server
	mem    *memdb.DB
	verify *auth.Verifier
	clock  time.Time
}

func init() { gin.SetMode(gin.TestMode) }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		mem:    memdb.New(),
		verify: auth.NewVerifier("test-secret", "vestnet", time.Hour),
		clock:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	log := logging.Discard()
	metrics := monitoring.NewPrometheusMetrics()

	l := ledger.New(f.mem, metrics, log)
	l.SetClock(func() time.Time { return f.clock })
	comm := commission.New(l, commission.Config{DirectBP: 1000, LevelBPs: config.DefaultLevelBPs}, metrics, log)
	codes := otp.NewService(otp.NewMemoryStore(), otp.NewLogSender(log), otp.Options{Cost: bcrypt.MinCost})
	notices := notify.New(notify.NewMemoryInbox(0), nil, notify.Options{Logger: log})
	ctx, stop := context.WithCancel(context.Background())
	notices.Start(ctx)
	t.Cleanup(func() { stop(); notices.Wait() })
	svc := requests.New(l, comm, codes, requests.Options{
		Deposit:    requests.Limit{Min: money.FromUnits(10), Step: money.FromUnits(1)},
		Withdrawal: requests.Limit{Min: money.FromUnits(10), Step: money.FromUnits(1)},
		Transfer:   requests.Limit{Min: money.FromUnits(1), Step: 1},
		RateBP:     500,
		LockMonths: 6,
		Notifier:   notices,
		Metrics:    metrics,
		Logger:     log,
	})
	dir := tree.New(f.mem, tree.Options{Logger: log})

	f.srv = New(Deps{
		Store:    f.mem,
		Ledger:   l,
		Tree:     dir,
		Rank:     rank.New(l, rank.Options{Tiers: config.DefaultTiers(), Logger: log}),
		Requests: svc,
		Accrual:  accrual.New(l, comm, 2, metrics, log),
		Jobs:     jobs.NewRunner(jobs.NewLocalLocker(), time.Minute, log),
		Auth:     f.verify,
		Notify:   notices,
		Metrics:  metrics,
		Logger:   log,
		IsAdmin:  func(id domain.UserID) bool { return id == adminID },

		BotToken:       testBotToken,
		InitDataMaxAge: time.Hour,
	})
	return f
}

func (f *apiFixture) token(t *testing.T, id domain.UserID) string {
	t.Helper()
	tok, err := f.verify.Issue(auth.Identity{UserID: id, Role: auth.RoleUser})
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path string, user domain.UserID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *apiFixture) register(t *testing.T, id domain.UserID, sponsor, code string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/register", id, gin.H{"sponsor_code": sponsor, "referral_code": code, "destination": fmt.Sprint(id)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]interface{}](t, w)["status"])

	w = f.do(t, http.MethodGet, "/metrics", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/me", 0, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[ErrorResponse](t, w).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesNeedAdmin(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/admin/requests", 2, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, ErrCodeForbidden, decode[ErrorResponse](t, w).Error.Code)

	w = f.do(t, http.MethodGet, "/api/v1/admin/requests", adminID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndTree(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")
	f.register(t, 2, "ROOT", "U2")
	f.register(t, 3, "ROOT", "U3")
	f.register(t, 4, "ROOT", "U4")

	w := f.do(t, http.MethodPost, "/api/v1/register", 5, gin.H{"sponsor_code": "NOPE"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrCodeUnknownSponsor, decode[ErrorResponse](t, w).Error.Code)

	w = f.do(t, http.MethodGet, "/api/v1/me", 4, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[domain.User](t, w)
	assert.Equal(t, domain.UserID(2), me.ParentID, "third sign-up fills the left child's left slot")
	assert.Equal(t, domain.LegLeft, me.Leg)

	w = f.do(t, http.MethodGet, "/api/v1/tree", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[tree.Snapshot](t, w)
	assert.ElementsMatch(t, []domain.UserID{2, 4}, snap.Left)
	assert.Equal(t, []domain.UserID{3}, snap.Right)

	w = f.do(t, http.MethodGet, "/api/v1/tree/downline?depth=1", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	down := decode[struct {
		Members []tree.Member `json:"members"`
	}](t, w)
	require.Len(t, down.Members, 2)
	assert.Equal(t, domain.UserID(2), down.Members[0].UserID)
}

func TestDepositApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")
	f.register(t, 2, "ROOT", "U2")

	w := f.do(t, http.MethodPost, "/api/v1/deposits", 2, gin.H{"amount": "100.00", "proof_ref": "bank-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[requests.Result](t, w)
	assert.Equal(t, domain.StatePendingReview, res.State)

	w = f.do(t, http.MethodGet, "/api/v1/requests/"+res.RequestID, 3, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot see the request")

	w = f.do(t, http.MethodGet, "/api/v1/admin/requests?state=pending_review", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	queue := decode[struct {
		Requests []domain.Request `json:"requests"`
	}](t, w)
	require.Len(t, queue.Requests, 1)

	w = f.do(t, http.MethodPost, "/api/v1/admin/requests/"+res.RequestID+"/approve", adminID, gin.H{"note": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[requests.Result](t, w)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.NotEmpty(t, done.InvestmentID)

	w = f.do(t, http.MethodGet, "/api/v1/balances", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode[struct {
		Wallets []ledger.Balance `json:"wallets"`
	}](t, w)
	require.Len(t, bal.Wallets, 2)
	assert.Equal(t, money.FromUnits(10), bal.Wallets[0].Balance, "sponsor earns the direct bonus")

	w = f.do(t, http.MethodGet, "/api/v1/investments", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	invs := decode[struct {
		Investments []domain.Investment `json:"investments"`
	}](t, w)
	require.Len(t, invs.Investments, 1)
	assert.Equal(t, money.FromUnits(100), invs.Investments[0].Principal)

	w = f.do(t, http.MethodGet, "/api/v1/transactions?source=direct_income", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[struct {
		Transactions []domain.Transaction `json:"transactions"`
	}](t, w)
	require.Len(t, hist.Transactions, 1)

	w = f.do(t, http.MethodGet, "/api/v1/admin/users/2/reconcile", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, w)["ok"])
}

func TestDomainErrorsMapToCodes(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")
	f.register(t, 2, "ROOT", "U2")

	w := f.do(t, http.MethodPost, "/api/v1/withdrawals", 2, gin.H{"amount": "50"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	e := decode[ErrorResponse](t, w).Error
	assert.Equal(t, ErrCodeInsufficientBalance, e.Code)
	assert.Equal(t, "50.00", e.Details["needed"])

	w = f.do(t, http.MethodPost, "/api/v1/deposits", 2, gin.H{"amount": "10.50"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidAmount, decode[ErrorResponse](t, w).Error.Code)

	w = f.do(t, http.MethodPost, "/api/v1/deposits", 2, gin.H{"amount": "1.234"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/transfers", 2, gin.H{"recipient": "ZZZ", "amount": "5"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/requests/missing/approve", adminID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminCreditAndStatement(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")
	f.register(t, 2, "ROOT", "U2")

	w := f.do(t, http.MethodPost, "/api/v1/admin/credits", adminID, gin.H{"user_id": 2, "wallet": "package", "amount": 25})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/transfers", 2, gin.H{"recipient": "ROOT", "amount": "5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StateCompleted, decode[requests.Result](t, w).State)

	w = f.do(t, http.MethodGet, "/api/v1/admin/users/2/balances", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode[struct {
		Wallets []ledger.Balance `json:"wallets"`
	}](t, w)
	assert.Equal(t, money.FromUnits(20), bal.Wallets[0].Available)

	w = f.do(t, http.MethodGet, "/api/v1/admin/users/2/statement", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxType, w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())

	w = f.do(t, http.MethodGet, "/api/v1/admin/users/abc/balances", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/admin/users/99/balances", adminID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunJob(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")

	w := f.do(t, http.MethodPost, "/api/v1/admin/jobs/accrual?period=2026-07", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "2026-07", decode[map[string]interface{}](t, w)["period"])

	w = f.do(t, http.MethodPost, "/api/v1/admin/jobs/salary", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/admin/jobs/salary?period=2026-08", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "the running month cannot be paid")

	w = f.do(t, http.MethodPost, "/api/v1/admin/jobs/salary?period=july", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/jobs/reindex", adminID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	l := newIPLimiter(1, 2)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now), "buckets are per address")
	assert.True(t, l.allow("10.0.0.1", now.Add(time.Second)))

	l.allow("10.0.0.3", now.Add(time.Hour))
	_, kept := l.clients["10.0.0.2"]
	assert.False(t, kept, "idle addresses are forgotten")
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newAPIFixture(t)
	f.srv.limiter = newIPLimiter(0.001, 1)
	f.srv.router = f.srv.routes()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", 0, nil).Code)
	w := f.do(t, http.MethodGet, "/health", 0, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestClassifyError(t *testing.T) {
	e, status := classifyError(fmt.Errorf("wrap: %w", &domain.NotEligibleError{Reason: "locked", EligibleAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), RemainingDays: 3}))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, ErrCodeNotEligible, e.Code)
	assert.Equal(t, 3, e.Details["remaining_days"])

	e, status = classifyError(context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, ErrCodeInternalError, e.Code)
}

// initData signs a Mini App payload the way Telegram does.
func initData(user string, at time.Time) string {
	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(at.Unix(), 10))
	vals.Set("user", user)
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+vals.Get(k))
	}
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	vals.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return vals.Encode()
}

func TestTelegramLogin(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")

	w := f.do(t, http.MethodPost, "/auth/telegram", 0, gin.H{"init_data": initData(`{"id":1,"username":"root"}`, time.Now())})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decode[struct {
		Token      string        `json:"token"`
		UserID     domain.UserID `json:"user_id"`
		Registered bool          `json:"registered"`
	}](t, w)
	assert.Equal(t, domain.UserID(1), login.UserID)
	assert.True(t, login.Registered)

	id, err := f.verify.Parse(login.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleUser, id.Role)

	w = f.do(t, http.MethodPost, "/auth/telegram", 0, gin.H{"init_data": initData(`{"id":42}`, time.Now())})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]interface{}](t, w)["registered"])

	stale := initData(`{"id":42}`, time.Now().Add(-2*time.Hour))
	w = f.do(t, http.MethodPost, "/auth/telegram", 0, gin.H{"init_data": stale})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/auth/telegram", 0, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationsAfterReview(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, 1, "", "ROOT")
	f.register(t, 2, "ROOT", "U2")

	w := f.do(t, http.MethodGet, "/api/v1/notifications", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"notifications":[]`)

	w = f.do(t, http.MethodPost, "/api/v1/deposits", 2, gin.H{"amount": "25.00", "proof_ref": "bank-7"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[requests.Result](t, w)
	w = f.do(t, http.MethodPost, "/api/v1/admin/requests/"+res.RequestID+"/reject", adminID, gin.H{"note": "proof unreadable"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var list []notify.Notice
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/v1/notifications", 2, nil)
		list = decode[struct {
			Notifications []notify.Notice `json:"notifications"`
		}](t, w).Notifications
		return len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, res.RequestID, list[0].RequestID)
	assert.Equal(t, domain.StateRejected, list[0].State)
	assert.Equal(t, "proof unreadable", list[0].Note)
}
