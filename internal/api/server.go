// Package api exposes the platform over HTTP with gin. Every route except
// /health and /metrics needs a bearer token; /api/v1/admin needs the admin
// role.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vestnet/internal/accrual"
	"vestnet/internal/auth"
	"vestnet/internal/domain"
	"vestnet/internal/jobs"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/monitoring"
	"vestnet/internal/notify"
	"vestnet/internal/rank"
	"vestnet/internal/requests"
	"vestnet/internal/store"
	"vestnet/internal/tree"
)

type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Tree     *tree.Directory
	Rank     *rank.Evaluator
	Requests *requests.Service
	Accrual  *accrual.Scheduler
	Jobs     *jobs.Runner
	Auth     *auth.Verifier
	Notify   *notify.Service
	Metrics  *monitoring.PrometheusMetrics
	Logger   logrus.FieldLogger

	// BotToken enables POST /auth/telegram. Init data older than
	// InitDataMaxAge is refused.
	BotToken       string
	InitDataMaxAge time.Duration

	// IsAdmin promotes configured user ids to admins regardless of the
	// token role.
	IsAdmin        func(domain.UserID) bool
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	Release        bool
}

type Server struct {
	st       store.Store
	ledger   *ledger.Ledger
	tree     *tree.Directory
	rank     *rank.Evaluator
	requests *requests.Service
	accrual  *accrual.Scheduler
	jobs     *jobs.Runner
	auth     *auth.Verifier
	notify   *notify.Service
	metrics  *monitoring.PrometheusMetrics
	log      *logrus.Entry
	isAdmin  func(domain.UserID) bool
	limiter  *ipLimiter
	origins  map[string]bool
	router   *gin.Engine

	botToken       string
	initDataMaxAge time.Duration
}

func New(d Deps) *Server {
	s := &Server{
		st:       d.Store,
		ledger:   d.Ledger,
		tree:     d.Tree,
		rank:     d.Rank,
		requests: d.Requests,
		accrual:  d.Accrual,
		jobs:     d.Jobs,
		auth:     d.Auth,
		notify:   d.Notify,
		metrics:  d.Metrics,
		log:      logging.Component(d.Logger, "api"),
		isAdmin:  d.IsAdmin,
		origins:  map[string]bool{},

		botToken:       d.BotToken,
		initDataMaxAge: d.InitDataMaxAge,
	}
	if d.RateLimitRPS > 0 {
		s.limiter = newIPLimiter(d.RateLimitRPS, d.RateLimitBurst)
	}
	for _, o := range d.CORSOrigins {
		s.origins[o] = true
	}
	if d.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer wraps the router with the timeouts the service runs with.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cors(), s.metricsMiddleware(), s.rateLimit())

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.POST("/auth/telegram", s.telegramLogin)

	v1 := r.Group("/api/v1", s.authenticate())
	{
		v1.POST("/register", s.register)
		v1.GET("/me", s.me)
		v1.GET("/notifications", s.notifications)
		v1.GET("/balances", s.balances)
		v1.GET("/transactions", s.history)
		v1.GET("/tree", s.treeSnapshot)
		v1.GET("/tree/downline", s.downline)
		v1.GET("/rank", s.rankStatus)
		v1.GET("/investments", s.investments)
		v1.GET("/requests", s.myRequests)
		v1.GET("/requests/:id", s.getRequest)
		v1.POST("/requests/:id/verify", s.verifyOTP)
		v1.POST("/deposits", s.deposit)
		v1.POST("/withdrawals", s.withdraw)
		v1.POST("/transfers", s.transfer)
	}

	admin := v1.Group("/admin", s.requireAdmin())
	{
		admin.GET("/requests", s.adminRequests)
		admin.POST("/requests/:id/approve", s.approve)
		admin.POST("/requests/:id/reject", s.reject)
		admin.POST("/credits", s.adminCredit)
		admin.GET("/users/:id/balances", s.adminBalances)
		admin.GET("/users/:id/transactions", s.adminHistory)
		admin.GET("/users/:id/tree", s.adminTree)
		admin.GET("/users/:id/rank", s.adminRank)
		admin.GET("/users/:id/reconcile", s.reconcile)
		admin.GET("/users/:id/statement", s.statement)
		admin.POST("/jobs/:name", s.runJob)
	}
	return r
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (s.origins["*"] || s.origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status, code := "healthy", http.StatusOK
	if err := s.st.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "timestamp": time.Now().UTC()})
}
