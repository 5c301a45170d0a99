package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"vestnet/internal/accrual"
	"vestnet/internal/api"
	"vestnet/internal/auth"
	"vestnet/internal/commission"
	"vestnet/internal/config"
	"vestnet/internal/db"
	"vestnet/internal/domain"
	"vestnet/internal/events"
	"vestnet/internal/jobs"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/monitoring"
	"vestnet/internal/notify"
	"vestnet/internal/otp"
	"vestnet/internal/rank"
	"vestnet/internal/requests"
	"vestnet/internal/tree"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("could not load .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	metrics := monitoring.NewPrometheusMetrics()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := db.Connect(connectCtx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(connectCtx); err != nil {
		return err
	}
	if err := st.Migrate(connectCtx); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(connectCtx).Err(); err != nil {
			return err
		}
		log.Info("redis connected")
	} else {
		log.Warn("REDIS_URL not set: OTP sessions and job locks are process-local")
	}

	l := ledger.New(st, metrics, log)
	comm := commission.New(l, commission.Config{DirectBP: cfg.Commission.DirectBP, LevelBPs: cfg.Commission.LevelBPs}, metrics, log)
	dir := tree.New(st, tree.Options{DefaultSponsorCode: cfg.DefaultSponsorCode, AllowRoot: cfg.AllowRoot, Logger: log})
	sched := accrual.New(l, comm, cfg.Jobs.Workers, metrics, log)
	ranks := rank.New(l, rank.Options{
		Tiers:         cfg.Rank.Tiers,
		IncludeProfit: cfg.Rank.IncludeProfit,
		Workers:       cfg.Jobs.Workers,
		Metrics:       metrics,
		Logger:        log,
	})

	var (
		otpStore otp.Store = otp.NewMemoryStore()
		locker   jobs.Locker
		stream   *events.Stream
	)
	if rdb != nil {
		otpStore = otp.NewRedisStore(rdb)
		locker = jobs.NewRedisLocker(rdb)
		stream = events.NewStream(rdb, func(ctx context.Context, ev events.DepositCompleted) error {
			_, err := comm.DirectBonus(ctx, ev.UserID)
			return err
		}, events.StreamOptions{
			Stream:   cfg.EventStream,
			Group:    cfg.EventGroup,
			Consumer: consumerName(),
			Workers:  cfg.Jobs.Workers,
		}, log)
	}

	var (
		sender otp.Sender = otp.NewLogSender(log)
		bot    notify.BotAPI
	)
	if cfg.BotToken != "" {
		tg, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return err
		}
		log.WithField("bot", tg.Self.UserName).Info("telegram bot authorized")
		sender = otp.NewTelegramSender(tg)
		bot = tg
	} else {
		log.Warn("BOT_TOKEN not set: OTP codes are written to the log")
	}

	var inbox notify.Inbox = notify.NewMemoryInbox(0)
	if rdb != nil {
		inbox = notify.NewRedisInbox(rdb, 0)
	}
	notices := notify.New(inbox, bot, notify.Options{Logger: log})
	noticeCtx, stopNotices := context.WithCancel(context.Background())
	notices.Start(noticeCtx)
	defer func() {
		stopNotices()
		notices.Wait()
	}()
	codes := otp.NewService(otpStore, sender, otp.Options{
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
		Digits:      cfg.OTP.Digits,
		Logger:      log,
	})

	reqOpts := requests.Options{
		Deposit:              requests.Limit{Min: cfg.Deposit.Min, Step: cfg.Deposit.Step},
		Withdrawal:           requests.Limit{Min: cfg.Withdrawal.Min, Step: cfg.Withdrawal.Step},
		Transfer:             requests.Limit{Min: cfg.Transfer.Min, Step: cfg.Transfer.Step},
		RequireDepositOTP:    cfg.OTP.RequireDeposit,
		RequireWithdrawalOTP: cfg.OTP.RequireWithdrawal,
		RateBP:               cfg.Investment.RateBP,
		LockMonths:           cfg.Investment.LockMonths,
		Notifier:             notices,
		Metrics:              metrics,
		Logger:               log,
	}
	if stream != nil {
		reqOpts.Events = stream
	}
	svc := requests.New(l, comm, codes, reqOpts)

	runner := jobs.NewRunner(locker, cfg.Jobs.LockTTL, log)
	if cfg.RunJobs {
		if err := runner.Add("accrual", cfg.Jobs.AccrualSpec, func(ctx context.Context) error {
			_, err := sched.Run(ctx, jobs.PreviousPeriod(l.Now()))
			return err
		}); err != nil {
			return err
		}
		if err := runner.Add("salary", cfg.Jobs.SalarySpec, func(ctx context.Context) error {
			_, err := ranks.Run(ctx, jobs.PreviousPeriod(l.Now()))
			return err
		}); err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()
		log.WithFields(logrus.Fields{"accrual": cfg.Jobs.AccrualSpec, "salary": cfg.Jobs.SalarySpec}).Info("jobs scheduled")
	}

	if stream != nil && cfg.RunEventWorker {
		workerCtx, stopWorkers := context.WithCancel(ctx)
		stream.Start(workerCtx)
		defer func() {
			stopWorkers()
			stream.Wait()
		}()
	}

	go collectSystemMetrics(ctx, metrics)

	if !cfg.RunAPI {
		log.Info("API disabled, running workers only")
		<-ctx.Done()
		return nil
	}

	srv := api.New(api.Deps{
		Store:          st,
		Ledger:         l,
		Tree:           dir,
		Rank:           ranks,
		Requests:       svc,
		Accrual:        sched,
		Jobs:           runner,
		Auth:           auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL),
		Notify:         notices,
		Metrics:        metrics,
		Logger:         log,
		IsAdmin:        func(id domain.UserID) bool { return cfg.IsAdmin(int64(id)) },
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
		Release:        cfg.Env == "production",
		BotToken:       cfg.BotToken,
		InitDataMaxAge: cfg.InitDataMaxAge,
	}).HTTPServer(cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}

func collectSystemMetrics(ctx context.Context, m *monitoring.PrometheusMetrics) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CollectSystemMetrics()
		}
	}
}
