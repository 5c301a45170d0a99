// Command admin runs one-off maintenance against the platform database:
//
//	admin migrate
//	admin accrue  [-period 2026-07]
//	admin salary  [-period 2026-07]
//	admin reconcile -user 42
//	admin statement -user 42 -out statement.xlsx
//	admin token -user 1 [-role admin]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"vestnet/internal/accrual"
	"vestnet/internal/auth"
	"vestnet/internal/commission"
	"vestnet/internal/config"
	"vestnet/internal/db"
	"vestnet/internal/domain"
	"vestnet/internal/export"
	"vestnet/internal/jobs"
	"vestnet/internal/ledger"
	"vestnet/internal/logging"
	"vestnet/internal/rank"
)

const usage = `usage: admin <command> [flags]

commands:
  migrate     create or update the schema
  accrue      run monthly profit accrual (-period, default last month)
  salary      pay rank salaries (-period, default last month)
  reconcile   compare cached wallets with the ledger (-user)
  statement   write an XLSX statement (-user, -out)
  token       issue an API token (-user, -role)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("could not load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cfg, log, os.Args[1], os.Args[2:]); err != nil {
		log.WithError(err).Fatal(os.Args[1])
	}
}

func dispatch(ctx context.Context, cfg config.Config, log *logrus.Logger, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	period := fs.String("period", "", "month as YYYY-MM")
	user := fs.Int64("user", 0, "user id")
	out := fs.String("out", "", "output file")
	role := fs.String("role", string(auth.RoleUser), "token role: user or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cmd == "token" {
		if *user <= 0 {
			return errors.New("-user is required")
		}
		tok, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL).
			Issue(auth.Identity{UserID: domain.UserID(*user), Role: auth.Role(*role)})
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	st, err := db.Connect(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		return err
	}
	defer st.Close()

	l := ledger.New(st, nil, log)
	comm := commission.New(l, commission.Config{DirectBP: cfg.Commission.DirectBP, LevelBPs: cfg.Commission.LevelBPs}, nil, log)

	target := jobs.PreviousPeriod(l.Now())
	if *period != "" {
		if target, err = domain.ParsePeriod(*period); err != nil {
			return err
		}
	}

	switch cmd {
	case "migrate":
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema up to date")
		return nil
	case "accrue":
		rep, err := accrual.New(l, comm, cfg.Jobs.Workers, nil, log).Run(ctx, target)
		printJSON(rep)
		return err
	case "salary":
		rep, err := rank.New(l, rank.Options{
			Tiers: cfg.Rank.Tiers, IncludeProfit: cfg.Rank.IncludeProfit, Workers: cfg.Jobs.Workers, Logger: log,
		}).Run(ctx, target)
		printJSON(rep)
		return err
	case "reconcile":
		if *user <= 0 {
			return errors.New("-user is required")
		}
		rec, err := l.Reconcile(ctx, domain.UserID(*user))
		if err != nil {
			return err
		}
		printJSON(rec)
		if !rec.OK() {
			return fmt.Errorf("user %d: wallet drift", *user)
		}
		return nil
	case "statement":
		if *user <= 0 || *out == "" {
			return errors.New("-user and -out are required")
		}
		return writeStatement(ctx, l, domain.UserID(*user), *out)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func writeStatement(ctx context.Context, l *ledger.Ledger, user domain.UserID, path string) error {
	var balances []ledger.Balance
	for _, w := range []domain.WalletClass{domain.WalletPackage, domain.WalletInvestment} {
		b, err := l.Balance(ctx, user, w)
		if err != nil {
			return err
		}
		balances = append(balances, b)
	}
	entries, err := l.History(ctx, domain.TxFilter{UserID: user})
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.Statement(f, user, balances, entries, l.Now()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
