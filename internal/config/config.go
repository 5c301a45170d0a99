package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

// Limit bounds a request amount at the API boundary.
type Limit struct {
	Min  money.Amount
	Step money.Amount
}

type OTPConfig struct {
	TTL               time.Duration
	MaxAttempts       int
	Digits            int
	RequireDeposit    bool
	RequireWithdrawal bool
}

type CommissionConfig struct {
	DirectBP int64
	// LevelBPs[i] is the team-income share of ancestor level i+1.
	LevelBPs []int64
}

type InvestmentConfig struct {
	RateBP     int64
	LockMonths int
}

type RankConfig struct {
	Tiers         []domain.Tier
	IncludeProfit bool
}

type JobsConfig struct {
	AccrualSpec string
	SalarySpec  string
	Workers     int
	LockTTL     time.Duration
}

type Config struct {
	Env           string
	HTTPAddr      string
	PublicBaseURL string
	CORSOrigins   []string

	DatabaseURL string
	DBMaxConns  int32
	RedisURL    string

	LogLevel  string
	LogFormat string

	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	BotToken       string
	InitDataMaxAge time.Duration
	AdminIDs       []int64

	RateLimitRPS   float64
	RateLimitBurst int

	OTP        OTPConfig
	Deposit    Limit
	Withdrawal Limit
	Transfer   Limit
	Commission CommissionConfig
	Investment InvestmentConfig
	Rank       RankConfig
	Jobs       JobsConfig

	// DefaultSponsorCode places sign-ups that arrive without a code.
	DefaultSponsorCode string
	AllowRoot          bool

	EventStream string
	EventGroup  string

	RunAPI         bool
	RunJobs        bool
	RunEventWorker bool
}

// DefaultLevelBPs: 10%, 5%, 2%, 1%, then 0.5% for levels 5..10.
var DefaultLevelBPs = []int64{1000, 500, 200, 100, 50, 50, 50, 50, 50, 50}

// DefaultTiers is the rank ladder used when RANK_TIERS_JSON is unset.
func DefaultTiers() []domain.Tier {
	return []domain.Tier{
		{Name: "Bronze", Threshold: money.FromUnits(5_000), Salary: money.FromUnits(100)},
		{Name: "Silver", Threshold: money.FromUnits(10_000), Salary: money.FromUnits(250)},
		{Name: "Gold", Threshold: money.FromUnits(25_000), Salary: money.FromUnits(500)},
		{Name: "Platinum", Threshold: money.FromUnits(50_000), Salary: money.FromUnits(1_000)},
		{Name: "Diamond", Threshold: money.FromUnits(100_000), Salary: money.FromUnits(2_500)},
		{Name: "Crown", Threshold: money.FromUnits(250_000), Salary: money.FromUnits(5_000)},
	}
}

func mustEnv(key string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		logrus.WithField("key", key).Warn("missing env, using default")
		return ""
	}
	return val
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Accept `psql 'postgresql://...'` as copied from provider consoles.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Same for `redis-cli -u redis://...`; rediss:// keeps TLS.
	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	return s
}

func envString(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

// envAmount reads a decimal amount such as "10.00". Bad input is an error
// rather than a silent default: limits guard money.
func envAmount(key string, def money.Amount) (money.Amount, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def, nil
	}
	a, err := money.Parse(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return a, nil
}

func envLimit(prefix string, def Limit) (Limit, error) {
	lo, err := envAmount(prefix+"_MIN", def.Min)
	if err != nil {
		return Limit{}, err
	}
	step, err := envAmount(prefix+"_STEP", def.Step)
	if err != nil {
		return Limit{}, err
	}
	if lo < 0 || step < 0 {
		return Limit{}, fmt.Errorf("%s limits must be >= 0", prefix)
	}
	return Limit{Min: lo, Step: step}, nil
}

// tierJSON is the wire shape of RANK_TIERS_JSON:
//
//	[{"name":"Bronze","threshold":"5000","salary":"100"}, ...]
type tierJSON struct {
	Name      string       `json:"name"`
	Threshold money.Amount `json:"threshold"`
	Salary    money.Amount `json:"salary"`
}

func parseTiers(raw string) ([]domain.Tier, error) {
	var in []tierJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("RANK_TIERS_JSON: %w", err)
	}
	out := make([]domain.Tier, 0, len(in))
	for i, t := range in {
		name := strings.TrimSpace(t.Name)
		if name == "" || t.Threshold <= 0 || t.Salary < 0 {
			return nil, fmt.Errorf("RANK_TIERS_JSON: tier %d is invalid", i)
		}
		if i > 0 && t.Threshold <= out[i-1].Threshold {
			return nil, fmt.Errorf("RANK_TIERS_JSON: thresholds must increase (tier %q)", name)
		}
		out = append(out, domain.Tier{Name: name, Threshold: t.Threshold, Salary: t.Salary})
	}
	return out, nil
}

func parseLevels(raw string) ([]int64, error) {
	var out []int64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("TEAM_LEVEL_BPS_JSON: %w", err)
	}
	for _, bp := range out {
		if bp < 0 || bp > money.BasisPoints {
			return nil, fmt.Errorf("TEAM_LEVEL_BPS_JSON: %d out of range", bp)
		}
	}
	return out, nil
}

func parseIDs(raw string) ([]int64, error) {
	var out []int64
	for _, s := range parseCSV(raw) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS: %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func Load() (Config, error) {
	port := envString("PORT", "8080")
	publicBase := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	if publicBase == "" {
		publicBase = strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_URL"))
	}
	if publicBase == "" {
		publicBase = "http://127.0.0.1:" + port
	}

	cfg := Config{
		Env:           strings.ToLower(envString("APP_ENV", "development")),
		HTTPAddr:      envString("HTTP_ADDR", ":"+port),
		PublicBaseURL: strings.TrimRight(publicBase, "/"),
		CORSOrigins:   parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		DatabaseURL: normalizeDatabaseURL(mustEnv("DATABASE_URL")),
		DBMaxConns:  int32(envInt64("DB_MAX_CONNS", 10)),
		RedisURL:    normalizeRedisURL(os.Getenv("REDIS_URL")),

		LogLevel:  strings.ToLower(envString("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(envString("LOG_FORMAT", "json")),

		JWTSecret: mustEnv("JWT_SECRET"),
		JWTIssuer: envString("JWT_ISSUER", "vestnet"),
		JWTTTL:    envDuration("JWT_TTL", 24*time.Hour),

		BotToken:       strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		InitDataMaxAge: envDuration("TELEGRAM_INITDATA_MAX_AGE", 24*time.Hour),

		RateLimitRPS:   envFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst: int(envInt64("RATE_LIMIT_BURST", 20)),

		OTP: OTPConfig{
			TTL:               envDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts:       int(envInt64("OTP_MAX_ATTEMPTS", 5)),
			Digits:            int(envInt64("OTP_DIGITS", 6)),
			RequireDeposit:    envBool("OTP_REQUIRE_DEPOSIT", false),
			RequireWithdrawal: envBool("OTP_REQUIRE_WITHDRAWAL", true),
		},
		Commission: CommissionConfig{
			DirectBP: envInt64("DIRECT_BONUS_BP", 1000),
			LevelBPs: DefaultLevelBPs,
		},
		Investment: InvestmentConfig{
			RateBP:     envInt64("INVESTMENT_RATE_BP", 500),
			LockMonths: int(envInt64("INVESTMENT_LOCK_MONTHS", 6)),
		},
		Rank: RankConfig{
			Tiers:         DefaultTiers(),
			IncludeProfit: envBool("RANK_INCLUDE_PROFIT", false),
		},
		Jobs: JobsConfig{
			AccrualSpec: envString("ACCRUAL_CRON", "0 1 1 * *"),
			SalarySpec:  envString("SALARY_CRON", "0 3 1 * *"),
			Workers:     int(envInt64("JOB_WORKERS", 4)),
			LockTTL:     envDuration("JOB_LOCK_TTL", 30*time.Minute),
		},

		DefaultSponsorCode: strings.TrimSpace(os.Getenv("DEFAULT_SPONSOR_CODE")),
		AllowRoot:          envBool("ALLOW_ROOT_REGISTRATION", false),

		EventStream: envString("EVENT_STREAM", "vestnet:deposits"),
		EventGroup:  envString("EVENT_GROUP", "commission"),

		RunAPI:         envBool("RUN_API", true),
		RunJobs:        envBool("RUN_JOBS", true),
		RunEventWorker: envBool("RUN_EVENT_WORKER", true),
	}

	var err error
	if cfg.Deposit, err = envLimit("DEPOSIT", Limit{Min: money.FromUnits(10), Step: money.FromUnits(1)}); err != nil {
		return Config{}, err
	}
	if cfg.Withdrawal, err = envLimit("WITHDRAWAL", Limit{Min: money.FromUnits(10), Step: money.FromUnits(1)}); err != nil {
		return Config{}, err
	}
	if cfg.Transfer, err = envLimit("TRANSFER", Limit{Min: money.FromUnits(1), Step: 1}); err != nil {
		return Config{}, err
	}
	if cfg.AdminIDs, err = parseIDs(os.Getenv("ADMIN_IDS")); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(os.Getenv("RANK_TIERS_JSON")); raw != "" {
		if cfg.Rank.Tiers, err = parseTiers(raw); err != nil {
			return Config{}, err
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TEAM_LEVEL_BPS_JSON")); raw != "" {
		if cfg.Commission.LevelBPs, err = parseLevels(raw); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Commission.DirectBP < 0 || c.Commission.DirectBP > money.BasisPoints {
		return fmt.Errorf("DIRECT_BONUS_BP must be 0..%d", money.BasisPoints)
	}
	if len(c.Commission.LevelBPs) > 10 {
		return fmt.Errorf("at most 10 team income levels, got %d", len(c.Commission.LevelBPs))
	}
	if c.Investment.RateBP <= 0 || c.Investment.RateBP > money.BasisPoints {
		return fmt.Errorf("INVESTMENT_RATE_BP must be 1..%d", money.BasisPoints)
	}
	if c.Investment.LockMonths < 0 {
		return fmt.Errorf("INVESTMENT_LOCK_MONTHS must be >= 0")
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be > 0 and OTP_DIGITS 4..10")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be > 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsAdmin reports whether id is listed in ADMIN_IDS.
func (c Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
