package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pocketSettle/internal/claim"
	"pocketSettle/internal/dispatch"
	"pocketSettle/internal/risk"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel      string
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LedgersFile   string
	AccountsFile  string

	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	SweepInterval    time.Duration
	StaleClaimAge    time.Duration
	LatencyThreshold time.Duration

	Claim claim.Config
	Risk  risk.Config
	Rules []risk.RuleConfig

	BlockedIdentities []string
	BlockedOrigins    []string

	AuditSQLitePath string
	AuditJSONLPath  string
	OTLPEndpoint    string
	OTLPInsecure    bool
}

// Load merges config file, environment variables, and flags into Config.
// Environment variables use the SETTLER_ prefix with dots and dashes mapped to
// underscores, e.g. SETTLER_CLAIM_TIMEOUT.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("settler")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	largeAmount, err := decimal.NewFromString(v.GetString("risk.large-amount"))
	if err != nil {
		return Config{}, fmt.Errorf("risk.large-amount: %w", err)
	}

	var rules []risk.RuleConfig
	if err := v.UnmarshalKey("risk.rules", &rules); err != nil {
		return Config{}, fmt.Errorf("risk.rules: %w", err)
	}

	flagScores := make(map[string]int)
	for flag, score := range v.GetStringMap("risk.flag-scores") {
		n, ok := toInt(score)
		if !ok {
			return Config{}, fmt.Errorf("risk.flag-scores.%s: not a number", flag)
		}
		flagScores[flag] = n
	}

	cfg := Config{
		LogLevel:         v.GetString("log-level"),
		PGDSN:            v.GetString("pg-dsn"),
		RedisAddr:        v.GetString("redis-addr"),
		RedisPassword:    v.GetString("redis-password"),
		RedisDB:          v.GetInt("redis-db"),
		LedgersFile:      v.GetString("ledgers-file"),
		AccountsFile:     v.GetString("accounts-file"),
		ProbeInterval:    v.GetDuration("probe-interval"),
		ProbeTimeout:     v.GetDuration("probe-timeout"),
		SweepInterval:    v.GetDuration("sweep-interval"),
		StaleClaimAge:    v.GetDuration("claim.stale-after"),
		LatencyThreshold: v.GetDuration("selector.latency-threshold"),
		Claim: claim.Config{
			LockTTL:          v.GetDuration("lock-ttl"),
			Timeout:          v.GetDuration("claim.timeout"),
			ReleaseOnFailure: v.GetBool("claim.release-on-failure"),
			CommitRetries:    v.GetInt("claim.commit-retries"),
			Retry: dispatch.RetryPolicy{
				MaxRetries:     v.GetInt("retry.max-retries"),
				InitialDelay:   v.GetDuration("retry.initial-delay"),
				Multiplier:     v.GetFloat64("retry.multiplier"),
				MaxDelay:       v.GetDuration("retry.max-delay"),
				AttemptTimeout: v.GetDuration("retry.attempt-timeout"),
			},
			MaxFee:             v.GetFloat64("selector.max-fee"),
			PreferLowCost:      v.GetBool("selector.prefer-low-cost"),
			PreferFastFinality: v.GetBool("selector.prefer-fast-finality"),
		},
		Risk: risk.Config{
			LowThreshold:  v.GetInt("risk.low-threshold"),
			HighThreshold: v.GetInt("risk.high-threshold"),
			LargeAmount:   largeAmount,
			Limits: []risk.WindowLimit{
				{Action: risk.ActionClaim, Scope: risk.ScopeIdentity, Limit: v.GetInt64("risk.identity-limit"), Window: v.GetDuration("risk.window")},
				{Action: risk.ActionClaim, Scope: risk.ScopeOrigin, Limit: v.GetInt64("risk.origin-limit"), Window: v.GetDuration("risk.window")},
			},
			WindowExceededScore: v.GetInt("risk.window-score"),
			LargeAmountScore:    v.GetInt("risk.large-amount-score"),
			DefaultFlagScore:    v.GetInt("risk.default-flag-score"),
			FlagScores:          flagScores,
			BlockedScore:        v.GetInt("risk.blocked-score"),
		},
		Rules:             rules,
		BlockedIdentities: getStringSlice(v, "risk.blocked-identities"),
		BlockedOrigins:    getStringSlice(v, "risk.blocked-origins"),
		AuditSQLitePath:   v.GetString("audit.sqlite-path"),
		AuditJSONLPath:    v.GetString("audit.jsonl-path"),
		OTLPEndpoint:      v.GetString("otlp-endpoint"),
		OTLPInsecure:      v.GetBool("otlp-insecure"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	claimDefaults := claim.DefaultConfig()
	riskDefaults := risk.DefaultConfig()

	v.SetDefault("log-level", "info")
	v.SetDefault("redis-db", 0)
	v.SetDefault("ledgers-file", "./ledgers.yaml")
	v.SetDefault("accounts-file", "./accounts.yaml")
	v.SetDefault("probe-interval", 15*time.Second)
	v.SetDefault("probe-timeout", 5*time.Second)
	v.SetDefault("sweep-interval", time.Minute)
	v.SetDefault("selector.latency-threshold", 500*time.Millisecond)
	v.SetDefault("selector.max-fee", 0.0)
	v.SetDefault("selector.prefer-low-cost", claimDefaults.PreferLowCost)
	v.SetDefault("selector.prefer-fast-finality", claimDefaults.PreferFastFinality)

	v.SetDefault("lock-ttl", claimDefaults.LockTTL)
	v.SetDefault("claim.timeout", claimDefaults.Timeout)
	v.SetDefault("claim.release-on-failure", claimDefaults.ReleaseOnFailure)
	v.SetDefault("claim.commit-retries", claimDefaults.CommitRetries)
	v.SetDefault("claim.stale-after", 10*time.Minute)

	v.SetDefault("retry.max-retries", claimDefaults.Retry.MaxRetries)
	v.SetDefault("retry.initial-delay", claimDefaults.Retry.InitialDelay)
	v.SetDefault("retry.multiplier", claimDefaults.Retry.Multiplier)
	v.SetDefault("retry.max-delay", claimDefaults.Retry.MaxDelay)
	v.SetDefault("retry.attempt-timeout", claimDefaults.Retry.AttemptTimeout)

	v.SetDefault("risk.low-threshold", riskDefaults.LowThreshold)
	v.SetDefault("risk.high-threshold", riskDefaults.HighThreshold)
	v.SetDefault("risk.large-amount", riskDefaults.LargeAmount.String())
	v.SetDefault("risk.identity-limit", int64(5))
	v.SetDefault("risk.origin-limit", int64(30))
	v.SetDefault("risk.window", time.Minute)
	v.SetDefault("risk.window-score", riskDefaults.WindowExceededScore)
	v.SetDefault("risk.large-amount-score", riskDefaults.LargeAmountScore)
	v.SetDefault("risk.default-flag-score", riskDefaults.DefaultFlagScore)
	v.SetDefault("risk.blocked-score", riskDefaults.BlockedScore)

	v.SetDefault("otlp-insecure", false)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Risk.LowThreshold < 0 || c.Risk.HighThreshold <= c.Risk.LowThreshold {
		return fmt.Errorf("risk thresholds must satisfy 0 <= low < high, got %d/%d", c.Risk.LowThreshold, c.Risk.HighThreshold)
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}
	if c.Claim.LockTTL <= 0 {
		return fmt.Errorf("lock-ttl must be positive")
	}
	if c.Claim.Timeout > 0 && c.Claim.LockTTL < c.Claim.Timeout+claim.CleanupTimeout {
		return fmt.Errorf("lock-ttl %s must cover claim.timeout %s plus %s of cleanup",
			c.Claim.LockTTL, c.Claim.Timeout, claim.CleanupTimeout)
	}
	if c.StaleClaimAge > 0 && c.StaleClaimAge <= c.Claim.Timeout {
		return fmt.Errorf("claim.stale-after %s must exceed claim.timeout %s", c.StaleClaimAge, c.Claim.Timeout)
	}
	if c.Claim.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max-retries must not be negative")
	}
	return nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
