package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/batch-engine/internal/domain"
)

const (
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	SignerURL             string `env:"SIGNER_URL,required=true"`
	PersistenceBackend    string `env:"PERSISTENCE_BACKEND,default=bolt"`
	BoltPath              string `env:"BOLT_PATH,default=batch-jobs.db"`
	DatabaseDSN           string `env:"DATABASE_DSN"`
	RedisURL              string `env:"REDIS_URL"`
	RabbitMQURL           string `env:"RABBITMQ_URL"`
	PacingDelayMS         int    `env:"PACING_DELAY_MS,default=2000"`
	SignerTimeoutMS       int    `env:"SIGNER_TIMEOUT_MS,default=30000"`
	SignerRateLimitPerSec int    `env:"SIGNER_RATE_LIMIT_PER_SEC,default=0"`
	AccountTier           string `env:"ACCOUNT_TIER,default=professional"`
	ComplianceLevel       string `env:"COMPLIANCE_LEVEL,default=INTERNAL"`
	RewardTreasuryAccount string `env:"REWARD_TREASURY_ACCOUNT"`
	SchedulerIntervalSec  int    `env:"SCHEDULER_INTERVAL_SEC,default=5"`
	ScheduledAccounts     string `env:"SCHEDULED_ACCOUNTS"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.PersistenceBackend = strings.ToLower(strings.TrimSpace(cfg.PersistenceBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.SignerURL) == "" {
		return fmt.Errorf("SIGNER_URL is required")
	}

	switch c.PersistenceBackend {
	case BackendBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND %q", c.PersistenceBackend)
	}

	if c.SignerRateLimitPerSec > 0 && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when SIGNER_RATE_LIMIT_PER_SEC is set")
	}
	if c.PacingDelayMS <= 0 || c.SignerTimeoutMS <= 0 || c.SchedulerIntervalSec <= 0 {
		return fmt.Errorf("pacing delay, signer timeout and scheduler interval must be > 0")
	}
	if _, err := c.Tier(); err != nil {
		return err
	}
	if _, err := c.Compliance(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Tier() (domain.Tier, error) {
	return domain.ParseTierFromString(c.AccountTier)
}

func (c *Config) Compliance() (domain.ComplianceLevel, error) {
	return domain.ParseComplianceLevelFromString(c.ComplianceLevel)
}

func (c *Config) PacingDelay() time.Duration {
	return time.Duration(c.PacingDelayMS) * time.Millisecond
}

func (c *Config) SignerTimeout() time.Duration {
	return time.Duration(c.SignerTimeoutMS) * time.Millisecond
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

// ScheduledAccountList splits SCHEDULED_ACCOUNTS, dropping blanks and duplicates.
func (c *Config) ScheduledAccountList() []string {
	seen := make(map[string]struct{})
	var accounts []string
	for _, raw := range strings.Split(c.ScheduledAccounts, ",") {
		account := strings.TrimSpace(raw)
		if account == "" {
			continue
		}
		if _, ok := seen[account]; ok {
			continue
		}
		seen[account] = struct{}{}
		accounts = append(accounts, account)
	}
	return accounts
}
