package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string   `mapstructure:"MIGRATIONS_DIR"`
	BackupDir         string   `mapstructure:"BACKUP_DIR"`
	PgDumpPath        string   `mapstructure:"PG_DUMP_PATH"`
	PlanSigningSecret string   `mapstructure:"PLAN_SIGNING_SECRET"`
	PlanTTLMinutes    int      `mapstructure:"PLAN_TTL_MINUTES"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("BACKUP_DIR", "data/backups")
	v.SetDefault("PG_DUMP_PATH", "pg_dump")
	v.SetDefault("PLAN_TTL_MINUTES", 30)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("BACKUP_DIR")
	v.BindEnv("PG_DUMP_PATH")
	v.BindEnv("PLAN_SIGNING_SECRET")
	v.BindEnv("PLAN_TTL_MINUTES")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PlanTTL returns the lifetime of a signed import plan reference.
func (c *Config) PlanTTL() time.Duration {
	if c.PlanTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.PlanTTLMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Commits require a
// plan-signing secret so that a preview produced by one server cannot be
// replayed against another, and a backup directory for pre-commit snapshots.
func (c *Config) Validate() error {
	if c.IsProduction() && c.PlanSigningSecret == "" {
		return fmt.Errorf("PLAN_SIGNING_SECRET is required in production")
	}
	if c.PlanSigningSecret != "" && len(c.PlanSigningSecret) < 32 {
		return fmt.Errorf("PLAN_SIGNING_SECRET must be at least 32 characters, got %d", len(c.PlanSigningSecret))
	}
	if c.BackupDir == "" {
		return fmt.Errorf("BACKUP_DIR is required")
	}
	return nil
}
