// Package config handles runtime settings for the API server: defaults
// first, then overrides from PALLAS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime settings for the identity server.
type Config struct {
	Addr        string
	DatabaseDSN string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	TokenTTL time.Duration

	HashCost          int
	ChallengeTTL      time.Duration
	MaxVerifyAttempts int

	RateLimitRPS   float64
	RateLimitBurst int

	GroupPageBase string
}

// LoadDefaults populates development defaults. A missing DSN means the
// server runs on the in-memory store; a missing SMTP host means mail is
// logged instead of sent.
func (c *Config) LoadDefaults() {
	c.Addr = ":8080"
	c.SMTPPort = 587
	c.TokenTTL = 24 * time.Hour
	c.RateLimitRPS = 5
	c.RateLimitBurst = 10
	c.GroupPageBase = "https://pallas.athemath.org/groups/"
}

// Load builds a Config from defaults overlaid with environment
// variables.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	setString(&c.Addr, "PALLAS_ADDR")
	setString(&c.DatabaseDSN, "PALLAS_PG_DSN")
	setString(&c.SMTPHost, "PALLAS_SMTP_HOST")
	setString(&c.SMTPUsername, "PALLAS_SMTP_USERNAME")
	setString(&c.SMTPPassword, "PALLAS_SMTP_PASSWORD")
	setString(&c.MailFrom, "PALLAS_MAIL_FROM")
	setString(&c.GroupPageBase, "PALLAS_GROUP_PAGE_BASE")

	if err := setInt(&c.SMTPPort, "PALLAS_SMTP_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.HashCost, "PALLAS_HASH_COST"); err != nil {
		return err
	}
	if err := setInt(&c.MaxVerifyAttempts, "PALLAS_MAX_VERIFY_ATTEMPTS"); err != nil {
		return err
	}
	if err := setInt(&c.RateLimitBurst, "PALLAS_RATE_LIMIT_BURST"); err != nil {
		return err
	}
	if err := setDuration(&c.TokenTTL, "PALLAS_TOKEN_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.ChallengeTTL, "PALLAS_CHALLENGE_TTL"); err != nil {
		return err
	}
	if err := setFloat(&c.RateLimitRPS, "PALLAS_RATE_LIMIT_RPS"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
