// Package config reads service settings from the environment. Every setting
// has a default suitable for a single-host development stack; invalid values
// are logged and the default is kept.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// URL moderation modes for held messages.
const (
	ModeAutomated = "automated"
	ModeManual    = "manual"
)

// Config holds the settings shared by the inspector, moderator and admin
// binaries. Each binary reads the fields it needs.
type Config struct {
	RedisAddr   string
	NATSURL     string
	DatabaseURL string
	ListenAddr  string // admin HTTP API
	MetricsAddr string // /metrics for the NATS workers
	PolicyFile  string

	ScannerURL  string // empty selects the offline heuristic scanner
	ScanTimeout time.Duration
	ScanRetries int

	URLModerationMode string
	SweepInterval     time.Duration
	SweepAge          time.Duration
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		NATSURL:           "nats://localhost:4222",
		DatabaseURL:       "postgres://localhost:5432/chat?sslmode=disable",
		ListenAddr:        ":8080",
		MetricsAddr:       ":9102",
		ScanTimeout:       10 * time.Second,
		ScanRetries:       3,
		URLModerationMode: ModeAutomated,
		SweepInterval:     30 * time.Second,
		SweepAge:          time.Minute,
	}
}

// FromEnv returns Default overridden by the environment.
func FromEnv() Config {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Config {
	c := Default()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, keeping default")
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			log.Warn().Str("key", key).Str("value", v).Msg("invalid integer, keeping default")
			return
		}
		*dst = n
	}

	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("POLICY_FILE", &c.PolicyFile)
	str("SCANNER_URL", &c.ScannerURL)
	dur("SCAN_TIMEOUT", &c.ScanTimeout)
	num("SCAN_RETRIES", &c.ScanRetries)
	dur("SWEEP_INTERVAL", &c.SweepInterval)
	dur("SWEEP_AGE", &c.SweepAge)

	if v, ok := lookup("URL_MODERATION_MODE"); ok && v != "" {
		switch v {
		case ModeAutomated, ModeManual:
			c.URLModerationMode = v
		default:
			log.Warn().Str("key", "URL_MODERATION_MODE").Str("value", v).Msg("unknown mode, keeping default")
		}
	}

	return c
}
