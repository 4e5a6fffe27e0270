// Package config reads service settings from WALLET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/loyaltywallet/internal/ledger"
	"github.com/dukerupert/loyaltywallet/internal/points"
	"github.com/dukerupert/loyaltywallet/internal/snapshot"
)

const prefix = "WALLET_"

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string
	JWTSecret string
	TokenTTL  time.Duration

	OpTimeout              time.Duration
	RefundPointsPolicy     ledger.RefundPointsPolicy
	PointsPerUnit          int64
	DefaultPointsPerDollar int
	AuditFailures          bool

	CORSOrigins []string
	RateLimit   int

	Snapshot snapshot.Config
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads settings through getenv, applying defaults for unset values.
func Load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		Port:      r.str("PORT", "8080"),
		DBPath:    r.str("DB_PATH", "wallet.db"),
		LogLevel:  r.str("LOG_LEVEL", "info"),
		LogFormat: r.str("LOG_FORMAT", "text"),
		JWTSecret: r.str("JWT_SECRET", ""),
		TokenTTL:  r.duration("TOKEN_TTL", 24*time.Hour),

		OpTimeout:              r.duration("OP_TIMEOUT", ledger.DefaultTimeout),
		RefundPointsPolicy:     ledger.RefundPointsPolicy(strings.ToLower(r.str("REFUND_POINTS_POLICY", string(ledger.RefundClamp)))),
		PointsPerUnit:          int64(r.integer("REDEMPTION_POINTS_PER_UNIT", points.DefaultPointsPerUnit)),
		DefaultPointsPerDollar: r.integer("DEFAULT_POINTS_PER_DOLLAR", points.DefaultPointsPerDollar),
		AuditFailures:          r.boolean("AUDIT_FAILURES", false),

		CORSOrigins: r.list("CORS_ORIGINS"),
		RateLimit:   r.integer("RATE_LIMIT_PER_MINUTE", 60),

		Snapshot: snapshot.Config{
			S3: snapshot.S3Config{
				Endpoint:  r.str("S3_ENDPOINT", ""),
				Bucket:    r.str("S3_BUCKET", ""),
				Region:    r.str("S3_REGION", "us-east-1"),
				AccessKey: r.str("S3_ACCESS_KEY", ""),
				SecretKey: r.str("S3_SECRET_KEY", ""),
			},
			Prefix:        r.str("S3_PREFIX", "snapshots"),
			Passphrase:    r.str("SNAPSHOT_PASSPHRASE", ""),
			Interval:      r.duration("SNAPSHOT_INTERVAL", 0),
			RetentionDays: r.integer("SNAPSHOT_RETENTION_DAYS", 30),
		},
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New(prefix+"JWT_SECRET is required"))
	}
	if c.RefundPointsPolicy != ledger.RefundClamp && c.RefundPointsPolicy != ledger.RefundReject {
		errs = append(errs, fmt.Errorf("%sREFUND_POINTS_POLICY must be clamp or reject, got %q", prefix, c.RefundPointsPolicy))
	}
	if c.PointsPerUnit < 1 {
		errs = append(errs, errors.New(prefix+"REDEMPTION_POINTS_PER_UNIT must be >= 1"))
	}
	if c.DefaultPointsPerDollar < 1 {
		errs = append(errs, errors.New(prefix+"DEFAULT_POINTS_PER_DOLLAR must be >= 1"))
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New(prefix+"OP_TIMEOUT must be positive"))
	}
	if c.RateLimit < 1 {
		errs = append(errs, errors.New(prefix+"RATE_LIMIT_PER_MINUTE must be >= 1"))
	}
	if c.Snapshot.Interval < 0 {
		errs = append(errs, errors.New(prefix+"SNAPSHOT_INTERVAL must not be negative"))
	}
	if c.Snapshot.Interval > 0 && !c.Snapshot.Enabled() {
		errs = append(errs, errors.New(prefix+"SNAPSHOT_INTERVAL needs S3 credentials and "+prefix+"SNAPSHOT_PASSPHRASE"))
	}
	return errors.Join(errs...)
}

// Ledger returns the engine settings.
func (c Config) Ledger() ledger.Config {
	return ledger.Config{
		Timeout:       c.OpTimeout,
		RefundPoints:  c.RefundPointsPolicy,
		Points:        points.Policy{PointsPerUnit: c.PointsPerUnit},
		AuditFailures: c.AuditFailures,
	}
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(prefix + key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	var out []string
	for _, s := range strings.Split(r.str(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
