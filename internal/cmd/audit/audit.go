// Package audit parses audit command flags and launches the audit service.
package audit

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/keylinehq/keyline/internal/platform/cmd"
	auditserver "github.com/keylinehq/keyline/internal/services/audit/app"
)

// Config holds audit command configuration.
type Config struct {
	Port          int           `env:"KEYLINE_AUDIT_PORT" envDefault:"8087"`
	DBPath        string        `env:"KEYLINE_AUDIT_DB_PATH" envDefault:"data/audit.db"`
	Brokers       string        `env:"KEYLINE_AUDIT_BROKERS" envDefault:"localhost:9092"`
	NaiveTime     bool          `env:"KEYLINE_AUDIT_NAIVE_TIME"`
	MaxAttempts   int           `env:"KEYLINE_AUDIT_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff  time.Duration `env:"KEYLINE_AUDIT_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay time.Duration `env:"KEYLINE_AUDIT_RETRY_MAX_DELAY" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The audit gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The audit SQLite database path")
	fs.StringVar(&cfg.Brokers, "brokers", cfg.Brokers, "Comma-separated Kafka broker addresses")
	fs.BoolVar(&cfg.NaiveTime, "naive-time", cfg.NaiveTime, "Encode envelope times without offsets")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BrokerAddrs splits the configured broker list.
func (c Config) BrokerAddrs() []string {
	var addrs []string
	for _, addr := range strings.Split(c.Brokers, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Run starts the audit service runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAudit, func(context.Context) error {
		return auditserver.Run(ctx, auditserver.RuntimeConfig{
			Port:          cfg.Port,
			DBPath:        cfg.DBPath,
			BrokerAddrs:   cfg.BrokerAddrs(),
			NaiveTime:     cfg.NaiveTime,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
		})
	})
}
