// Package otp parses otp command flags and launches the otp service.
package otp

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/keylinehq/keyline/internal/platform/cmd"
	otpserver "github.com/keylinehq/keyline/internal/services/otp/app"
)

// Config holds otp command configuration.
type Config struct {
	Port          int           `env:"KEYLINE_OTP_PORT" envDefault:"8085"`
	DBPath        string        `env:"KEYLINE_OTP_DB_PATH" envDefault:"data/otp.db"`
	Brokers       string        `env:"KEYLINE_OTP_BROKERS" envDefault:"localhost:9092"`
	NaiveTime     bool          `env:"KEYLINE_OTP_NAIVE_TIME"`
	MaxAttempts   int           `env:"KEYLINE_OTP_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff  time.Duration `env:"KEYLINE_OTP_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay time.Duration `env:"KEYLINE_OTP_RETRY_MAX_DELAY" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The otp gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The otp SQLite database path")
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

// Run starts the otp service runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOTP, func(context.Context) error {
		return otpserver.Run(ctx, otpserver.RuntimeConfig{
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
