// Package auth parses auth command flags and launches the auth service.
package auth

import (
	"context"
	"flag"

	entrypoint "github.com/keylinehq/keyline/internal/platform/cmd"
	authserver "github.com/keylinehq/keyline/internal/services/auth/app"
)

// Config holds auth command configuration.
type Config struct {
	Port   int    `env:"KEYLINE_AUTH_PORT" envDefault:"8083"`
	DBPath string `env:"KEYLINE_AUTH_DB_PATH" envDefault:"data/auth.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The auth gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The auth SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auth service runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAuth, func(context.Context) error {
		return authserver.Run(ctx, authserver.RuntimeConfig{
			Port:   cfg.Port,
			DBPath: cfg.DBPath,
		})
	})
}
