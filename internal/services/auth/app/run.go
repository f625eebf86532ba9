package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/keylinehq/keyline/internal/platform/rpc"
	authsqlite "github.com/keylinehq/keyline/internal/services/auth/storage/sqlite"
)

// RuntimeConfig controls auth service startup.
type RuntimeConfig struct {
	Port   int
	DBPath string
}

const (
	defaultAuthPort = 8083
	defaultAuthDB   = "data/auth.db"
)

// Run starts the auth gRPC server and blocks until ctx is canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultAuthPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultAuthDB
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create auth storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open auth sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close auth sqlite store: %v", closeErr)
		}
	}()

	service, err := NewService(store)
	if err != nil {
		return fmt.Errorf("build auth service: %w", err)
	}
	server, err := rpc.NewServer("auth")
	if err != nil {
		return fmt.Errorf("build auth rpc server: %w", err)
	}
	if err := service.Register(server); err != nil {
		return fmt.Errorf("register auth methods: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on auth port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := server.GRPCServer()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	log.Printf("auth server listening at %v", listener.Addr())

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		grpcServer.GracefulStop()
		<-serveErr
		return nil
	}
}
