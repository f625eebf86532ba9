package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keylinehq/keyline/internal/fabric/broker/kafka"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	otpsqlite "github.com/keylinehq/keyline/internal/services/otp/storage/sqlite"
)

// RuntimeConfig controls OTP service startup.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	BrokerAddrs   []string
	NaiveTime     bool
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

const (
	defaultOTPPort = 8085
	defaultOTPDB   = "data/otp.db"
)

// Run starts the OTP gRPC server and its task worker, blocking until ctx is
// canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultOTPPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultOTPDB
	}
	if len(cfg.BrokerAddrs) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create otp storage dir: %w", err)
		}
	}

	store, err := otpsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open otp sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close otp sqlite store: %v", closeErr)
		}
	}()

	registry, err := catalog.NewRegistry()
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	fabricBroker, err := kafka.New(registry, kafka.Config{Brokers: cfg.BrokerAddrs})
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}
	defer func() {
		if closeErr := fabricBroker.Close(); closeErr != nil {
			log.Printf("close broker: %v", closeErr)
		}
	}()
	if err := fabricBroker.Declare(ctx); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	mode := envelope.TimeAware
	if cfg.NaiveTime {
		mode = envelope.TimeNaive
	}
	codec, err := envelope.NewCodec(mode)
	if err != nil {
		return fmt.Errorf("build envelope codec: %w", err)
	}

	service, err := NewService(store)
	if err != nil {
		return fmt.Errorf("build otp service: %w", err)
	}
	worker, err := runtime.New(fabricBroker, codec, runtime.Config{
		Queue:         catalog.QueueOTPExternal,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}, map[string]runtime.Handler{
		catalog.TaskExternalOTPCreate: service.ExternalOTPHandler(),
	}, log.Printf)
	if err != nil {
		return fmt.Errorf("build otp worker: %w", err)
	}

	server, err := rpc.NewServer("otp")
	if err != nil {
		return fmt.Errorf("build otp rpc server: %w", err)
	}
	if err := service.Register(server); err != nil {
		return fmt.Errorf("register otp methods: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on otp port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := server.GRPCServer()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Run(ctx)
	}()
	log.Printf("otp server listening at %v", listener.Addr())

	select {
	case err := <-serveErr:
		return err
	case err := <-workerErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("otp worker stopped: %w", err)
		}
		grpcServer.GracefulStop()
		<-serveErr
		return nil
	case <-ctx.Done():
		grpcServer.GracefulStop()
		<-serveErr
		return nil
	}
}
