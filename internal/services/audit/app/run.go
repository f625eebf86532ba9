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
	auditsqlite "github.com/keylinehq/keyline/internal/services/audit/storage/sqlite"
)

// RuntimeConfig controls audit service startup.
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
	defaultAuditPort = 8087
	defaultAuditDB   = "data/audit.db"
)

// Run starts the audit gRPC server and its consume worker, blocking until
// ctx is canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultAuditPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultAuditDB
	}
	if len(cfg.BrokerAddrs) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit storage dir: %w", err)
		}
	}

	store, err := auditsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close audit sqlite store: %v", closeErr)
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
		return fmt.Errorf("build audit service: %w", err)
	}
	service.logf = log.Printf

	// The audit queue is bound to every routing key, so every declared
	// task gets the same recording handler.
	handlers := make(map[string]runtime.Handler)
	for _, task := range catalog.Tasks() {
		handlers[task.Name] = service.RecordHandler()
	}
	worker, err := runtime.New(fabricBroker, codec, runtime.Config{
		Queue:         catalog.QueueAuditConsume,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}, handlers, log.Printf)
	if err != nil {
		return fmt.Errorf("build audit worker: %w", err)
	}

	server, err := rpc.NewServer("audit")
	if err != nil {
		return fmt.Errorf("build audit rpc server: %w", err)
	}
	if err := service.Register(server); err != nil {
		return fmt.Errorf("register audit methods: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on audit port %d: %w", cfg.Port, err)
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
	log.Printf("audit server listening at %v", listener.Addr())

	select {
	case err := <-serveErr:
		return err
	case err := <-workerErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("audit worker stopped: %w", err)
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
