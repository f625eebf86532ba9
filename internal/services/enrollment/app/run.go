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

	authv1 "github.com/keylinehq/keyline/api/auth/v1"
	"github.com/keylinehq/keyline/internal/fabric/broker/kafka"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	enrollmentsqlite "github.com/keylinehq/keyline/internal/services/enrollment/storage/sqlite"
)

// RuntimeConfig controls enrollment service startup.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	AuthAddr      string
	BrokerAddrs   []string
	NaiveTime     bool
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

const (
	defaultEnrollmentPort = 8084
	defaultEnrollmentDB   = "data/enrollment.db"
)

// Run starts the enrollment gRPC server and its signal worker, blocking
// until ctx is canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultEnrollmentPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultEnrollmentDB
	}
	if strings.TrimSpace(cfg.AuthAddr) == "" {
		return fmt.Errorf("auth address is required")
	}
	if len(cfg.BrokerAddrs) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create enrollment storage dir: %w", err)
		}
	}

	store, err := enrollmentsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open enrollment sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close enrollment sqlite store: %v", closeErr)
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
	dispatcher, err := dispatch.New(fabricBroker, codec, registry, catalog.Tasks())
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	service, err := NewService(store, dispatcher)
	if err != nil {
		return fmt.Errorf("build enrollment service: %w", err)
	}

	gateway, err := rpc.NewGateway(rpc.GatewayConfig{
		Addrs: map[string]string{authv1.Service: cfg.AuthAddr},
	})
	if err != nil {
		return fmt.Errorf("build rpc gateway: %w", err)
	}
	defer func() {
		if closeErr := gateway.Close(); closeErr != nil {
			log.Printf("close rpc gateway: %v", closeErr)
		}
	}()
	authClient, err := authv1.NewClient(gateway)
	if err != nil {
		return fmt.Errorf("build auth client: %w", err)
	}

	worker, err := runtime.New(fabricBroker, codec, runtime.Config{
		Queue:         catalog.QueueEnrollmentSignal,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}, map[string]runtime.Handler{
		catalog.TaskSignalCodePostCreate: service.SignalCodeHandler(authClient),
	}, log.Printf)
	if err != nil {
		return fmt.Errorf("build signal worker: %w", err)
	}

	server, err := rpc.NewServer("enrollment")
	if err != nil {
		return fmt.Errorf("build enrollment rpc server: %w", err)
	}
	if err := service.Register(server); err != nil {
		return fmt.Errorf("register enrollment methods: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on enrollment port %d: %w", cfg.Port, err)
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
	log.Printf("enrollment server listening at %v", listener.Addr())

	select {
	case err := <-serveErr:
		return err
	case err := <-workerErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("signal worker stopped: %w", err)
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
