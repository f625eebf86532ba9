package rpc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	platformgrpc "github.com/keylinehq/keyline/internal/platform/grpc"
	"github.com/keylinehq/keyline/internal/platform/timeouts"
	"google.golang.org/grpc"
)

// CallOption adjusts one gateway call.
type CallOption func(*callSettings)

type callSettings struct {
	timeout      time.Duration
	attempts     int
	retryBackoff time.Duration
}

// WithTimeout bounds one call instead of the gateway default.
func WithTimeout(timeout time.Duration) CallOption {
	return func(s *callSettings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRetry enables bounded retry for transient failures on one call.
// The default is a single attempt: retry-or-fail is the caller's policy
// decision, never an implicit gateway behavior.
func WithRetry(attempts int, backoff time.Duration) CallOption {
	return func(s *callSettings) {
		if attempts > 1 {
			s.attempts = attempts
		}
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// Gateway is the synchronous cross-service call boundary. Channels to remote
// services are acquired per call from a shared pool and released on every
// exit path; connection reuse is the pool's concern, not the caller's.
type Gateway struct {
	addrs       map[string]string
	dialTimeout time.Duration
	callTimeout time.Duration
	dialer      platformgrpc.Dialer
	logf        func(string, ...any)

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GatewayConfig wires a gateway's dependencies explicitly.
type GatewayConfig struct {
	// Addrs maps service names to gRPC addresses.
	Addrs map[string]string
	// DialTimeout bounds channel establishment. Defaults to timeouts.GRPCDial.
	DialTimeout time.Duration
	// CallTimeout bounds each call. Defaults to timeouts.GRPCRequest.
	CallTimeout time.Duration
	// Dialer overrides the dial behavior, for tests.
	Dialer platformgrpc.Dialer
	// Logf receives gateway diagnostics. Defaults to log.Printf.
	Logf func(string, ...any)
}

// NewGateway creates a gateway for the configured remote services.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one service address is required")
	}
	addrs := make(map[string]string, len(cfg.Addrs))
	for service, addr := range cfg.Addrs {
		service = strings.TrimSpace(service)
		addr = strings.TrimSpace(addr)
		if service == "" || addr == "" {
			return nil, fmt.Errorf("service name and address are required")
		}
		addrs[service] = addr
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = timeouts.GRPCDial
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = timeouts.GRPCRequest
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Gateway{
		addrs:       addrs,
		dialTimeout: dialTimeout,
		callTimeout: callTimeout,
		dialer:      cfg.Dialer,
		logf:        logf,
		conns:       map[string]*grpc.ClientConn{},
	}, nil
}

// Call invokes service.method synchronously, blocking until reply or timeout.
// Failures are translated into the gateway error taxonomy and re-raised to
// the caller; the gateway retries only under an explicit WithRetry option.
func (g *Gateway) Call(ctx context.Context, service, method string, req, resp any, opts ...CallOption) error {
	if g == nil {
		return fmt.Errorf("gateway is not configured")
	}
	service = strings.TrimSpace(service)
	method = strings.TrimSpace(method)
	if service == "" || method == "" {
		return fmt.Errorf("service and method are required")
	}

	settings := callSettings{
		timeout:      g.callTimeout,
		attempts:     1,
		retryBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= settings.attempts; attempt++ {
		lastErr = g.invoke(ctx, service, method, req, resp, settings.timeout)
		if lastErr == nil {
			return nil
		}
		if attempt == settings.attempts || !Retryable(lastErr) {
			return lastErr
		}
		g.logf("gateway retry %d/%d for %s.%s: %v", attempt, settings.attempts, service, method, lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("call %s.%s: %w", service, method, ctx.Err())
		case <-time.After(settings.retryBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (g *Gateway) invoke(ctx context.Context, service, method string, req, resp any, timeout time.Duration) error {
	conn, release, err := g.acquire(ctx, service)
	if err != nil {
		return err
	}
	defer release()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fullMethod := FullMethodPrefix(service) + method
	err = conn.Invoke(callCtx, fullMethod, req, resp, grpc.CallContentSubtype(CodecName))
	return translateCallError(service, method, err)
}

// acquire returns an established channel to the service plus a release
// function that must run on every exit path. Channels are dialed lazily and
// reused across calls.
func (g *Gateway) acquire(ctx context.Context, service string) (*grpc.ClientConn, func(), error) {
	addr, ok := g.addrs[service]
	if !ok {
		return nil, nil, fmt.Errorf("service %s is not configured", service)
	}

	g.mu.Lock()
	if conn, exists := g.conns[service]; exists {
		g.mu.Unlock()
		return conn, func() {}, nil
	}
	g.mu.Unlock()

	conn, err := platformgrpc.DialWithHealth(
		ctx,
		g.dialer,
		addr,
		g.dialTimeout,
		g.logf,
		platformgrpc.DefaultClientDialOptions()...,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w: %v", service, ErrUnavailable, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, exists := g.conns[service]; exists {
		// Another caller won the dial race; keep theirs.
		_ = conn.Close()
		return existing, func() {}, nil
	}
	g.conns[service] = conn
	return conn, func() {}, nil
}

// Close releases all pooled channels.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for service, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close channel to %s: %w", service, err)
		}
		delete(g.conns, service)
	}
	return firstErr
}
