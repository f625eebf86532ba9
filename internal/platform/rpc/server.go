package rpc

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Handler serves one RPC method. decode unmarshals the request into the
// handler's request type; the returned value is encoded as the response.
type Handler func(ctx context.Context, decode func(any) error) (any, error)

// Server registers method handlers for one service and answers calls to
// unregistered methods with a deterministic Unimplemented status.
type Server struct {
	service  string
	prefix   string
	handlers map[string]Handler
}

// NewServer creates a method-registry server for the named service.
func NewServer(service string) (*Server, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	return &Server{
		service:  service,
		prefix:   FullMethodPrefix(service),
		handlers: map[string]Handler{},
	}, nil
}

// FullMethodPrefix returns the conventional gRPC method prefix for a service.
func FullMethodPrefix(service string) string {
	return "/keyline." + strings.TrimSpace(service) + ".v1/"
}

// Handle registers a handler for one method name. Registration happens at
// startup; duplicate or empty registrations are a programming error.
func (s *Server) Handle(method string, handler Handler) error {
	if s == nil {
		return fmt.Errorf("server is not configured")
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return fmt.Errorf("method name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required for method %s", method)
	}
	if _, exists := s.handlers[method]; exists {
		return fmt.Errorf("method %s is already registered", method)
	}
	s.handlers[method] = handler
	return nil
}

// Methods returns the registered method names, for startup logging.
func (s *Server) Methods() []string {
	if s == nil {
		return nil
	}
	methods := make([]string, 0, len(s.handlers))
	for method := range s.handlers {
		methods = append(methods, method)
	}
	return methods
}

// GRPCServer builds a gRPC server that routes every call through the method
// registry and serves health checks. Calls outside this service's prefix or
// to unregistered methods answer Unimplemented rather than hanging.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	serverOpts := append([]grpc.ServerOption{
		grpc.UnknownServiceHandler(s.route),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return grpcServer
}

func (s *Server) route(_ any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name is missing from stream")
	}
	handler, ok := s.lookup(fullMethod)
	if !ok {
		return status.Errorf(codes.Unimplemented, "method %s is not implemented", fullMethod)
	}

	ctx := stream.Context()
	resp, err := handler(ctx, func(target any) error {
		return stream.RecvMsg(target)
	})
	if err != nil {
		if _, isStatus := status.FromError(err); isStatus {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(resp)
}

func (s *Server) lookup(fullMethod string) (Handler, bool) {
	if s == nil {
		return nil, false
	}
	method, ok := strings.CutPrefix(fullMethod, s.prefix)
	if !ok {
		return nil, false
	}
	handler, ok := s.handlers[method]
	return handler, ok
}
