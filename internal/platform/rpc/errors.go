package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnimplemented indicates the remote service does not register the
	// called method. It is distinct from unreachable and from application
	// failures so callers can detect deployment drift.
	ErrUnimplemented = errors.New("rpc method is not implemented")
	// ErrUnavailable indicates the remote service could not be reached or
	// answered that it is temporarily unable to serve.
	ErrUnavailable = errors.New("rpc service is unavailable")
	// ErrDeadline indicates the bounded call timeout elapsed.
	ErrDeadline = errors.New("rpc call deadline exceeded")
)

// RemoteError is an application-level failure returned by the remote service.
type RemoteError struct {
	Service string
	Method  string
	Code    codes.Code
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e == nil {
		return "rpc remote error"
	}
	return fmt.Sprintf("rpc %s.%s: %s: %s", e.Service, e.Method, e.Code, e.Message)
}

// translateCallError maps a gRPC call failure to the gateway error taxonomy.
func translateCallError(service, method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("call %s.%s: %w", service, method, err)
	}
	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("call %s.%s: %w", service, method, ErrUnimplemented)
	case codes.Unavailable:
		return fmt.Errorf("call %s.%s: %w", service, method, ErrUnavailable)
	case codes.DeadlineExceeded:
		return fmt.Errorf("call %s.%s: %w", service, method, ErrDeadline)
	default:
		return &RemoteError{
			Service: service,
			Method:  method,
			Code:    st.Code(),
			Message: st.Message(),
		}
	}
}

// Retryable reports whether a gateway error is worth retrying under an
// explicit retry policy. Unimplemented and application errors never are.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrDeadline)
}
