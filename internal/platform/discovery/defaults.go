// Package discovery centralizes internal service-discovery conventions.
package discovery

import (
	"strconv"
	"strings"
)

const (
	// ServiceAuth is the auth/crypto gRPC service identity.
	ServiceAuth = "auth"
	// ServiceDevice is the device gRPC service identity.
	ServiceDevice = "device"
	// ServiceEnrollment is the enrollment gRPC service identity.
	ServiceEnrollment = "enrollment"
	// ServiceOTP is the OTP gRPC service identity.
	ServiceOTP = "otp"
	// ServiceAudit is the audit trail worker identity.
	ServiceAudit = "audit"
)

var grpcPorts = map[string]int{
	ServiceAuth:       8083,
	ServiceEnrollment: 8084,
	ServiceOTP:        8085,
	ServiceDevice:     8086,
	ServiceAudit:      8087,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	service = strings.TrimSpace(service)
	port, ok := grpcPorts[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}

// OrDefaultGRPCAddr returns value when set, otherwise the service convention.
func OrDefaultGRPCAddr(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return DefaultGRPCAddr(service)
}
