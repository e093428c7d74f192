package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
)

// IdentityError creates an error for identity provisioning failures.
func IdentityError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeIdentity, "IDENTITY_FAILED", fmt.Sprintf("Identity %s failed", operation)).
		WithSeverity(SeverityCritical)
}

// AddressResolutionError creates an error when the relay address cannot be determined.
func AddressResolutionError(source string, cause error) *AppError {
	return Wrap(cause, ErrorTypeAddress, "ADDRESS_UNRESOLVED", fmt.Sprintf("Could not resolve public address via %s", source)).
		WithSeverity(SeverityCritical)
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeConfiguration, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// DatabaseConnectionError creates an error for store connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "Database connection failed").
		WithSeverity(SeverityHigh)
}

// DatabaseError creates an error for a failed store operation.
func DatabaseError(operation string, cause error) *AppError {
	if IsTimeout(cause) {
		return Wrap(cause, ErrorTypeTimeout, "QUERY_TIMEOUT", fmt.Sprintf("Database %s timed out", operation))
	}
	return Wrap(cause, ErrorTypeDatabase, "DATABASE_ERROR", fmt.Sprintf("Database %s failed", operation))
}

// FetchError creates an error for a failed peer-set read.
func FetchError(relayAddress string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "PEER_FETCH_FAILED", "Fetching active peers failed").
		WithDetails(fmt.Sprintf("relay %s: %v", relayAddress, cause))
}

// ToolError creates an error for a failed external tool invocation.
func ToolError(command string, exitCode int, stderr string, cause error) *AppError {
	code := "TOOL_FAILED"
	if IsTimeout(cause) {
		code = "TOOL_TIMEOUT"
	}
	details := fmt.Sprintf("exit %d", exitCode)
	if s := strings.TrimSpace(stderr); s != "" {
		details += ": " + s
	}
	return Wrap(cause, ErrorTypeExternal, code, fmt.Sprintf("%s failed", command)).
		WithDetails(details)
}

// ApplyError creates an error for a configuration that could not be pushed to the interface.
func ApplyError(iface string, cause error) *AppError {
	return Wrap(cause, ErrorTypeApply, "APPLY_FAILED", fmt.Sprintf("Applying configuration to %s failed", iface))
}

// SubscriptionError creates an error for change feed failures.
func SubscriptionError(channel string, cause error) *AppError {
	return Wrap(cause, ErrorTypeSubscription, "SUBSCRIBE_FAILED", fmt.Sprintf("Subscribing to %s failed", channel)).
		WithSeverity(SeverityHigh)
}

// ExternalServiceError creates an error for external service failures
func ExternalServiceError(service, operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("External service %s failed during %s", service, operation))
}

// IsFatal reports whether err means the agent cannot operate at all.
func IsFatal(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeIdentity, ErrorTypeAddress, ErrorTypeConfiguration:
		return appErr.Severity == SeverityCritical
	}
	return false
}

// IsRecoverable determines if a later pass may succeed where this one failed.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase, ErrorTypeExternal, ErrorTypeApply, ErrorTypeSubscription:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRender, ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	}
	return false
}

// IsTimeout reports context deadlines and network timeouts anywhere in the chain.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
