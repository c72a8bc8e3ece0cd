// Package runerr defines the error taxonomy shared by the gateway, the poller,
// the collector and the orchestrator.
//
// Errors are plain wrapped errors. Callers classify them with errors.Is against
// the sentinels below, or with Kind when a printable classification is needed.
package runerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates invalid or missing configuration, detected
	// before any network call is made.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuth indicates that the remote service rejected the credentials
	// (login failure, HTTP 401/403). Never retried.
	ErrAuth = errors.New("authentication error")

	// ErrTransient indicates a network failure, timeout or 5xx response that
	// persisted after the gateway exhausted its retries.
	ErrTransient = errors.New("transient error")

	// ErrFatal indicates an unrecoverable remote rejection (malformed request,
	// unexpected response) or an escalated transient failure.
	ErrFatal = errors.New("fatal error")

	// ErrArtifact indicates that a single artifact could not be fetched or
	// written. It never fails a job on its own.
	ErrArtifact = errors.New("artifact error")

	// ErrCanceled indicates that the orchestration was canceled by the caller.
	ErrCanceled = errors.New("canceled")

	// ErrStatusUnreachable indicates that the run status stayed unknown for
	// more consecutive polls than allowed.
	ErrStatusUnreachable = errors.New("status unreachable")
)

// Configuration returns a configuration error with a formatted message.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Fatal marks err as fatal unless it already carries a classification that
// callers should keep seeing (auth failures stay auth failures).
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrAuth) || errors.Is(err, ErrConfiguration) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrFatal, err)
}

// Artifact wraps a per-file failure.
func Artifact(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArtifact, name, err)
}

// Kind returns a short classification of err for logs and run records.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrStatusUnreachable):
		return "status_unreachable"
	case errors.Is(err, ErrArtifact):
		return "artifact"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "fatal"
	}
}
