package endserver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTransport is returned when a request is issued before the
	// transport has been created and started, or after it was closed.
	ErrNoTransport = errors.New("endserver: no transport for server")
	// ErrTransportExists is returned by CreateTransport when the actor
	// already holds a transport.
	ErrTransportExists = errors.New("endserver: transport already created")
	// ErrInvalidResponse marks a backend response that could not be decoded.
	ErrInvalidResponse = errors.New("endserver: invalid response from end server")
	// ErrEndServer wraps JSON-RPC error responses returned by a backend.
	ErrEndServer = errors.New("end server error")
)

// ReasonUnauthorized is the close reason used when a backend rejects the
// configured access token.
const ReasonUnauthorized = "Unauthorized: Invalid or missing access token"

// MissingEnvError reports required environment variables without a value.
type MissingEnvError struct {
	ServerID string
	Keys     []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("endserver: %s is missing required environment variables: %s", e.ServerID, strings.Join(e.Keys, ", "))
}

// TransportClosedError is delivered to every request that was pending when
// the actor's transport closed.
type TransportClosedError struct {
	Reason string
}

func (e *TransportClosedError) Error() string {
	if e.Reason == "" {
		return "endserver: transport closed"
	}
	return "endserver: " + e.Reason
}

// IsUnauthorized reports whether err is a TransportClosedError caused by an
// authorization failure.
func IsUnauthorized(err error) bool {
	var closed *TransportClosedError
	return errors.As(err, &closed) && closed.Reason == ReasonUnauthorized
}

// IsAuthFailure classifies a backend error by its text. It matches the
// OAuth "invalid_token" error code, and HTTP 401 status lines.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "invalid_token") {
		return true
	}
	return strings.Contains(lower, "401") && strings.Contains(lower, "unauthorized")
}

func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported method") ||
		strings.Contains(lower, "unimplemented")
}
