package erp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is reported when the ERP rejects the session token.
	ErrSessionExpired = errors.New("erp: session expired")

	ErrMissingBaseURL     = errors.New("erp: base url is required")
	ErrMissingCredentials = errors.New("erp: username and password are required")
)

// AuthError is returned when the ERP refuses the credentials.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("erp: login rejected (status %d): %s", e.Status, e.Message)
}

// StatusError is a non-zero business status returned by an endpoint.
type StatusError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("erp: %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

// TransportError wraps network failures, timeouts and unusable HTTP replies.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("erp: transport failure on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
