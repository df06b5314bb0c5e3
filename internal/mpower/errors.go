package mpower

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned by Connect when the device rejects the
	// username or password. It is not retried by the client.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnexpectedResponse marks a malformed login, poll or command response.
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrAlreadyConnected   = errors.New("connection is already opened or closed")
	ErrClientClosed       = errors.New("client closed")
)

// ResponseError carries the body of a response the device should not have sent.
type ResponseError struct {
	Op   string
	Body string
	Err  error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("mpower: %v failed with %q: %v", e.Op, e.Body, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// CommandError is returned when the device answers a port update with a
// status other than success.
type CommandError struct {
	Port   int
	Status string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("mpower: failed to update port %v, status %q", e.Port, e.Status)
}
