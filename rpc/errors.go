package rpc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConfigured is returned when no endpoint has been configured. It is
// permanent until reconfigured and is never retried.
var ErrNotConfigured = errors.New("rpc: no endpoint configured")

// TransportError wraps an I/O failure or a non-success HTTP status.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a reply that could not be parsed as a JSON-RPC
// envelope.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc: protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError carries a server-reported error object verbatim.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

// IsConfigError reports whether err is the unconfigured-endpoint failure.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// IsTransportError reports whether err is an I/O-level failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is an envelope parse failure.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRemoteError reports whether err is a server-reported error, and returns
// it when so.
func IsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// errKind labels an error for metrics.
func errKind(err error) string {
	switch {
	case IsConfigError(err):
		return "config"
	case IsTransportError(err):
		return "transport"
	case IsProtocolError(err):
		return "protocol"
	default:
		return "remote"
	}
}
