package lifecycle

import (
	"errors"
	"fmt"
)

// ErrorKind classifies lifecycle failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConfiguration failures are surfaced immediately and never retried.
	KindConfiguration
	// KindConnectivity means no network path; the network waits for one.
	KindConnectivity
	// KindTransport failures trigger the reconnect policy.
	KindTransport
	// KindProtocol failures are server-reported and usually non-fatal.
	KindProtocol
	// KindTransfer failures are scoped to one transfer or chat session.
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownNetwork = errors.New("lifecycle: network not configured")
	ErrNoConnectivity = errors.New("lifecycle: no network path")
	ErrNotConnected   = errors.New("lifecycle: network not connected")
	ErrClosed         = errors.New("lifecycle: manager closed")
)

// Error carries a kind and the network it concerns.
type Error struct {
	Kind    ErrorKind
	Network string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Network == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Network, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps err with kind for network and op.
func Errorf(kind ErrorKind, network, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Network: network, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
