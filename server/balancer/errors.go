package balancer

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no connection became available before the acquire deadline.
	// Callers may retry the whole request later.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned for acquires on a host pool that was shut down. It wraps ErrPoolExhausted.
	ErrPoolClosed = fmt.Errorf("%w: host pool closed", ErrPoolExhausted)

	// ErrNoAvailableHost is returned when every host is in problem state or failed during failover.
	ErrNoAvailableHost = errors.New("no available host")

	// ErrConnect is matched by every *ConnectError via errors.Is
	ErrConnect = errors.New("backend connect failed")

	ErrBalancerClosed = errors.New("balancer closed")
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrHostExists     = errors.New("host already registered")
	ErrHostNotFound   = errors.New("host not found")
)

// ConnectError reports a transport level failure to establish a connection to a host.
// It is never retried by the pool; the selector uses it to fail over to another host.
type ConnectError struct {
	HostID string
	Addr   string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to host %s (%s): %v", e.HostID, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}
