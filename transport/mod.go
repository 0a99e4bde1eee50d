package transport

import (
	"errors"
	"fmt"
	"time"
)

// Transport creates sockets. Implementations must be usable by several nodes
// in the same process, each with its own socket.
type Transport interface {
	CreateSocket(address string) (ClosableSocket, error)
}

// Datagram is one received packet: the payload bytes and the address of the
// peer that sent them.
type Datagram struct {
	From    string
	Payload []byte
}

// Socket sends and receives raw datagrams.
type Socket interface {
	// Send sends a payload to the destination address. A zero timeout
	// means no timeout.
	Send(dest string, payload []byte, timeout time.Duration) error

	// Recv blocks until a datagram arrives or the timeout is reached, in
	// which case it returns a TimeoutError. A zero timeout means no
	// timeout. After Close it returns ErrClosed.
	Recv(timeout time.Duration) (Datagram, error)

	// GetAddress returns the address assigned to the socket. Useful when
	// one provided a ":0" address, which makes the system use a random
	// free port.
	GetAddress() string
}

// ClosableSocket augments a socket with a close function.
type ClosableSocket interface {
	Socket

	// Close closes the socket. It returns an error if already closed.
	Close() error
}

// ErrClosed is returned by socket operations after Close.
var ErrClosed = errors.New("transport closed")

// TimeoutError is a timeout raised by Send or Recv.
type TimeoutError time.Duration

// Error implements error.
func (err TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %d", time.Duration(err))
}

// Is implements the errors.Is convention: every timeout matches every other
// timeout, regardless of duration.
func (err TimeoutError) Is(other error) bool {
	_, ok := other.(TimeoutError)
	return ok
}

// TimeoutErr returns a TimeoutError for the given duration.
func TimeoutErr(timeout time.Duration) TimeoutError {
	return TimeoutError(timeout)
}
