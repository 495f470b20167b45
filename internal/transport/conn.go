// Package transport carries raw DORA datagrams between the client and server
// state machines. The engine only decides destinations; socket setup lives
// behind the Conn interface.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no datagram arrived within the
	// bounded wait.
	ErrTimeout = errors.New("receive timed out")
	// ErrClosed is returned by every operation on a closed Conn.
	ErrClosed = errors.New("transport closed")
)

// Datagram is one received payload with its sender.
type Datagram struct {
	Data    []byte
	Src     *net.UDPAddr
	IfIndex int // receiving interface, 0 when unknown
}

// Conn is a bound datagram endpoint.
type Conn interface {
	// Send writes b to dst. Errors are returned to the caller, never retried.
	Send(b []byte, dst *net.UDPAddr) error
	// Receive blocks until a datagram arrives, timeout elapses (ErrTimeout)
	// or ctx is cancelled (ctx.Err()). A timeout <= 0 waits for ctx only.
	Receive(ctx context.Context, timeout time.Duration) (Datagram, error)
	LocalAddr() *net.UDPAddr
	Close() error
}
