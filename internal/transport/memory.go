package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// inboxSize bounds the per-endpoint queue; overflow is dropped like a busy NIC.
const inboxSize = 256

// Filter decides how many copies of a datagram reach the segment:
// 0 drops it, 1 delivers it normally, 2 or more duplicates it.
type Filter func(data []byte, src, dst *net.UDPAddr) int

// Network is an in-memory broadcast segment. Endpoints attached to it
// exchange datagrams with the same addressing rules as a flat LAN:
// 255.255.255.255 reaches every other endpoint on the destination port,
// unicast reaches endpoints bound to that address or to 0.0.0.0.
type Network struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	filter    Filter
}

// NewNetwork creates an empty segment.
func NewNetwork() *Network {
	return &Network{}
}

// SetFilter installs f for every subsequent Send. nil restores plain delivery.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Listen attaches a new endpoint bound to addr.
func (n *Network) Listen(addr *net.UDPAddr) (*Endpoint, error) {
	if addr == nil || addr.Port <= 0 || addr.Port > 65535 {
		return nil, fmt.Errorf("invalid listen address %v", addr)
	}
	ip := addr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}

	ep := &Endpoint{
		net:    n,
		addr:   &net.UDPAddr{IP: ip, Port: addr.Port},
		inbox:  make(chan Datagram, inboxSize),
		closed: make(chan struct{}),
	}

	n.mu.Lock()
	n.endpoints = append(n.endpoints, ep)
	n.mu.Unlock()
	return ep, nil
}

func (n *Network) detach(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.endpoints {
		if e == ep {
			n.endpoints = append(n.endpoints[:i], n.endpoints[i+1:]...)
			return
		}
	}
}

func (n *Network) deliver(from *Endpoint, b []byte, dst *net.UDPAddr) {
	n.mu.Lock()
	copies := 1
	if n.filter != nil {
		copies = n.filter(b, from.addr, dst)
	}
	var targets []*Endpoint
	for _, ep := range n.endpoints {
		if ep != from && ep.accepts(dst) {
			targets = append(targets, ep)
		}
	}
	n.mu.Unlock()

	for i := 0; i < copies; i++ {
		for _, ep := range targets {
			ep.enqueue(Datagram{
				Data: append([]byte(nil), b...),
				Src:  &net.UDPAddr{IP: from.addr.IP, Port: from.addr.Port},
			})
		}
	}
}

// Endpoint is one attachment point on a Network. It implements Conn.
type Endpoint struct {
	net   *Network
	addr  *net.UDPAddr
	inbox chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (e *Endpoint) accepts(dst *net.UDPAddr) bool {
	if dst.Port != e.addr.Port {
		return false
	}
	if dst.IP.Equal(net.IPv4bcast) || e.addr.IP.IsUnspecified() {
		return true
	}
	return dst.IP.Equal(e.addr.IP)
}

func (e *Endpoint) enqueue(d Datagram) {
	select {
	case <-e.closed:
	case e.inbox <- d:
	default:
	}
}

// Send delivers a copy of b to every endpoint dst addresses.
func (e *Endpoint) Send(b []byte, dst *net.UDPAddr) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if dst == nil {
		return fmt.Errorf("sending: nil destination")
	}
	e.net.deliver(e, b, dst)
	return nil
}

// Receive waits for the next queued datagram.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) (Datagram, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.closed:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case d := <-e.inbox:
		return d, nil
	case <-expired:
		return Datagram{}, ErrTimeout
	}
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.addr
}

// Close detaches the endpoint. Pending Receive calls return ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.net.detach(e)
	})
	return nil
}

var _ Conn = (*Endpoint)(nil)
