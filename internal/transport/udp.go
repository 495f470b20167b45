package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// UDPConn is a Conn over a UDPv4 socket. Interface control messages are
// enabled so datagrams arriving on other interfaces can be filtered out.
type UDPConn struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	ifIndex int

	readMu sync.Mutex // one reader owns the read deadline at a time
	closed atomic.Bool
}

// ListenUDP binds addr (host:port). When iface is not empty only datagrams
// received on that interface are returned. Go enables SO_BROADCAST on UDP
// sockets, so broadcast destinations need no extra socket option.
func ListenUDP(addr, iface string) (*UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving UDP address %s: %w", addr, err)
	}

	ifIndex := 0
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("looking up interface %s: %w", iface, err)
		}
		ifIndex = ifi.Index
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling interface control messages: %w", err)
	}

	return &UDPConn{conn: conn, pc: pc, ifIndex: ifIndex}, nil
}

// Send writes b to dst.
func (c *UDPConn) Send(b []byte, dst *net.UDPAddr) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.pc.WriteTo(b, nil, dst); err != nil {
		return fmt.Errorf("sending to %s: %w", dst, err)
	}
	return nil
}

// Receive waits for the next datagram on the bound interface.
func (c *UDPConn) Receive(ctx context.Context, timeout time.Duration) (Datagram, error) {
	if c.closed.Load() {
		return Datagram{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Datagram{}, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return Datagram{}, fmt.Errorf("setting read deadline: %w", err)
	}

	// Cancellation unblocks the read by moving the deadline into the past.
	stop := context.AfterFunc(ctx, func() {
		c.pc.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, dhcpv4.MaxPacketSize)
	for {
		n, cm, src, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Datagram{}, ctxErr
			}
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return Datagram{}, ErrClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Datagram{}, ErrTimeout
			}
			return Datagram{}, fmt.Errorf("reading datagram: %w", err)
		}

		d := Datagram{Data: append([]byte(nil), buf[:n]...)}
		if cm != nil {
			d.IfIndex = cm.IfIndex
		}
		if c.ifIndex != 0 && d.IfIndex != 0 && d.IfIndex != c.ifIndex {
			continue
		}
		if ua, ok := src.(*net.UDPAddr); ok {
			d.Src = ua
		}
		return d, nil
	}
}

// LocalAddr returns the bound address.
func (c *UDPConn) LocalAddr() *net.UDPAddr {
	addr, _ := c.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close releases the socket. Pending Receive calls return ErrClosed.
func (c *UDPConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.pc.Close()
}

var _ Conn = (*UDPConn)(nil)
