// Package client implements the client side of the DORA exchange: broadcast
// a Discover, take the first Offer, Request it and wait for the Ack.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/dhcp"
	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
	"github.com/MauricioCa07/DHCP-Project/internal/transport"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

var (
	// ErrNoOffer is returned when every Discover attempt timed out.
	ErrNoOffer = errors.New("no offer received")
	// ErrNoAck is returned when every Request retransmission timed out.
	ErrNoAck = errors.New("no acknowledgement received")
	// ErrNak is returned when the server refused the Request.
	ErrNak = errors.New("request refused by server")
)

// State is the client negotiation state.
type State int

const (
	Init State = iota
	Discovering
	OfferReceived
	Requesting
	Bound  // terminal
	Failed // terminal
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Discovering:
		return "discovering"
	case OfferReceived:
		return "offer_received"
	case Requesting:
		return "requesting"
	case Bound:
		return "bound"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the retransmission policy and addressing of a Client.
type Config struct {
	// Attempts is the number of Discovers sent before giving up.
	Attempts int
	// DiscoverTimeout is the wait after the first Discover.
	DiscoverTimeout time.Duration
	// RequestTimeout is the wait after the first Request.
	RequestTimeout time.Duration
	// RequestRetries is the number of Request retransmissions. Zero sends
	// the Request once.
	RequestRetries int
	// MaxTimeout caps the doubling wait between retransmissions.
	MaxTimeout time.Duration
	ServerPort int
	ClientPort int
	// Broadcast sets the broadcast flag so the server answers to
	// 255.255.255.255 while the client has no address.
	Broadcast bool
}

// DefaultConfig returns the default retransmission policy.
func DefaultConfig() Config {
	return Config{
		Attempts:        5,
		DiscoverTimeout: 2 * time.Second,
		RequestTimeout:  2 * time.Second,
		RequestRetries:  3,
		MaxTimeout:      16 * time.Second,
		ServerPort:      dhcpv4.ServerPort,
		ClientPort:      dhcpv4.ClientPort,
		Broadcast:       true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.DiscoverTimeout <= 0 {
		c.DiscoverTimeout = d.DiscoverTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RequestRetries < 0 {
		c.RequestRetries = d.RequestRetries
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.ServerPort == 0 {
		c.ServerPort = d.ServerPort
	}
	if c.ClientPort == 0 {
		c.ClientPort = d.ClientPort
	}
}

// HardwareAddrFunc supplies the client hardware address.
type HardwareAddrFunc func() (net.HardwareAddr, error)

// InterfaceHardwareAddr reads the hardware address of the named interface.
func InterfaceHardwareAddr(name string) HardwareAddrFunc {
	return func() (net.HardwareAddr, error) {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("looking up interface %s: %w", name, err)
		}
		if len(iface.HardwareAddr) == 0 {
			return nil, fmt.Errorf("interface %s has no hardware address", name)
		}
		return iface.HardwareAddr, nil
	}
}

// StaticHardwareAddr always returns mac.
func StaticHardwareAddr(mac net.HardwareAddr) HardwareAddrFunc {
	return func() (net.HardwareAddr, error) { return mac, nil }
}

// Lease is the configuration a Bound client received.
type Lease struct {
	Address    net.IP
	Server     net.IP
	SubnetMask net.IPMask
	Routers    []net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
	AcquiredAt time.Time
	// RenewAt is T1, half the lease.
	RenewAt time.Time
	Expiry  time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces time.Now for lease timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithXID replaces the random transaction ID source.
func WithXID(next func() uint32) Option {
	return func(c *Client) { c.nextXID = next }
}

// OnTransition registers fn to run after every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(c *Client) { c.onTransition = fn }
}

// Client negotiates one lease over a transport. A Client runs once.
type Client struct {
	cfg          Config
	conn         transport.Conn
	hwAddr       HardwareAddrFunc
	logger       *slog.Logger
	now          func() time.Time
	nextXID      func() uint32
	onTransition func(from, to State)

	mu    sync.Mutex
	state State

	// Negotiation data, owned by Run.
	mac     net.HardwareAddr
	xid     uint32
	offer   *dhcp.Packet
	request []byte
}

// New creates a Client sending over conn.
func New(conn transport.Conn, hwAddr HardwareAddrFunc, cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		hwAddr:  hwAddr,
		logger:  logger,
		now:     time.Now,
		nextXID: rand.Uint32,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current negotiation state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the negotiation until the client is Bound or Failed.
func (c *Client) Run(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(err)
		}

		switch c.State() {
		case Init:
			mac, err := c.hwAddr()
			if err != nil {
				return nil, c.fail(fmt.Errorf("reading hardware address: %w", err))
			}
			if len(mac) == 0 || len(mac) > dhcpv4.MaxHardwareLen {
				return nil, c.fail(fmt.Errorf("invalid hardware address %q", mac))
			}
			c.mac = mac
			c.xid = c.nextXID()
			c.transition(Discovering)

		case Discovering:
			offer, err := c.discover(ctx)
			if err != nil {
				return nil, c.fail(err)
			}
			c.offer = offer
			c.transition(OfferReceived)

		case OfferReceived:
			req, err := c.buildRequest().Encode()
			if err != nil {
				return nil, c.fail(fmt.Errorf("encoding request: %w", err))
			}
			c.request = req
			c.transition(Requesting)

		case Requesting:
			ack, err := c.awaitAck(ctx)
			if err != nil {
				return nil, c.fail(err)
			}
			l := c.leaseFrom(ack)
			c.transition(Bound)
			metrics.ClientNegotiations.WithLabelValues("bound").Inc()
			c.logger.Info("lease acquired",
				"mac", c.mac.String(),
				"ip", l.Address.String(),
				"server_id", l.Server.String(),
				"lease_time", l.LeaseTime.String())
			return l, nil

		default:
			return nil, fmt.Errorf("client already finished in state %s", c.State())
		}
	}
}

// discover broadcasts the Discover until an Offer arrives. Every attempt
// carries the same xid so a late Offer to an earlier attempt still counts.
func (c *Client) discover(ctx context.Context) (*dhcp.Packet, error) {
	msg, err := c.buildDiscover().Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding discover: %w", err)
	}

	timeout := c.cfg.DiscoverTimeout
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		c.logger.Info("sending DHCPDISCOVER",
			"mac", c.mac.String(),
			"xid", fmt.Sprintf("%08x", c.xid),
			"attempt", attempt,
			"attempts", c.cfg.Attempts)
		if attempt > 1 {
			metrics.ClientRetransmissions.WithLabelValues(dhcpv4.MessageTypeDiscover.String()).Inc()
		}
		if err := c.send(msg); err != nil {
			return nil, err
		}

		offer, err := c.await(ctx, timeout, dhcpv4.MessageTypeOffer)
		if err == nil {
			c.logger.Info("DHCPOFFER received",
				"ip", offer.YIAddr.String(),
				"server_id", offer.ServerIdentifier().String(),
				"xid", fmt.Sprintf("%08x", c.xid))
			return offer, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, err
		}
		timeout = c.backoff(timeout)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrNoOffer, c.cfg.Attempts)
}

// awaitAck sends the Request and re-sends the same bytes on timeout.
func (c *Client) awaitAck(ctx context.Context) (*dhcp.Packet, error) {
	timeout := c.cfg.RequestTimeout
	for try := 0; try <= c.cfg.RequestRetries; try++ {
		c.logger.Info("sending DHCPREQUEST",
			"mac", c.mac.String(),
			"ip", c.offer.YIAddr.String(),
			"xid", fmt.Sprintf("%08x", c.xid),
			"retry", try)
		if try > 0 {
			metrics.ClientRetransmissions.WithLabelValues(dhcpv4.MessageTypeRequest.String()).Inc()
		}
		if err := c.send(c.request); err != nil {
			return nil, err
		}

		ack, err := c.await(ctx, timeout, dhcpv4.MessageTypeAck)
		if err == nil {
			return ack, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, err
		}
		timeout = c.backoff(timeout)
	}
	return nil, fmt.Errorf("%w after %d retries", ErrNoAck, c.cfg.RequestRetries)
}

// await reads replies until one of type want for this negotiation arrives or
// the timeout elapses. Unrelated or malformed datagrams do not extend the wait.
func (c *Client) await(ctx context.Context, timeout time.Duration, want dhcpv4.MessageType) (*dhcp.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}

		d, err := c.conn.Receive(ctx, remaining)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, transport.ErrTimeout) {
				return nil, err
			}
			return nil, fmt.Errorf("receiving reply: %w", err)
		}

		p, err := dhcp.DecodePacket(d.Data)
		if err != nil {
			c.logger.Debug("ignoring malformed datagram", "error", err, "src", d.Src.String())
			continue
		}
		if p.Op != dhcpv4.OpCodeBootReply || p.XID != c.xid || !bytes.Equal(p.CHAddr, c.mac) {
			continue
		}

		switch p.MessageType() {
		case want:
			if want == dhcpv4.MessageTypeOffer && (dhcpv4.IsUnset(p.YIAddr) || p.ServerIdentifier() == nil) {
				c.logger.Debug("ignoring incomplete offer", "src", d.Src.String())
				continue
			}
			return p, nil
		case dhcpv4.MessageTypeNak:
			if want == dhcpv4.MessageTypeAck {
				return nil, ErrNak
			}
		}
	}
}

func (c *Client) send(msg []byte) error {
	if err := c.conn.Send(msg, transport.BroadcastAddr(c.cfg.ServerPort)); err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	return nil
}

func (c *Client) backoff(d time.Duration) time.Duration {
	return min(2*d, c.cfg.MaxTimeout)
}

func (c *Client) newPacket(msgType dhcpv4.MessageType) *dhcp.Packet {
	p := &dhcp.Packet{
		Op:     dhcpv4.OpCodeBootRequest,
		HType:  dhcpv4.HardwareTypeEthernet,
		HLen:   byte(len(c.mac)),
		XID:    c.xid,
		CIAddr: dhcpv4.ZeroIP,
		YIAddr: dhcpv4.ZeroIP,
		SIAddr: dhcpv4.ZeroIP,
		GIAddr: dhcpv4.ZeroIP,
		CHAddr: c.mac,
	}
	if c.cfg.Broadcast {
		p.Flags = dhcpv4.BroadcastFlag
	}
	p.Options.Set(dhcpv4.OptionDHCPMessageType, []byte{byte(msgType)})
	return p
}

func (c *Client) buildDiscover() *dhcp.Packet {
	return c.newPacket(dhcpv4.MessageTypeDiscover)
}

// buildRequest selects the offer: option 50 names the address, 54 the server.
func (c *Client) buildRequest() *dhcp.Packet {
	p := c.newPacket(dhcpv4.MessageTypeRequest)
	p.Options.SetIP(dhcpv4.OptionRequestedIP, c.offer.YIAddr)
	p.Options.SetIP(dhcpv4.OptionServerIdentifier, c.offer.ServerIdentifier())
	return p
}

func (c *Client) leaseFrom(ack *dhcp.Packet) *Lease {
	l := &Lease{
		Address:    ack.YIAddr,
		Server:     ack.ServerIdentifier(),
		SubnetMask: ack.SubnetMask(),
		Routers:    ack.Routers(),
		DNS:        ack.DNSServers(),
		LeaseTime:  ack.LeaseTime(),
		AcquiredAt: c.now(),
	}
	if l.Server == nil {
		l.Server = c.offer.ServerIdentifier()
	}
	if l.LeaseTime == 0 {
		l.LeaseTime = c.offer.LeaseTime()
	}
	l.RenewAt = l.AcquiredAt.Add(l.LeaseTime / 2)
	l.Expiry = l.AcquiredAt.Add(l.LeaseTime)
	return l
}

func (c *Client) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("client state transition",
		"mac", c.mac.String(),
		"xid", fmt.Sprintf("%08x", c.xid),
		"old_state", from.String(),
		"new_state", to.String())
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}

// fail moves the client to Failed and returns err.
func (c *Client) fail(err error) error {
	result := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result = "cancelled"
	}
	metrics.ClientNegotiations.WithLabelValues(result).Inc()
	c.logger.Warn("negotiation failed",
		"mac", c.mac.String(),
		"state", c.State().String(),
		"error", err)
	c.transition(Failed)
	return err
}
