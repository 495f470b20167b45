// Package dhcp implements the DORA wire codec and the server side of the
// negotiation: packet handling, per-client transactions and the receive loop.
package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// ErrMalformedMessage is wrapped by every decode failure. A malformed
// datagram is always dropped; it never stops a receive loop.
var ErrMalformedMessage = errors.New("malformed DHCP message")

// Packet represents a decoded DHCPv4 packet (RFC 2131 §2).
type Packet struct {
	Op      dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType   dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen    byte                // Hardware address length (6 for Ethernet)
	Hops    byte                // Relay hops
	XID     uint32              // Transaction ID
	Secs    uint16              // Seconds elapsed
	Flags   uint16              // Flags (bit 15 = broadcast)
	CIAddr  net.IP              // Client IP address
	YIAddr  net.IP              // 'Your' (client) IP address
	SIAddr  net.IP              // Next server IP address
	GIAddr  net.IP              // Relay agent IP address
	CHAddr  net.HardwareAddr    // Client hardware address, HLen bytes
	SName   [64]byte            // Server host name, NUL padded
	File    [128]byte           // Boot file name, NUL padded
	Options Options             // DHCP options, in wire order
}

// DecodePacket parses a raw DHCPv4 packet from bytes.
// RFC 2131 §2: packet format.
func DecodePacket(data []byte) (*Packet, error) {
	minLen := dhcpv4.HeaderSize + dhcpv4.CookieSize
	if len(data) < minLen {
		return nil, fmt.Errorf("%w: packet too short: %d bytes (minimum %d)", ErrMalformedMessage, len(data), minLen)
	}

	p := &Packet{}
	p.Op = dhcpv4.OpCode(data[0])
	p.HType = dhcpv4.HardwareType(data[1])
	p.HLen = data[2]
	p.Hops = data[3]
	p.XID = binary.BigEndian.Uint32(data[4:8])
	p.Secs = binary.BigEndian.Uint16(data[8:10])
	p.Flags = binary.BigEndian.Uint16(data[10:12])
	p.CIAddr = dhcpv4.BytesToIP(data[12:16])
	p.YIAddr = dhcpv4.BytesToIP(data[16:20])
	p.SIAddr = dhcpv4.BytesToIP(data[20:24])
	p.GIAddr = dhcpv4.BytesToIP(data[24:28])

	if p.HLen > dhcpv4.MaxHardwareLen {
		return nil, fmt.Errorf("%w: hlen %d exceeds %d", ErrMalformedMessage, p.HLen, dhcpv4.MaxHardwareLen)
	}
	p.CHAddr = make(net.HardwareAddr, p.HLen)
	copy(p.CHAddr, data[28:28+int(p.HLen)])

	copy(p.SName[:], data[44:108])
	copy(p.File[:], data[108:236])

	// Validate magic cookie (RFC 2131 §3)
	cookie := data[236:240]
	if cookie[0] != 99 || cookie[1] != 130 || cookie[2] != 83 || cookie[3] != 99 {
		return nil, fmt.Errorf("%w: invalid magic cookie %v", ErrMalformedMessage, cookie)
	}

	opts, err := DecodeOptions(data[240:])
	if err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	p.Options = opts

	return p, nil
}

// Encode serializes a DHCPv4 packet to bytes. The output depends only on the
// packet's fields, so re-encoding an unchanged packet is byte-identical.
func (p *Packet) Encode() ([]byte, error) {
	if p.HLen > dhcpv4.MaxHardwareLen {
		return nil, fmt.Errorf("hlen %d exceeds %d", p.HLen, dhcpv4.MaxHardwareLen)
	}
	if len(p.CHAddr) != int(p.HLen) {
		return nil, fmt.Errorf("chaddr is %d bytes, hlen says %d", len(p.CHAddr), p.HLen)
	}

	optBytes, err := p.Options.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}

	// Fixed header: 236 bytes + 4 magic cookie + options
	totalLen := dhcpv4.HeaderSize + dhcpv4.CookieSize + len(optBytes)
	if totalLen > dhcpv4.MaxPacketSize {
		return nil, fmt.Errorf("packet is %d bytes (max %d)", totalLen, dhcpv4.MaxPacketSize)
	}
	if totalLen < dhcpv4.MinPacketSize {
		totalLen = dhcpv4.MinPacketSize
	}

	buf := make([]byte, totalLen)
	buf[0] = byte(p.Op)
	buf[1] = byte(p.HType)
	buf[2] = p.HLen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.XID)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)

	for _, f := range []struct {
		name string
		ip   net.IP
		off  int
	}{
		{"ciaddr", p.CIAddr, 12},
		{"yiaddr", p.YIAddr, 16},
		{"siaddr", p.SIAddr, 20},
		{"giaddr", p.GIAddr, 24},
	} {
		if f.ip == nil {
			continue
		}
		ip4 := f.ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("%s %s is not an IPv4 address", f.name, f.ip)
		}
		copy(buf[f.off:f.off+4], ip4)
	}

	copy(buf[28:44], p.CHAddr)
	copy(buf[44:108], p.SName[:])
	copy(buf[108:236], p.File[:])

	copy(buf[236:240], dhcpv4.MagicCookie)
	copy(buf[240:], optBytes)

	return buf, nil
}

// MessageType returns the DHCP message type from the packet options.
func (p *Packet) MessageType() dhcpv4.MessageType {
	if data, ok := p.Options.Get(dhcpv4.OptionDHCPMessageType); ok && len(data) == 1 {
		return dhcpv4.MessageType(data[0])
	}
	return 0
}

// RequestedIP returns the requested IP address from option 50.
func (p *Packet) RequestedIP() net.IP {
	if data, ok := p.Options.Get(dhcpv4.OptionRequestedIP); ok && len(data) == 4 {
		return dhcpv4.BytesToIP(data)
	}
	return nil
}

// ServerIdentifier returns the server identifier from option 54.
func (p *Packet) ServerIdentifier() net.IP {
	if data, ok := p.Options.Get(dhcpv4.OptionServerIdentifier); ok && len(data) == 4 {
		return dhcpv4.BytesToIP(data)
	}
	return nil
}

// SubnetMask returns option 1, or nil.
func (p *Packet) SubnetMask() net.IPMask {
	if data, ok := p.Options.Get(dhcpv4.OptionSubnetMask); ok && len(data) == 4 {
		return net.IPv4Mask(data[0], data[1], data[2], data[3])
	}
	return nil
}

// Routers returns the addresses in option 3.
func (p *Packet) Routers() []net.IP {
	return p.ipList(dhcpv4.OptionRouter)
}

// DNSServers returns the addresses in option 6.
func (p *Packet) DNSServers() []net.IP {
	return p.ipList(dhcpv4.OptionDomainNameServer)
}

func (p *Packet) ipList(code dhcpv4.OptionCode) []net.IP {
	data, ok := p.Options.Get(code)
	if !ok {
		return nil
	}
	ips, err := dhcpv4.BytesToIPList(data)
	if err != nil {
		return nil
	}
	return ips
}

// LeaseTime returns option 51, or zero when absent.
func (p *Packet) LeaseTime() time.Duration {
	if data, ok := p.Options.Get(dhcpv4.OptionIPLeaseTime); ok {
		if secs, err := dhcpv4.BytesToUint32(data); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// IsBroadcast returns true if the broadcast flag is set.
func (p *Packet) IsBroadcast() bool {
	return p.Flags&dhcpv4.BroadcastFlag != 0
}

// NewReply creates a response packet from a request, with common fields pre-filled.
func (p *Packet) NewReply(msgType dhcpv4.MessageType, serverIP net.IP) *Packet {
	reply := &Packet{
		Op:     dhcpv4.OpCodeBootReply,
		HType:  p.HType,
		HLen:   p.HLen,
		XID:    p.XID,
		Flags:  p.Flags,
		CIAddr: dhcpv4.ZeroIP,
		YIAddr: dhcpv4.ZeroIP,
		SIAddr: dhcpv4.BytesToIP(dhcpv4.IPToBytes(serverIP)),
		GIAddr: dhcpv4.BytesToIP(dhcpv4.IPToBytes(p.GIAddr)),
		CHAddr: make(net.HardwareAddr, len(p.CHAddr)),
	}
	copy(reply.CHAddr, p.CHAddr)

	// RFC 2131 §4.3.1: message type first, then server identifier
	reply.Options.Set(dhcpv4.OptionDHCPMessageType, []byte{byte(msgType)})
	if serverIP != nil {
		reply.Options.SetIP(dhcpv4.OptionServerIdentifier, serverIP)
	}

	return reply
}

// String formats the packet for debug logs.
func (p *Packet) String() string {
	return fmt.Sprintf("%s xid=%08x chaddr=%s yiaddr=%s", p.MessageType(), p.XID, p.CHAddr, p.YIAddr)
}
