// Package dhcpv4 provides wire constants and encoding helpers shared by the
// DORA client and server.
package dhcpv4

import "net"

// DHCP Message Types (RFC 2131 §9.6)
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1 // DHCPDISCOVER
	MessageTypeOffer    MessageType = 2 // DHCPOFFER
	MessageTypeRequest  MessageType = 3 // DHCPREQUEST
	MessageTypeAck      MessageType = 5 // DHCPACK
	MessageTypeNak      MessageType = 6 // DHCPNAK
	MessageTypeRelease  MessageType = 7 // DHCPRELEASE
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	default:
		return "UNKNOWN"
	}
}

// DHCP Op Codes (RFC 2131 §2)
type OpCode byte

const (
	OpCodeBootRequest OpCode = 1 // BOOTREQUEST
	OpCodeBootReply   OpCode = 2 // BOOTREPLY
)

// Hardware Types (RFC 1700)
type HardwareType byte

const (
	HardwareTypeEthernet HardwareType = 1
)

// OptionCode is a DHCP option tag. Only the subset below is interpreted;
// any other tag is carried through the codec as opaque bytes.
type OptionCode byte

const (
	OptionPad              OptionCode = 0
	OptionSubnetMask       OptionCode = 1
	OptionRouter           OptionCode = 3
	OptionDomainNameServer OptionCode = 6
	OptionRequestedIP      OptionCode = 50
	OptionIPLeaseTime      OptionCode = 51
	OptionDHCPMessageType  OptionCode = 53
	OptionServerIdentifier OptionCode = 54
	OptionEnd              OptionCode = 255
)

func (c OptionCode) String() string {
	switch c {
	case OptionPad:
		return "pad"
	case OptionSubnetMask:
		return "subnet_mask"
	case OptionRouter:
		return "router"
	case OptionDomainNameServer:
		return "dns_servers"
	case OptionRequestedIP:
		return "requested_ip"
	case OptionIPLeaseTime:
		return "lease_time"
	case OptionDHCPMessageType:
		return "message_type"
	case OptionServerIdentifier:
		return "server_id"
	case OptionEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Wire layout sizes (RFC 2131 §2, RFC 951).
const (
	HeaderSize        = 236  // fixed BOOTP header
	CookieSize        = 4    // magic cookie preceding the options area
	MinPacketSize     = 300  // BOOTP minimum; shorter encodings are zero padded
	DefaultPacketSize = 576  // every implementation must accept this much (RFC 2131 §2)
	MaxPacketSize     = 1500 // Ethernet MTU
	MaxHardwareLen    = 16   // size of the chaddr field
	MaxOptionLen      = 255  // one length byte per option
)

// BroadcastFlag is bit 15 of the flags field.
const BroadcastFlag uint16 = 0x8000

// DHCP Ports
const (
	ServerPort = 67
	ClientPort = 68
)

// DHCP Magic Cookie (RFC 2131 §3)
var MagicCookie = []byte{99, 130, 83, 99}

// Broadcast and unset addresses.
var (
	BroadcastIP = net.IPv4(255, 255, 255, 255).To4()
	ZeroIP      = net.IPv4(0, 0, 0, 0).To4()
)

// Lease States
type LeaseState string

const (
	LeaseStateOffered  LeaseState = "offered"
	LeaseStateActive   LeaseState = "active"
	LeaseStateExpired  LeaseState = "expired"
	LeaseStateReleased LeaseState = "released"
)

// Owns reports whether a lease in this state holds its address.
func (s LeaseState) Owns() bool {
	return s == LeaseStateOffered || s == LeaseStateActive
}
