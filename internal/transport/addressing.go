package transport

import (
	"fmt"
	"net"
)

// ReplyMode selects how Offer and Ack messages are addressed.
type ReplyMode string

const (
	// ReplyBroadcast sends every reply to 255.255.255.255.
	ReplyBroadcast ReplyMode = "broadcast"
	// ReplyUnicast answers clients that already have an address, or a known
	// source, directly. Clients asking for broadcast still get broadcast.
	ReplyUnicast ReplyMode = "unicast"
)

// ParseReplyMode validates a configured reply mode. Empty means broadcast.
func ParseReplyMode(s string) (ReplyMode, error) {
	switch ReplyMode(s) {
	case "", ReplyBroadcast:
		return ReplyBroadcast, nil
	case ReplyUnicast:
		return ReplyUnicast, nil
	default:
		return "", fmt.Errorf("unknown reply mode %q (want broadcast or unicast)", s)
	}
}

// BroadcastAddr returns the limited broadcast address on port.
func BroadcastAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}

// ReplyDestination picks the destination of a server reply.
// RFC 2131 §4.1: broadcast bit wins, then ciaddr, then the datagram source.
func ReplyDestination(mode ReplyMode, broadcast bool, ciaddr net.IP, src *net.UDPAddr, clientPort int) *net.UDPAddr {
	if mode != ReplyUnicast || broadcast {
		return BroadcastAddr(clientPort)
	}
	if ciaddr != nil && !ciaddr.IsUnspecified() {
		return &net.UDPAddr{IP: ciaddr, Port: clientPort}
	}
	if src != nil && src.IP != nil && !src.IP.IsUnspecified() && !src.IP.Equal(net.IPv4bcast) {
		return &net.UDPAddr{IP: src.IP, Port: src.Port}
	}
	return BroadcastAddr(clientPort)
}
