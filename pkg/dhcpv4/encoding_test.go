package dhcpv4

import (
	"net"
	"testing"
)

func TestIPToUint32(t *testing.T) {
	tests := []struct {
		ip   net.IP
		want uint32
	}{
		{net.IPv4(0, 0, 0, 0), 0},
		{net.IPv4(255, 255, 255, 255), 0xFFFFFFFF},
		{net.IPv4(192, 168, 1, 1), 0xC0A80101},
		{net.IPv4(10, 0, 0, 1), 0x0A000001},
		{nil, 0},
	}
	for _, tt := range tests {
		got := IPToUint32(tt.ip)
		if got != tt.want {
			t.Errorf("IPToUint32(%s) = 0x%08X, want 0x%08X", tt.ip, got, tt.want)
		}
	}
}

func TestIPRoundTrip(t *testing.T) {
	ips := []net.IP{
		net.IPv4(192, 168, 1, 100),
		net.IPv4(10, 0, 0, 1),
		net.IPv4(172, 16, 254, 254),
		net.IPv4(0, 0, 0, 0),
		net.IPv4(255, 255, 255, 255),
	}
	for _, ip := range ips {
		u := IPToUint32(ip)
		got := Uint32ToIP(u)
		if !got.Equal(ip) {
			t.Errorf("roundtrip failed: %s → 0x%08X → %s", ip, u, got)
		}
		if len(got) != 4 {
			t.Errorf("Uint32ToIP length = %d, want 4", len(got))
		}
	}
}

func TestIPToBytes(t *testing.T) {
	b := IPToBytes(net.IPv4(192, 168, 1, 1))
	if len(b) != 4 || b[0] != 192 || b[1] != 168 || b[2] != 1 || b[3] != 1 {
		t.Errorf("IPToBytes = %v, want [192 168 1 1]", b)
	}

	// Unset and IPv6 values encode as zero
	for _, ip := range []net.IP{nil, net.ParseIP("2001:db8::1")} {
		if got := IPToBytes(ip); len(got) != 4 || got[0]|got[1]|got[2]|got[3] != 0 {
			t.Errorf("IPToBytes(%v) = %v, want zeros", ip, got)
		}
	}
}

func TestBytesToIP(t *testing.T) {
	ip := BytesToIP([]byte{10, 0, 0, 1})
	if !ip.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("BytesToIP = %s, want 10.0.0.1", ip)
	}
	if got := BytesToIP([]byte{1, 2}); got != nil {
		t.Errorf("BytesToIP(short) = %s, want nil", got)
	}
}

func TestIPList(t *testing.T) {
	ips := []net.IP{net.IPv4(8, 8, 8, 8), net.IPv4(8, 8, 4, 4)}
	b := IPListToBytes(ips)
	if len(b) != 8 {
		t.Fatalf("IPListToBytes length = %d, want 8", len(b))
	}

	got, err := BytesToIPList(b)
	if err != nil {
		t.Fatalf("BytesToIPList error: %v", err)
	}
	if len(got) != 2 || !got[0].Equal(ips[0]) || !got[1].Equal(ips[1]) {
		t.Errorf("BytesToIPList = %v, want %v", got, ips)
	}

	if _, err := BytesToIPList([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for non-multiple-of-4 bytes, got nil")
	}
}

func TestUint32Bytes(t *testing.T) {
	b := Uint32ToBytes(86400)
	v, err := BytesToUint32(b)
	if err != nil {
		t.Fatalf("BytesToUint32 error: %v", err)
	}
	if v != 86400 {
		t.Errorf("BytesToUint32 = %d, want 86400", v)
	}
	if b[0] != 0x00 || b[1] != 0x01 || b[2] != 0x51 || b[3] != 0x80 {
		t.Errorf("Uint32ToBytes(86400) = %v, want big-endian [0 1 81 128]", b)
	}
	if _, err := BytesToUint32([]byte{1}); err == nil {
		t.Error("expected error for short uint32")
	}
}

func TestIPRangeSize(t *testing.T) {
	tests := []struct {
		start, end net.IP
		want       uint32
	}{
		{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 1), 1},
		{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 10), 10},
		{net.IPv4(10, 0, 0, 255), net.IPv4(10, 0, 1, 0), 2},
		{net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 1), 0},
	}
	for _, tt := range tests {
		if got := IPRangeSize(tt.start, tt.end); got != tt.want {
			t.Errorf("IPRangeSize(%s, %s) = %d, want %d", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestIsUnset(t *testing.T) {
	if !IsUnset(nil) || !IsUnset(net.IPv4zero) || !IsUnset(ZeroIP) {
		t.Error("nil and 0.0.0.0 should be unset")
	}
	if IsUnset(net.IPv4(10, 0, 0, 1)) {
		t.Error("10.0.0.1 should not be unset")
	}
}
