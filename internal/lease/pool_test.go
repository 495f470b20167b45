package lease

import (
	"net"
	"testing"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(net.IPv4(192, 168, 1, 100), net.IPv4(192, 168, 1, 110))
	if err != nil {
		t.Fatalf("NewPool error: %v", err)
	}
	return p
}

func TestNewPool(t *testing.T) {
	p := newTestPool(t)
	if p.Size() != 11 {
		t.Errorf("Size() = %d, want 11", p.Size())
	}
	if p.Free() != 11 {
		t.Errorf("Free() = %d, want 11", p.Free())
	}
}

func TestNewPoolInvalidRange(t *testing.T) {
	if _, err := NewPool(net.IPv4(192, 168, 1, 200), net.IPv4(192, 168, 1, 100)); err == nil {
		t.Error("expected error for end before start")
	}
	if _, err := NewPool(net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::10")); err == nil {
		t.Error("expected error for IPv6 range")
	}
}

func TestPoolAllocateFirstFit(t *testing.T) {
	p := newTestPool(t)

	for i := 0; i < 11; i++ {
		ip := p.Allocate()
		want := net.IPv4(192, 168, 1, byte(100+i))
		if !ip.Equal(want) {
			t.Fatalf("Allocate #%d = %s, want %s", i, ip, want)
		}
	}
	if ip := p.Allocate(); ip != nil {
		t.Errorf("Allocate on full pool = %s, want nil", ip)
	}

	// A freed address in the middle is the next one handed out.
	if !p.Release(net.IPv4(192, 168, 1, 105)) {
		t.Fatal("Release returned false for owned address")
	}
	if ip := p.Allocate(); !ip.Equal(net.IPv4(192, 168, 1, 105)) {
		t.Errorf("Allocate after release = %s, want 192.168.1.105", ip)
	}
}

func TestPoolAllocateSpecific(t *testing.T) {
	p := newTestPool(t)
	ip := net.IPv4(192, 168, 1, 107)

	if !p.AllocateSpecific(ip) {
		t.Fatal("AllocateSpecific returned false for free address")
	}
	if p.AllocateSpecific(ip) {
		t.Error("AllocateSpecific succeeded twice")
	}
	if p.AllocateSpecific(net.IPv4(192, 168, 1, 99)) {
		t.Error("AllocateSpecific succeeded outside range")
	}
	if !p.IsAllocated(ip) {
		t.Error("IsAllocated = false after AllocateSpecific")
	}
	if p.Free() != 10 {
		t.Errorf("Free() = %d, want 10", p.Free())
	}
}

func TestPoolRelease(t *testing.T) {
	p := newTestPool(t)
	ip := p.Allocate()

	if !p.Release(ip) {
		t.Error("Release returned false for owned address")
	}
	if p.Release(ip) {
		t.Error("Release returned true for free address")
	}
	if p.Release(net.IPv4(10, 0, 0, 1)) {
		t.Error("Release returned true outside range")
	}
}

func TestPoolWordBoundary(t *testing.T) {
	// 130 addresses span three bitmap words.
	p, err := NewPool(net.IPv4(10, 0, 0, 0), net.IPv4(10, 0, 0, 129))
	if err != nil {
		t.Fatalf("NewPool error: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 130; i++ {
		ip := p.Allocate()
		if ip == nil {
			t.Fatalf("Allocate #%d returned nil", i)
		}
		if seen[ip.String()] {
			t.Fatalf("address %s allocated twice", ip)
		}
		seen[ip.String()] = true
	}
	if ip := p.Allocate(); ip != nil {
		t.Errorf("Allocate past end = %s, want nil", ip)
	}
	if !p.Contains(net.IPv4(10, 0, 0, 129)) || p.Contains(net.IPv4(10, 0, 0, 130)) {
		t.Error("Contains boundary wrong")
	}
}
