package dhcp

import (
	"net"
	"testing"
	"time"
)

func newTestLimiter(global, perMAC int) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(global, perMAC)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.lastRefill = now
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterNil(t *testing.T) {
	var rl *RateLimiter
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	for i := 0; i < 100; i++ {
		if !rl.Allow(mac) {
			t.Fatalf("nil rate limiter rejected request %d", i)
		}
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	rl, _ := newTestLimiter(5, 100)

	for i := 0; i < 5; i++ {
		mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, byte(i)}
		if !rl.Allow(mac) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow(net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x99}) {
		t.Error("6th request should be rejected (global limit)")
	}
}

func TestRateLimiterPerMACLimit(t *testing.T) {
	rl, _ := newTestLimiter(100, 3)
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	for i := 0; i < 3; i++ {
		if !rl.Allow(mac) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow(mac) {
		t.Error("4th request from same MAC should be rejected")
	}

	other := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x66}
	if !rl.Allow(other) {
		t.Error("different MAC should be allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, now := newTestLimiter(100, 2)
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	rl.Allow(mac)
	rl.Allow(mac)
	if rl.Allow(mac) {
		t.Fatal("3rd request should be rejected before refill")
	}

	*now = now.Add(1100 * time.Millisecond)
	if !rl.Allow(mac) {
		t.Error("request should be allowed after refill")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl, now := newTestLimiter(100, 2)
	rl.Allow(net.HardwareAddr{1, 2, 3, 4, 5, 6})

	*now = now.Add(time.Minute)
	rl.Allow(net.HardwareAddr{1, 2, 3, 4, 5, 7})

	if _, tracked := rl.Stats(); tracked != 1 {
		t.Errorf("tracked MACs = %d, want 1", tracked)
	}
}
