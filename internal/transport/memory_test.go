package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func listen(t *testing.T, n *Network, ip net.IP, port int) *Endpoint {
	t.Helper()
	ep, err := n.Listen(&net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestNetworkBroadcast(t *testing.T) {
	n := NewNetwork()
	server := listen(t, n, net.IPv4(10, 0, 0, 1), 67)
	c1 := listen(t, n, nil, 68)
	c2 := listen(t, n, nil, 68)

	if err := server.Send([]byte("offer"), BroadcastAddr(68)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	for i, c := range []*Endpoint{c1, c2} {
		d, err := c.Receive(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("client %d Receive error: %v", i, err)
		}
		if string(d.Data) != "offer" {
			t.Errorf("client %d got %q", i, d.Data)
		}
		if !d.Src.IP.Equal(net.IPv4(10, 0, 0, 1)) || d.Src.Port != 67 {
			t.Errorf("client %d src = %s", i, d.Src)
		}
	}

	// The sender never hears its own broadcast, and port 67 got nothing.
	if _, err := server.Receive(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("server Receive err = %v, want ErrTimeout", err)
	}
}

func TestNetworkUnicast(t *testing.T) {
	n := NewNetwork()
	a := listen(t, n, net.IPv4(10, 0, 0, 2), 68)
	b := listen(t, n, net.IPv4(10, 0, 0, 3), 68)
	s := listen(t, n, net.IPv4(10, 0, 0, 1), 67)

	if err := s.Send([]byte("ack"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 68}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if d, err := b.Receive(context.Background(), time.Second); err != nil || string(d.Data) != "ack" {
		t.Fatalf("b Receive = %q, %v", d.Data, err)
	}
	if _, err := a.Receive(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("a Receive err = %v, want ErrTimeout", err)
	}
}

func TestNetworkFilter(t *testing.T) {
	n := NewNetwork()
	s := listen(t, n, nil, 67)
	c := listen(t, n, nil, 68)

	sent := 0
	n.SetFilter(func(data []byte, src, dst *net.UDPAddr) int {
		sent++
		switch sent {
		case 1:
			return 0 // drop
		case 2:
			return 2 // duplicate
		default:
			return 1
		}
	})

	for _, msg := range []string{"one", "two", "three"} {
		if err := c.Send([]byte(msg), BroadcastAddr(67)); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	var got []string
	for {
		d, err := s.Receive(context.Background(), 20*time.Millisecond)
		if errors.Is(err, ErrTimeout) {
			break
		}
		if err != nil {
			t.Fatalf("Receive error: %v", err)
		}
		got = append(got, string(d.Data))
	}

	want := []string{"two", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEndpointReceiveCancel(t *testing.T) {
	n := NewNetwork()
	ep := listen(t, n, nil, 68)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := ep.Receive(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive err = %v, want context.Canceled", err)
	}
}

func TestEndpointClose(t *testing.T) {
	n := NewNetwork()
	ep, err := n.Listen(&net.UDPAddr{Port: 68})
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ep.Receive(context.Background(), 0)
		done <- err
	}()

	ep.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Receive err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	if err := ep.Send([]byte("x"), BroadcastAddr(67)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close err = %v, want ErrClosed", err)
	}
	// Double close is harmless.
	if err := ep.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestListenInvalid(t *testing.T) {
	n := NewNetwork()
	if _, err := n.Listen(nil); err == nil {
		t.Error("expected error for nil address")
	}
	if _, err := n.Listen(&net.UDPAddr{Port: 0}); err == nil {
		t.Error("expected error for port 0")
	}
}
