package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUDPConnLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	defer b.Close()

	if err := a.Send([]byte("hello"), b.LocalAddr()); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	d, err := b.Receive(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if string(d.Data) != "hello" {
		t.Errorf("Data = %q, want hello", d.Data)
	}
	if d.Src == nil || d.Src.Port != a.LocalAddr().Port {
		t.Errorf("Src = %v, want port %d", d.Src, a.LocalAddr().Port)
	}
}

func TestUDPConnTimeout(t *testing.T) {
	c, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Receive(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Receive err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Receive returned before the timeout")
	}
}

func TestUDPConnCancel(t *testing.T) {
	c, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Receive(ctx, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive err = %v, want context.Canceled", err)
	}
}

func TestUDPConnClosed(t *testing.T) {
	c, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	c.Close()

	if _, err := c.Receive(context.Background(), time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive err = %v, want ErrClosed", err)
	}
	if err := c.Send([]byte("x"), c.LocalAddr()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send err = %v, want ErrClosed", err)
	}
}
