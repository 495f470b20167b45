package store

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MauricioCa07/DHCP-Project/internal/events"
	"github.com/MauricioCa07/DHCP-Project/internal/lease"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leases.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return s, path
}

func newTestTable(t *testing.T) *lease.Table {
	t.Helper()
	tbl, err := lease.NewTable(lease.Config{
		RangeStart:   net.IPv4(192, 168, 1, 100),
		RangeEnd:     net.IPv4(192, 168, 1, 110),
		LeaseTime:    time.Hour,
		OfferTimeout: 30 * time.Second,
	}, lease.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewTable error: %v", err)
	}
	return tbl
}

func bindLease(t *testing.T, tbl *lease.Table, mac net.HardwareAddr) net.IP {
	t.Helper()
	ip, err := tbl.Offer(mac)
	if err != nil {
		t.Fatalf("Offer error: %v", err)
	}
	if err := tbl.Confirm(mac, ip); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	return ip
}

func TestSaveLoad(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []lease.Record{
		{MAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, IP: net.IPv4(10, 0, 0, 1).To4(), State: dhcpv4.LeaseStateActive, Expiry: expiry},
		{MAC: net.HardwareAddr{0, 1, 2, 3, 4, 6}, IP: net.IPv4(10, 0, 0, 2).To4(), State: dhcpv4.LeaseStateOffered, Expiry: expiry},
	}
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(records, at); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d records, want 2", len(got))
	}
	for i, r := range got {
		if r.MAC.String() != records[i].MAC.String() || !r.IP.Equal(records[i].IP) ||
			r.State != records[i].State || !r.Expiry.Equal(expiry) {
			t.Errorf("record %d = %+v, want %+v", i, r, records[i])
		}
	}

	stamp, err := s.SnapshotTime()
	if err != nil {
		t.Fatalf("SnapshotTime error: %v", err)
	}
	if !stamp.Equal(at) {
		t.Errorf("SnapshotTime = %s, want %s", stamp, at)
	}
}

func TestSaveReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	first := []lease.Record{
		{MAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, IP: net.IPv4(10, 0, 0, 1).To4(), State: dhcpv4.LeaseStateActive},
		{MAC: net.HardwareAddr{0, 1, 2, 3, 4, 6}, IP: net.IPv4(10, 0, 0, 2).To4(), State: dhcpv4.LeaseStateActive},
	}
	if err := s.Save(first, time.Now()); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := s.Save(first[1:], time.Now()); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, _ := s.Load()
	if len(got) != 1 || !got[0].IP.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Errorf("Load = %+v, want only 10.0.0.2", got)
	}
}

func TestLoadEmpty(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	got, err := s.Load()
	if err != nil || len(got) != 0 {
		t.Errorf("Load = %v, %v; want empty", got, err)
	}
	if at, err := s.SnapshotTime(); err != nil || !at.IsZero() {
		t.Errorf("SnapshotTime = %s, %v; want zero", at, err)
	}
}

func TestLoadSkipsBadRows(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if err := b.Put([]byte("garbage"), []byte("{not json")); err != nil {
			return err
		}
		if err := b.Put([]byte("badmac"), []byte(`{"mac":"zz","ip":"10.0.0.3","state":"active"}`)); err != nil {
			return err
		}
		return b.Put([]byte("10.0.0.4"), []byte(`{"mac":"00:01:02:03:04:05","ip":"10.0.0.4","state":"active"}`))
	})
	if err != nil {
		t.Fatalf("seeding rows: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 1 || !got[0].IP.Equal(net.IPv4(10, 0, 0, 4)) {
		t.Errorf("Load = %+v, want only 10.0.0.4", got)
	}
}

func TestRestoreAcrossRestart(t *testing.T) {
	s, path := openTestStore(t)

	tbl := newTestTable(t)
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}
	ip := bindLease(t, tbl, mac)
	// An outstanding offer is not carried over.
	if _, err := tbl.Offer(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02}); err != nil {
		t.Fatalf("Offer error: %v", err)
	}

	snap := NewSnapshotter(s, tbl, nil, time.Minute, testLogger())
	if err := snap.Write(); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	s.Close()

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer s2.Close()

	fresh := newTestTable(t)
	n, err := Restore(s2, fresh, testLogger())
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d leases, want 1", n)
	}

	l, ok := fresh.Lookup(mac)
	if !ok || l.State != dhcpv4.LeaseStateActive || !l.IP.Equal(ip) {
		t.Errorf("restored lease = %+v, want active %s", l, ip)
	}
	if st := fresh.Stats(); st.Active != 1 || st.Offered != 0 || st.Free != st.Size-1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSnapshotterRun(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	tbl, err := lease.NewTable(lease.Config{
		RangeStart:   net.IPv4(192, 168, 1, 100),
		RangeEnd:     net.IPv4(192, 168, 1, 110),
		LeaseTime:    time.Hour,
		OfferTimeout: 30 * time.Second,
	}, lease.WithLogger(testLogger()), lease.WithBus(bus))
	if err != nil {
		t.Fatalf("NewTable error: %v", err)
	}

	snap := NewSnapshotter(s, tbl, bus, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		snap.Run(ctx)
		close(done)
	}()

	bindLease(t, tbl, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := s.Load(); len(got) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancellation writes a final snapshot.
	bindLease(t, tbl, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02})
	cancel()
	<-done

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("stored %d leases, want 2", len(got))
	}
}
