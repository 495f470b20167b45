package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MauricioCa07/DHCP-Project/internal/events"
	"github.com/MauricioCa07/DHCP-Project/internal/lease"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLog(t *testing.T, maxRecords int) (*Log, *events.Bus) {
	t.Helper()
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	t.Cleanup(bus.Stop)

	al, err := NewLog(testDB(t), bus, "node-1", maxRecords, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return al, bus
}

func TestAuditAppendAndQuery(t *testing.T) {
	al, _ := newTestLog(t, 0)

	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:01", LeaseStart: now.Add(-2 * time.Hour).Unix(), LeaseExpiry: now.Add(22 * time.Hour).Unix()},
		{Timestamp: now.Add(-1 * time.Hour).Format(time.RFC3339Nano), Event: "lease.expire", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:01"},
		{Timestamp: now.Add(-30 * time.Minute).Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.101", MAC: "aa:bb:cc:dd:ee:02", LeaseStart: now.Add(-30 * time.Minute).Unix(), LeaseExpiry: now.Add(23*time.Hour + 30*time.Minute).Unix()},
		{Timestamp: now.Format(time.RFC3339Nano), Event: "lease.release", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:01"},
	}
	for _, r := range records {
		if err := al.append(r); err != nil {
			t.Fatal(err)
		}
	}

	if al.Count() != 4 {
		t.Errorf("expected 4 records, got %d", al.Count())
	}

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 4},
		{"by IP", QueryParams{IP: "10.0.0.100"}, 3},
		{"by MAC", QueryParams{MAC: "aa:bb:cc:dd:ee:02"}, 1},
		{"by event", QueryParams{Event: "lease.ack"}, 2},
		{"by time range", QueryParams{From: now.Add(-90 * time.Minute), To: now.Add(-15 * time.Minute)}, 2},
		{"unknown IP", QueryParams{IP: "10.0.0.200"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := al.Query(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAuditPointInTimeQuery(t *testing.T) {
	al, _ := newTestLog(t, 0)

	// The device got 10.0.0.50 at 14:00 and the lease ran until 15:00
	t1 := time.Date(2025, 2, 15, 14, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 2, 15, 15, 0, 0, 0, time.UTC)

	al.append(Record{
		Timestamp:   t1.Format(time.RFC3339Nano),
		Event:       "lease.ack",
		IP:          "10.0.0.50",
		MAC:         "aa:bb:cc:dd:ee:ff",
		LeaseStart:  t1.Unix(),
		LeaseExpiry: t2.Unix(),
	})
	al.append(Record{
		Timestamp: t2.Format(time.RFC3339Nano),
		Event:     "lease.expire",
		IP:        "10.0.0.50",
		MAC:       "aa:bb:cc:dd:ee:ff",
	})

	results, err := al.Query(QueryParams{
		IP: "10.0.0.50",
		At: time.Date(2025, 2, 15, 14, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].MAC != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("point-in-time query = %+v, want the ack for aa:bb:cc:dd:ee:ff", results)
	}

	results2, err := al.Query(QueryParams{
		IP: "10.0.0.50",
		At: time.Date(2025, 2, 15, 15, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results2) != 0 {
		t.Errorf("after-expiry query: expected 0, got %d", len(results2))
	}
}

func TestAuditRecordsLeaseTableEvents(t *testing.T) {
	al, bus := newTestLog(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		al.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give subscriber time to register
	time.Sleep(50 * time.Millisecond)

	tbl, err := lease.NewTable(lease.Config{
		RangeStart:   net.IPv4(192, 168, 1, 10),
		RangeEnd:     net.IPv4(192, 168, 1, 20),
		LeaseTime:    time.Hour,
		OfferTimeout: 30 * time.Second,
	}, lease.WithBus(bus), lease.WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	ip, err := tbl.Offer(mac)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Confirm(mac, ip); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(mac); err != nil {
		t.Fatal(err)
	}

	var results []Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		results, _ = al.Query(QueryParams{IP: ip.String()})
		if len(results) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Offers are not journalled
	if len(results) != 2 {
		t.Fatalf("expected ack and release records, got %+v", results)
	}
	if results[0].Event != "lease.release" || results[1].Event != "lease.ack" {
		t.Errorf("events = %s, %s; want newest first", results[0].Event, results[1].Event)
	}
	if results[1].MAC != mac.String() || results[1].ServerID != "node-1" || results[1].LeaseExpiry == 0 {
		t.Errorf("ack record = %+v", results[1])
	}
}

func TestAuditLimit(t *testing.T) {
	al, _ := newTestLog(t, 0)

	for i := 0; i < 20; i++ {
		al.append(Record{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			Event:     "lease.ack",
			IP:        "10.0.0.1",
			MAC:       "aa:bb:cc:dd:ee:ff",
		})
	}

	results, err := al.Query(QueryParams{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 results with limit, got %d", len(results))
	}
	if results[0].ID < results[4].ID {
		t.Error("expected results ordered newest first")
	}
}

func TestAuditTrim(t *testing.T) {
	al, _ := newTestLog(t, 3)

	for i := 1; i <= 5; i++ {
		al.append(Record{
			Timestamp: time.Now().Format(time.RFC3339Nano),
			Event:     "lease.ack",
			IP:        net.IPv4(10, 0, 0, byte(i)).String(),
			MAC:       "aa:bb:cc:dd:ee:ff",
		})
	}

	if al.Count() != 3 {
		t.Errorf("Count = %d, want 3", al.Count())
	}
	// The two oldest records leave the index with them
	if got, _ := al.Query(QueryParams{IP: "10.0.0.1"}); len(got) != 0 {
		t.Errorf("trimmed IP still indexed: %+v", got)
	}
	if got, _ := al.Query(QueryParams{IP: "10.0.0.5"}); len(got) != 1 {
		t.Errorf("newest IP missing: %+v", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Record{
		{ID: 7, Timestamp: "2025-02-15T14:00:00Z", Event: "lease.ack", IP: "10.0.0.50", MAC: "aa:bb:cc:dd:ee:ff", LeaseStart: 1739628000},
	})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || len(rows[1]) != len(CSVHeaders) {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1][0] != "7" || rows[1][5] != "1739628000" || rows[1][6] != "" {
		t.Errorf("row = %v", rows[1])
	}
}
