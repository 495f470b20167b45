// Package audit keeps a persistent history of lease events.
// Every acknowledgement, release and expiry is appended to a dedicated BoltDB
// bucket, separate from the lease snapshot, so past holders of an address can
// be looked up after the lease table has forgotten them.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MauricioCa07/DHCP-Project/internal/events"
)

var (
	bucketAudit   = []byte("audit_log")
	bucketAuditIP = []byte("audit_ip_index") // ip → list of audit record keys
)

// DefaultMaxRecords bounds the journal when no limit is configured.
const DefaultMaxRecords = 100000

// Record is a single audit log entry.
type Record struct {
	ID          uint64 `json:"id"`
	Timestamp   string `json:"timestamp"`
	Event       string `json:"event"`
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	LeaseStart  int64  `json:"lease_start,omitempty"`
	LeaseExpiry int64  `json:"lease_expiry,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	IP    string    // filter by IP address
	MAC   string    // filter by MAC address
	At    time.Time // point-in-time query: who had this IP at this time?
	From  time.Time // range start (inclusive)
	To    time.Time // range end (inclusive)
	Event string    // filter by event type
	Limit int       // max results (0 = default 1000)
}

// Log provides append-only audit logging for lease events.
type Log struct {
	db         *bolt.DB
	bus        *events.Bus
	serverID   string
	maxRecords int
	logger     *slog.Logger
}

// NewLog creates a new audit log backed by db. maxRecords <= 0 selects
// DefaultMaxRecords; the oldest records are trimmed beyond it.
func NewLog(db *bolt.DB, bus *events.Bus, serverID string, maxRecords int, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditIP); err != nil {
			return fmt.Errorf("creating audit IP index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Log{
		db:         db,
		bus:        bus,
		serverID:   serverID,
		maxRecords: maxRecords,
		logger:     logger,
	}, nil
}

// Run subscribes to the event bus and records audit entries until ctx is
// done.
func (l *Log) Run(ctx context.Context) {
	ch := l.bus.Subscribe(2000)
	defer l.bus.Unsubscribe(ch)
	l.logger.Info("audit log started")

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-ctx.Done():
			l.logger.Info("audit log stopped")
			return
		}
	}
}

// handleEvent converts a bus event into an audit record and persists it.
func (l *Log) handleEvent(evt events.Event) {
	// Offers are provisional and restores replay history already recorded
	switch evt.Type {
	case events.EventLeaseAck, events.EventLeaseRelease, events.EventLeaseExpire:
	default:
		return
	}
	if evt.Lease == nil {
		return
	}

	ld := evt.Lease
	rec := Record{
		Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:       string(evt.Type),
		IP:          ipStr(ld.IP),
		MAC:         macStr(ld.MAC),
		LeaseStart:  ld.Start,
		LeaseExpiry: ld.Expiry,
		ServerID:    l.serverID,
		Reason:      evt.Reason,
	}

	if err := l.append(rec); err != nil {
		l.logger.Error("failed to write audit record",
			"event", rec.Event, "ip", rec.IP, "mac", rec.MAC, "error", err)
	}
}

// append persists a single audit record with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.IP != "" {
			if err := indexAdd(tx.Bucket(bucketAuditIP), rec.IP, id); err != nil {
				return err
			}
		}
		return l.trim(tx)
	})
}

// trim deletes the oldest records beyond maxRecords.
func (l *Log) trim(tx *bolt.Tx) error {
	b := tx.Bucket(bucketAudit)
	excess := b.Stats().KeyN - l.maxRecords
	if excess <= 0 {
		return nil
	}

	idx := tx.Bucket(bucketAuditIP)
	c := b.Cursor()
	for k, v := c.First(); k != nil && excess > 0; k, v = c.Next() {
		var rec Record
		if err := json.Unmarshal(v, &rec); err == nil && rec.IP != "" {
			if err := indexRemove(idx, rec.IP, binary.BigEndian.Uint64(k)); err != nil {
				return err
			}
		}
		if err := c.Delete(); err != nil {
			return fmt.Errorf("trimming audit log: %w", err)
		}
		excess--
	}
	return nil
}

// Query searches the audit log, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	// Fast path: IP-based query using the index
	if params.IP != "" {
		return l.queryByIP(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// queryByIP uses the IP index for efficient lookups.
func (l *Log) queryByIP(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		ids := indexGet(tx.Bucket(bucketAuditIP), params.IP)

		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return count
}

// matchesQuery returns true if a record matches all non-zero query fields.
func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && rec.MAC != params.MAC {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}

	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}

	// Point-in-time query: the address was acknowledged before At and the
	// lease ran past it.
	if !params.At.IsZero() {
		if rec.Event != string(events.EventLeaseAck) {
			return false
		}
		if recTime.After(params.At) || rec.LeaseStart > params.At.Unix() {
			return false
		}
		return rec.LeaseExpiry == 0 || rec.LeaseExpiry >= params.At.Unix()
	}

	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

// --- IP index ---

func indexGet(idx *bolt.Bucket, ip string) []uint64 {
	data := idx.Get([]byte(ip))
	if data == nil {
		return nil
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

func indexAdd(idx *bolt.Bucket, ip string, id uint64) error {
	ids := append(indexGet(idx, ip), id)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshalling audit index: %w", err)
	}
	return idx.Put([]byte(ip), data)
}

func indexRemove(idx *bolt.Bucket, ip string, id uint64) error {
	ids := indexGet(idx, ip)
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return idx.Delete([]byte(ip))
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshalling audit index: %w", err)
	}
	return idx.Put([]byte(ip), data)
}

// --- helpers ---

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func ipStr(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func macStr(mac net.HardwareAddr) string {
	if mac == nil {
		return ""
	}
	return mac.String()
}
