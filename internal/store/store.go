// Package store persists lease table snapshots in BoltDB so Active leases
// survive a restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MauricioCa07/DHCP-Project/internal/lease"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// BoltDB bucket names.
var (
	bucketLeases = []byte("leases")
	bucketMeta   = []byte("meta")
)

var keySnapshotAt = []byte("snapshot_at")

// storedRecord is the on-disk form of a lease.Record. Addresses are kept in
// their text form so the database can be inspected with bbolt tooling.
type storedRecord struct {
	MAC    string            `json:"mac"`
	IP     string            `json:"ip"`
	State  dhcpv4.LeaseState `json:"state"`
	Expiry time.Time         `json:"expiry"`
}

// Store is a BoltDB-backed lease snapshot.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLeases, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB returns the underlying database for components that keep their own
// buckets alongside the snapshot.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with records in one transaction.
func (s *Store) Save(records []lease.Record, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLeases); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("clearing leases: %w", err)
		}
		b, err := tx.CreateBucket(bucketLeases)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketLeases, err)
		}

		for _, r := range records {
			data, err := json.Marshal(storedRecord{
				MAC:    r.MAC.String(),
				IP:     r.IP.String(),
				State:  r.State,
				Expiry: r.Expiry.UTC(),
			})
			if err != nil {
				return fmt.Errorf("marshalling lease for %s: %w", r.IP, err)
			}
			if err := b.Put([]byte(r.IP.String()), data); err != nil {
				return fmt.Errorf("writing lease for %s: %w", r.IP, err)
			}
		}

		stamp, err := at.UTC().MarshalText()
		if err != nil {
			return fmt.Errorf("encoding snapshot time: %w", err)
		}
		return tx.Bucket(bucketMeta).Put(keySnapshotAt, stamp)
	})
}

// Load reads the stored snapshot. Unreadable rows are skipped with a warning.
func (s *Store) Load() ([]lease.Record, error) {
	var out []lease.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				s.logger.Warn("skipping unreadable lease record", "key", string(k), "error", err)
				return nil
			}
			mac, err := net.ParseMAC(sr.MAC)
			if err != nil {
				s.logger.Warn("skipping lease record with bad MAC", "key", string(k), "error", err)
				return nil
			}
			ip := net.ParseIP(sr.IP).To4()
			if ip == nil {
				s.logger.Warn("skipping lease record with bad IP", "key", string(k), "ip", sr.IP)
				return nil
			}
			out = append(out, lease.Record{MAC: mac, IP: ip, State: sr.State, Expiry: sr.Expiry})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading leases: %w", err)
	}
	return out, nil
}

// SnapshotTime returns when the stored snapshot was written, or the zero
// time when none was.
func (s *Store) SnapshotTime() (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keySnapshotAt)
		if v == nil {
			return nil
		}
		return at.UnmarshalText(v)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading snapshot time: %w", err)
	}
	return at, nil
}
