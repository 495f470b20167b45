package lease

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/events"
	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// Terminal (expired or released) records are kept this long after they end
// so they stay visible to Lookup and Snapshot, then pruned by Sweep.
const terminalRetention = time.Hour

// Config holds the lease table parameters.
type Config struct {
	RangeStart   net.IP
	RangeEnd     net.IP
	LeaseTime    time.Duration
	OfferTimeout time.Duration
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithBus publishes lease transitions to bus.
func WithBus(bus *events.Bus) Option {
	return func(t *Table) { t.bus = bus }
}

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// entry holds the lease for one hardware address. Its mutex serialises every
// operation on that key; dead marks an entry pruned from the map.
type entry struct {
	mu    sync.Mutex
	lease Lease
	dead  bool
}

// Table maps hardware addresses to leases. All methods are safe for
// concurrent use. Locking is per hardware address: the map lock covers only
// lookup and insert, the pool has its own lock, and no lock is held across I/O.
type Table struct {
	pool         *Pool
	leaseTime    time.Duration
	offerTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	offered atomic.Int64
	active  atomic.Int64

	now    func() time.Time
	bus    *events.Bus
	logger *slog.Logger
}

// NewTable creates a lease table over the configured range.
func NewTable(cfg Config, opts ...Option) (*Table, error) {
	if cfg.LeaseTime <= 0 {
		return nil, fmt.Errorf("lease time must be positive, got %s", cfg.LeaseTime)
	}
	if cfg.OfferTimeout <= 0 {
		return nil, fmt.Errorf("offer timeout must be positive, got %s", cfg.OfferTimeout)
	}
	pool, err := NewPool(cfg.RangeStart, cfg.RangeEnd)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	t := &Table{
		pool:         pool,
		leaseTime:    cfg.LeaseTime,
		offerTimeout: cfg.OfferTimeout,
		entries:      make(map[string]*entry),
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	metrics.PoolSize.Set(float64(pool.Size()))
	t.updateGauges()
	return t, nil
}

// LeaseTime returns the full lease duration granted on confirm.
func (t *Table) LeaseTime() time.Duration { return t.leaseTime }

// OfferTimeout returns how long an unconfirmed offer holds its address.
func (t *Table) OfferTimeout() time.Duration { return t.offerTimeout }

// Pool returns the address pool.
func (t *Table) Pool() *Pool { return t.pool }

// lock returns the locked entry for mac. With create false it returns nil
// when mac has never been seen.
func (t *Table) lock(mac net.HardwareAddr, create bool) *entry {
	key := mac.String()
	for {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			e = &entry{}
			t.entries[key] = e
		}
		t.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		// Pruned between lookup and lock; look again.
		e.mu.Unlock()
	}
}

// Offer reserves an address for mac. A still-valid lease is re-offered with
// the same address and keeps its expiry if that is later than the offer
// timeout; otherwise the lowest free address is taken.
func (t *Table) Offer(mac net.HardwareAddr) (net.IP, error) {
	if len(mac) == 0 {
		return nil, fmt.Errorf("offer: empty hardware address")
	}

	e := t.lock(mac, true)
	defer e.mu.Unlock()

	now := t.now()
	l := &e.lease

	if l.State.Owns() {
		if now.Before(l.Expiry) {
			// A re-offer never shortens the lease it replaces.
			wasActive := l.State == dhcpv4.LeaseStateActive
			l.State = dhcpv4.LeaseStateOffered
			l.Start = now
			if offerExpiry := now.Add(t.offerTimeout); offerExpiry.After(l.Expiry) {
				l.Expiry = offerExpiry
			}
			if wasActive {
				t.active.Add(-1)
				t.offered.Add(1)
			}
			t.updateGauges()
			metrics.LeaseOperations.WithLabelValues("reoffer").Inc()
			t.logger.Debug("lease re-offered",
				"ip", l.IP.String(),
				"mac", mac.String(),
				"was_active", wasActive)
			t.publish(events.EventLeaseOffer, now, l)
			return dhcpv4.BytesToIP(dhcpv4.IPToBytes(l.IP)), nil
		}
		// Past expiry but not yet swept.
		t.expire(l, now)
	}

	ip := t.pool.Allocate()
	if ip == nil {
		t.updateGauges()
		metrics.PoolExhausted.Inc()
		t.logger.Warn("pool exhausted", "mac", mac.String(), "pool", t.pool.String())
		return nil, ErrExhausted
	}

	*l = Lease{
		MAC:    append(net.HardwareAddr(nil), mac...),
		IP:     ip,
		State:  dhcpv4.LeaseStateOffered,
		Start:  now,
		Expiry: now.Add(t.offerTimeout),
	}
	t.offered.Add(1)
	t.updateGauges()
	metrics.LeaseOperations.WithLabelValues("offer").Inc()

	t.logger.Debug("lease offered",
		"ip", ip.String(),
		"mac", mac.String(),
		"expiry", l.Expiry)
	t.publish(events.EventLeaseOffer, now, l)

	return dhcpv4.BytesToIP(ip), nil
}

// Confirm promotes the Offered lease of mac for exactly ip to Active.
// It returns ErrConflict when the offer names another address and ErrUnknown
// when mac holds no live Offered lease.
func (t *Table) Confirm(mac net.HardwareAddr, ip net.IP) error {
	e := t.lock(mac, false)
	if e == nil {
		return ErrUnknown
	}
	defer e.mu.Unlock()

	now := t.now()
	l := &e.lease
	if l.State != dhcpv4.LeaseStateOffered || !now.Before(l.Expiry) {
		return ErrUnknown
	}
	if !l.IP.Equal(ip) {
		return fmt.Errorf("%w: offered %s, requested %s", ErrConflict, l.IP, ip)
	}

	l.State = dhcpv4.LeaseStateActive
	l.Start = now
	l.Expiry = now.Add(t.leaseTime)
	t.offered.Add(-1)
	t.active.Add(1)
	t.updateGauges()
	metrics.LeaseOperations.WithLabelValues("ack").Inc()

	t.logger.Info("lease confirmed",
		"ip", l.IP.String(),
		"mac", mac.String(),
		"expiry", l.Expiry)
	t.publish(events.EventLeaseAck, now, l)

	return nil
}

// Release relinquishes the Offered or Active lease of mac and frees its
// address immediately.
func (t *Table) Release(mac net.HardwareAddr) error {
	e := t.lock(mac, false)
	if e == nil {
		return ErrUnknown
	}
	defer e.mu.Unlock()

	l := &e.lease
	if !l.State.Owns() {
		return ErrUnknown
	}

	now := t.now()
	t.dropOwned(l)
	l.State = dhcpv4.LeaseStateReleased
	l.Expiry = now
	t.updateGauges()
	metrics.LeaseOperations.WithLabelValues("release").Inc()

	t.logger.Info("lease released",
		"ip", l.IP.String(),
		"mac", mac.String())
	t.publish(events.EventLeaseRelease, now, l)

	return nil
}

// Sweep expires every Offered or Active lease whose expiry is not after now
// and returns how many it moved back to the free partition. Terminal records
// older than the retention window are pruned.
func (t *Table) Sweep(now time.Time) int {
	count := 0
	for _, e := range t.all() {
		e.mu.Lock()
		if !e.dead && e.lease.State.Owns() && !now.Before(e.lease.Expiry) {
			t.expire(&e.lease, now)
			count++
		}
		e.mu.Unlock()
	}
	if count > 0 {
		t.updateGauges()
	}

	t.prune(now)
	return count
}

// expire moves an owned lease to Expired. Caller holds the entry lock.
func (t *Table) expire(l *Lease, now time.Time) {
	t.dropOwned(l)
	l.State = dhcpv4.LeaseStateExpired
	metrics.LeaseOperations.WithLabelValues("expire").Inc()
	t.logger.Info("lease expired",
		"ip", l.IP.String(),
		"mac", l.MAC.String())
	t.publish(events.EventLeaseExpire, now, l)
}

// dropOwned frees the address of an owned lease and fixes the counters.
func (t *Table) dropOwned(l *Lease) {
	switch l.State {
	case dhcpv4.LeaseStateOffered:
		t.offered.Add(-1)
	case dhcpv4.LeaseStateActive:
		t.active.Add(-1)
	}
	if !t.pool.Release(l.IP) {
		t.logger.Error("lease address was not owned in pool",
			"ip", l.IP.String(),
			"mac", l.MAC.String())
	}
}

// prune drops terminal entries whose retention has passed. It is the only
// path that holds the map lock while taking entry locks.
func (t *Table) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.mu.Lock()
		if !e.lease.State.Owns() && !now.Before(e.lease.Expiry.Add(terminalRetention)) {
			e.dead = true
			delete(t.entries, key)
		}
		e.mu.Unlock()
	}
}

func (t *Table) all() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Lookup returns a copy of the lease held for mac.
func (t *Table) Lookup(mac net.HardwareAddr) (Lease, bool) {
	e := t.lock(mac, false)
	if e == nil {
		return Lease{}, false
	}
	defer e.mu.Unlock()
	if e.lease.IP == nil {
		return Lease{}, false
	}
	return e.lease.Clone(), true
}

// Snapshot enumerates every lease record ordered by address. It is the
// read-only view a persistence layer consumes.
func (t *Table) Snapshot() []Record {
	var out []Record
	for _, e := range t.all() {
		e.mu.Lock()
		if !e.dead && e.lease.IP != nil {
			l := e.lease.Clone()
			out = append(out, Record{MAC: l.MAC, IP: l.IP, State: l.State, Expiry: l.Expiry})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].IP.To4(), out[j].IP.To4()); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].MAC, out[j].MAC) < 0
	})
	return out
}

// Restore re-installs Active, unexpired records, typically read back from a
// snapshot at start-up. Records for addresses outside the pool, already
// owned, or for hardware addresses that already hold a lease are skipped.
// It returns the number of leases restored; malformed records are reported
// in the joined error.
func (t *Table) Restore(records []Record) (int, error) {
	now := t.now()
	var errs []error
	restored := 0

	for _, r := range records {
		if len(r.MAC) == 0 || r.IP.To4() == nil {
			errs = append(errs, fmt.Errorf("record %s/%s: missing hardware or IPv4 address", r.MAC, r.IP))
			continue
		}
		if r.State != dhcpv4.LeaseStateActive || !now.Before(r.Expiry) {
			continue
		}

		e := t.lock(r.MAC, true)
		if e.lease.State.Owns() || !t.pool.AllocateSpecific(r.IP) {
			t.logger.Warn("skipping restored lease",
				"ip", r.IP.String(),
				"mac", r.MAC.String())
			e.mu.Unlock()
			continue
		}
		e.lease = Lease{
			MAC:    append(net.HardwareAddr(nil), r.MAC...),
			IP:     dhcpv4.BytesToIP(dhcpv4.IPToBytes(r.IP)),
			State:  dhcpv4.LeaseStateActive,
			Start:  now,
			Expiry: r.Expiry,
		}
		t.active.Add(1)
		metrics.LeaseOperations.WithLabelValues("restore").Inc()
		t.publish(events.EventLeaseRestore, now, &e.lease)
		e.mu.Unlock()
		restored++
	}

	t.updateGauges()
	return restored, errors.Join(errs...)
}

// Stats returns the pool and lease counts.
func (t *Table) Stats() Stats {
	return Stats{
		Size:    t.pool.Size(),
		Free:    t.pool.Free(),
		Offered: int(t.offered.Load()),
		Active:  int(t.active.Load()),
	}
}

func (t *Table) updateGauges() {
	metrics.LeasesOffered.Set(float64(t.offered.Load()))
	metrics.LeasesActive.Set(float64(t.active.Load()))
	metrics.PoolFree.Set(float64(t.pool.Free()))
}

func (t *Table) publish(typ events.EventType, now time.Time, l *Lease) {
	t.bus.Publish(events.NewEvent(typ, now, &events.LeaseData{
		IP:     append(net.IP(nil), l.IP...),
		MAC:    append(net.HardwareAddr(nil), l.MAC...),
		State:  string(l.State),
		Start:  l.Start.Unix(),
		Expiry: l.Expiry.Unix(),
	}))
}
