package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/events"
	"github.com/MauricioCa07/DHCP-Project/internal/lease"
	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
)

// Source enumerates lease records. *lease.Table implements it.
type Source interface {
	Snapshot() []lease.Record
}

// Snapshotter writes the lease table to a Store on a ticker. With an event
// bus it only writes after a lease event was seen since the last write.
type Snapshotter struct {
	store    *Store
	source   Source
	bus      *events.Bus
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSnapshotter creates a Snapshotter. bus may be nil.
func NewSnapshotter(st *Store, src Source, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Snapshotter{
		store:    st,
		source:   src,
		bus:      bus,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run writes snapshots until ctx is done, then writes a final one.
func (s *Snapshotter) Run(ctx context.Context) {
	var sub chan events.Event
	dirty := true
	if s.bus != nil {
		sub = s.bus.Subscribe(1000)
		defer s.bus.Unsubscribe(sub)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Write()
			return
		case _, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			dirty = true
		case <-ticker.C:
			if dirty || sub == nil {
				if s.Write() == nil {
					dirty = false
				}
			}
		}
	}
}

// Write saves the current lease records once.
func (s *Snapshotter) Write() error {
	records := s.source.Snapshot()
	if err := s.store.Save(records, s.now()); err != nil {
		metrics.SnapshotsWritten.WithLabelValues("error").Inc()
		s.logger.Error("writing lease snapshot", "error", err)
		return err
	}
	metrics.SnapshotsWritten.WithLabelValues("success").Inc()
	s.logger.Debug("lease snapshot written", "leases", len(records))
	return nil
}

// Restore loads the stored snapshot into table and returns how many leases
// were reinstated.
func Restore(st *Store, table *lease.Table, logger *slog.Logger) (int, error) {
	records, err := st.Load()
	if err != nil {
		return 0, err
	}
	n, err := table.Restore(records)
	if err != nil {
		logger.Warn("some stored leases could not be restored", "error", err)
	}
	logger.Info("leases restored from snapshot", "stored", len(records), "restored", n)
	return n, nil
}
