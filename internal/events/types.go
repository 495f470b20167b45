// Package events provides the lease event bus.
package events

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// EventType represents a lease lifecycle event.
type EventType string

const (
	EventLeaseOffer   EventType = "lease.offer"
	EventLeaseAck     EventType = "lease.ack"
	EventLeaseRelease EventType = "lease.release"
	EventLeaseExpire  EventType = "lease.expire"
	EventLeaseRestore EventType = "lease.restore"
)

// Event is the core event payload passed through the event bus.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Lease     *LeaseData `json:"lease,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// LeaseData carries lease information in events.
type LeaseData struct {
	IP     net.IP           `json:"ip"`
	MAC    net.HardwareAddr `json:"mac"`
	State  string           `json:"state"`
	Start  int64            `json:"start"`
	Expiry int64            `json:"expiry"`
}

// NewEvent stamps a new event with a random ID and the given time.
func NewEvent(t EventType, at time.Time, lease *LeaseData) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: at,
		Lease:     lease,
	}
}
