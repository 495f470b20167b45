// Package lease implements the server-side lease table: the mapping from
// hardware address to lease record and the address pool behind it.
package lease

import (
	"errors"
	"net"
	"time"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

var (
	// ErrExhausted means the pool has no free address.
	ErrExhausted = errors.New("address pool exhausted")
	// ErrConflict means the client's Offered lease names a different address.
	ErrConflict = errors.New("requested address does not match offer")
	// ErrUnknown means there is no lease in the state the operation needs.
	ErrUnknown = errors.New("no matching lease")
)

// Lease is a time-bounded grant of one address to one hardware address.
type Lease struct {
	MAC    net.HardwareAddr  `json:"mac"`
	IP     net.IP            `json:"ip"`
	State  dhcpv4.LeaseState `json:"state"`
	Start  time.Time         `json:"start"`
	Expiry time.Time         `json:"expiry"`
}

// Remaining returns the time left on the lease at now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	r := l.Expiry.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Clone returns a deep copy of the lease.
func (l *Lease) Clone() Lease {
	c := *l
	c.IP = append(net.IP(nil), l.IP...)
	c.MAC = append(net.HardwareAddr(nil), l.MAC...)
	return c
}

// Record is one row of the lease table as exposed to persistence layers.
type Record struct {
	MAC    net.HardwareAddr  `json:"mac"`
	IP     net.IP            `json:"ip"`
	State  dhcpv4.LeaseState `json:"state"`
	Expiry time.Time         `json:"expiry"`
}

// Stats summarises the table and pool partitions.
type Stats struct {
	Size    int `json:"size"`
	Free    int `json:"free"`
	Offered int `json:"offered"`
	Active  int `json:"active"`
}
