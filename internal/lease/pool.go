package lease

import (
	"fmt"
	"math/bits"
	"net"
	"sync"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// Pool is the ordered set of allocatable addresses, kept as a bitmap:
// a set bit means the address is owned by an Offered or Active lease.
type Pool struct {
	Start  net.IP
	End    net.IP
	startU uint32
	size   uint32
	bitmap []uint64
	owned  uint32
	mu     sync.Mutex
}

// NewPool creates a pool over the inclusive range start..end.
func NewPool(start, end net.IP) (*Pool, error) {
	if start.To4() == nil || end.To4() == nil {
		return nil, fmt.Errorf("pool range %s-%s is not IPv4", start, end)
	}
	startU := dhcpv4.IPToUint32(start)
	endU := dhcpv4.IPToUint32(end)
	if endU < startU {
		return nil, fmt.Errorf("pool end %s is before start %s", end, start)
	}

	size := endU - startU + 1
	return &Pool{
		Start:  dhcpv4.Uint32ToIP(startU),
		End:    dhcpv4.Uint32ToIP(endU),
		startU: startU,
		size:   size,
		bitmap: make([]uint64, (uint64(size)+63)/64),
	}, nil
}

// Size returns the total number of addresses in the pool.
func (p *Pool) Size() int {
	return int(p.size)
}

// Free returns the number of addresses in the free partition.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.size - p.owned)
}

// Contains checks if ip is within the pool range.
func (p *Pool) Contains(ip net.IP) bool {
	_, ok := p.offset(ip)
	return ok
}

func (p *Pool) offset(ip net.IP) (uint32, bool) {
	if ip.To4() == nil {
		return 0, false
	}
	u := dhcpv4.IPToUint32(ip)
	if u < p.startU || u-p.startU >= p.size {
		return 0, false
	}
	return u - p.startU, true
}

func (p *Pool) isSet(off uint32) bool {
	return p.bitmap[off/64]&(1<<(off%64)) != 0
}

// Allocate takes the lowest free address, or returns nil when none is left.
func (p *Pool) Allocate() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owned >= p.size {
		return nil
	}
	for w, word := range p.bitmap {
		if word == ^uint64(0) {
			continue
		}
		off := uint32(w)*64 + uint32(bits.TrailingZeros64(^word))
		if off >= p.size {
			return nil
		}
		p.bitmap[w] |= 1 << (off % 64)
		p.owned++
		return dhcpv4.Uint32ToIP(p.startU + off)
	}
	return nil
}

// AllocateSpecific takes ip if it is in range and free.
func (p *Pool) AllocateSpecific(ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offset(ip)
	if !ok || p.isSet(off) {
		return false
	}
	p.bitmap[off/64] |= 1 << (off % 64)
	p.owned++
	return true
}

// Release returns ip to the free partition. It reports whether ip was owned.
func (p *Pool) Release(ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offset(ip)
	if !ok || !p.isSet(off) {
		return false
	}
	p.bitmap[off/64] &^= 1 << (off % 64)
	p.owned--
	return true
}

// IsAllocated checks if ip is currently owned.
func (p *Pool) IsAllocated(ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offset(ip)
	return ok && p.isSet(off)
}

// String returns a human-readable pool description.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s-%s (%d/%d used)", p.Start, p.End, p.owned, p.size)
}
