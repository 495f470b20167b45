package dhcp

import (
	"net"
	"sync"
	"time"
)

// TxnState is the server-side state of one client negotiation.
type TxnState int

const (
	AwaitingDiscover TxnState = iota
	OfferSent
	AwaitingRequest
	Acknowledged // terminal
	Declined     // terminal
)

func (s TxnState) String() string {
	switch s {
	case AwaitingDiscover:
		return "awaiting_discover"
	case OfferSent:
		return "offer_sent"
	case AwaitingRequest:
		return "awaiting_request"
	case Acknowledged:
		return "acknowledged"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

// transaction is the negotiation record for one hardware address. ack holds
// the reply sent on Acknowledged so retransmitted Requests get the same bytes.
type transaction struct {
	mu      sync.Mutex
	xid     uint32
	state   TxnState
	ip      net.IP
	ack     *Packet
	updated time.Time
	dead    bool
}

// transactions tracks in-flight negotiations keyed by hardware address.
// Like the lease table, the map lock covers lookup and insert only.
type transactions struct {
	mu    sync.Mutex
	byMAC map[string]*transaction
	ttl   time.Duration
}

func newTransactions(ttl time.Duration) *transactions {
	return &transactions{
		byMAC: make(map[string]*transaction),
		ttl:   ttl,
	}
}

// lock returns the locked transaction for mac, creating an empty one in
// AwaitingDiscover when absent.
func (t *transactions) lock(mac net.HardwareAddr) *transaction {
	key := mac.String()
	for {
		t.mu.Lock()
		txn, ok := t.byMAC[key]
		if !ok {
			txn = &transaction{state: AwaitingDiscover}
			t.byMAC[key] = txn
		}
		t.mu.Unlock()

		txn.mu.Lock()
		if !txn.dead {
			return txn
		}
		txn.mu.Unlock()
	}
}

// fresh reports whether txn was created by the current lock call.
func (txn *transaction) fresh() bool {
	return txn.updated.IsZero()
}

func (txn *transaction) set(state TxnState, now time.Time) {
	txn.state = state
	txn.updated = now
}

// remove drops the transaction for mac.
func (t *transactions) remove(mac net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := mac.String()
	if txn, ok := t.byMAC[key]; ok {
		txn.mu.Lock()
		txn.dead = true
		txn.mu.Unlock()
		delete(t.byMAC, key)
	}
}

// sweep drops transactions idle for longer than the ttl and returns how many.
func (t *transactions) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, txn := range t.byMAC {
		txn.mu.Lock()
		if !now.Before(txn.updated.Add(t.ttl)) {
			txn.dead = true
			delete(t.byMAC, key)
			n++
		}
		txn.mu.Unlock()
	}
	return n
}

// state returns the current state for mac, for tests and diagnostics.
func (t *transactions) state(mac net.HardwareAddr) (TxnState, bool) {
	t.mu.Lock()
	txn, ok := t.byMAC[mac.String()]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.state, true
}

func (t *transactions) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMAC)
}
