package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/lease"
	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// LeaseTable is the allocation backend the handler drives.
type LeaseTable interface {
	Offer(mac net.HardwareAddr) (net.IP, error)
	Confirm(mac net.HardwareAddr, ip net.IP) error
	Release(mac net.HardwareAddr) error
	LeaseTime() time.Duration
}

// HandlerConfig holds the parameters handed to every client.
type HandlerConfig struct {
	ServerIP   net.IP
	SubnetMask net.IPMask
	Routers    []net.IP
	DNSServers []net.IP
	// TransactionTTL is how long an idle negotiation record is kept.
	TransactionTTL time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter drops Discovers beyond the limiter's budget.
func WithRateLimiter(rl *RateLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = rl }
}

// WithHandlerClock replaces time.Now, for tests.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// Handler processes DHCP messages implementing the DORA cycle (RFC 2131).
// Every request that cannot be answered is dropped: the client's own
// retransmission and timeout path is the recovery mechanism.
type Handler struct {
	cfg     HandlerConfig
	leases  LeaseTable
	txns    *transactions
	limiter *RateLimiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewHandler creates a new DHCP message handler.
func NewHandler(cfg HandlerConfig, leases LeaseTable, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if cfg.TransactionTTL <= 0 {
		cfg.TransactionTTL = time.Minute
	}
	h := &Handler{
		cfg:    cfg,
		leases: leases,
		txns:   newTransactions(cfg.TransactionTTL),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlePacket dispatches a DHCP packet to the appropriate handler based on
// message type. A nil reply means nothing is sent.
func (h *Handler) HandlePacket(ctx context.Context, pkt *Packet, src *net.UDPAddr) (*Packet, error) {
	msgType := pkt.MessageType()

	h.logger.Debug("received DHCP packet",
		"msg_type", msgType.String(),
		"mac", pkt.CHAddr.String(),
		"xid", fmt.Sprintf("%08x", pkt.XID),
		"ciaddr", pkt.CIAddr.String(),
		"src", src.String())

	if len(pkt.CHAddr) == 0 {
		h.drop(pkt, "no_chaddr")
		return nil, nil
	}

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		return h.handleDiscover(ctx, pkt)
	case dhcpv4.MessageTypeRequest:
		return h.handleRequest(ctx, pkt)
	case dhcpv4.MessageTypeRelease:
		h.handleRelease(pkt)
		return nil, nil
	default:
		h.logger.Warn("unsupported DHCP message type",
			"msg_type", msgType.String(),
			"mac", pkt.CHAddr.String())
		h.drop(pkt, "unsupported")
		return nil, nil
	}
}

// handleDiscover processes DHCPDISCOVER → DHCPOFFER.
// RFC 2131 §4.3.1: server response to DHCPDISCOVER.
func (h *Handler) handleDiscover(ctx context.Context, pkt *Packet) (*Packet, error) {
	mac := pkt.CHAddr

	h.logger.Info("DHCPDISCOVER",
		"mac", mac.String(),
		"xid", fmt.Sprintf("%08x", pkt.XID))

	if !h.limiter.Allow(mac) {
		metrics.RateLimited.Inc()
		h.drop(pkt, "rate_limited")
		return nil, nil
	}

	txn := h.txns.lock(mac)
	defer txn.mu.Unlock()
	now := h.now()

	// A late copy of the Discover that led to the Ack must not reopen it.
	if !txn.fresh() && txn.state == Acknowledged && txn.xid == pkt.XID {
		h.logger.Debug("DHCPDISCOVER for acknowledged transaction",
			"mac", mac.String(),
			"xid", fmt.Sprintf("%08x", pkt.XID))
		h.drop(pkt, "already_acknowledged")
		return nil, nil
	}

	// A Discover with a new xid starts a new negotiation.
	if txn.fresh() || txn.xid != pkt.XID || txn.state == Declined {
		txn.xid = pkt.XID
		txn.ip = nil
		txn.ack = nil
		txn.set(AwaitingDiscover, now)
	}

	ip, err := h.leases.Offer(mac)
	if err != nil {
		h.transition(txn, mac, Declined, now, err.Error())
		if errors.Is(err, lease.ErrExhausted) {
			h.drop(pkt, "exhausted")
			return nil, nil
		}
		return nil, fmt.Errorf("offering lease to %s: %w", mac, err)
	}

	reply := pkt.NewReply(dhcpv4.MessageTypeOffer, h.cfg.ServerIP)
	reply.YIAddr = ip
	h.setLeaseOptions(reply)

	txn.ip = ip
	h.transition(txn, mac, OfferSent, now, "offer built")

	h.logger.Info("DHCPOFFER",
		"mac", mac.String(),
		"ip", ip.String(),
		"xid", fmt.Sprintf("%08x", pkt.XID))

	return reply, nil
}

// OfferDelivered advances the negotiation of mac to AwaitingRequest once its
// Offer has been handed to the transport.
func (h *Handler) OfferDelivered(mac net.HardwareAddr, xid uint32) {
	txn := h.txns.lock(mac)
	defer txn.mu.Unlock()
	if txn.xid == xid && txn.state == OfferSent {
		h.transition(txn, mac, AwaitingRequest, h.now(), "offer sent")
	}
}

// handleRequest processes DHCPREQUEST → DHCPACK.
// RFC 2131 §4.3.2: the Request must name the address just offered.
func (h *Handler) handleRequest(ctx context.Context, pkt *Packet) (*Packet, error) {
	mac := pkt.CHAddr

	// RFC 2131 §4.3.2: a Request naming another server declines our offer.
	if sid := pkt.ServerIdentifier(); sid != nil && !sid.Equal(h.cfg.ServerIP) {
		h.logger.Debug("request for another server",
			"mac", mac.String(),
			"server_id", sid.String())
		h.drop(pkt, "other_server")
		return nil, nil
	}

	requested := pkt.RequestedIP()
	if requested == nil && !dhcpv4.IsUnset(pkt.CIAddr) {
		requested = pkt.CIAddr
	}
	if requested == nil {
		h.logger.Warn("DHCPREQUEST without an address", "mac", mac.String())
		h.drop(pkt, "no_address")
		return nil, nil
	}

	h.logger.Info("DHCPREQUEST",
		"mac", mac.String(),
		"ip", requested.String(),
		"xid", fmt.Sprintf("%08x", pkt.XID))

	txn := h.txns.lock(mac)
	defer txn.mu.Unlock()
	now := h.now()

	if !txn.fresh() {
		// Retransmitted Request: answer with the Ack already sent.
		if txn.state == Acknowledged && txn.xid == pkt.XID && txn.ip.Equal(requested) {
			metrics.AcksReplayed.Inc()
			h.logger.Debug("replaying DHCPACK",
				"mac", mac.String(),
				"ip", requested.String())
			txn.updated = now
			return txn.ack, nil
		}
		if txn.state == Acknowledged && txn.xid == pkt.XID {
			h.logger.Warn("DHCPREQUEST does not match acknowledged lease",
				"mac", mac.String(),
				"ip", requested.String(),
				"acked_ip", txn.ip.String())
			h.drop(pkt, "ack_mismatch")
			return nil, nil
		}
		if txn.xid != pkt.XID {
			h.logger.Debug("stale DHCPREQUEST",
				"mac", mac.String(),
				"xid", fmt.Sprintf("%08x", pkt.XID),
				"current_xid", fmt.Sprintf("%08x", txn.xid))
			h.drop(pkt, "stale_xid")
			return nil, nil
		}
	} else {
		txn.xid = pkt.XID
		txn.set(AwaitingRequest, now)
	}

	if err := h.leases.Confirm(mac, requested); err != nil {
		reason := "unknown"
		if errors.Is(err, lease.ErrConflict) {
			reason = "conflict"
		}
		h.logger.Warn("DHCPREQUEST rejected",
			"mac", mac.String(),
			"ip", requested.String(),
			"reason", reason,
			"error", err)
		h.transition(txn, mac, Declined, now, reason)
		h.drop(pkt, reason)
		return nil, nil
	}

	reply := pkt.NewReply(dhcpv4.MessageTypeAck, h.cfg.ServerIP)
	reply.YIAddr = dhcpv4.BytesToIP(dhcpv4.IPToBytes(requested))
	if !dhcpv4.IsUnset(pkt.CIAddr) {
		reply.CIAddr = dhcpv4.BytesToIP(dhcpv4.IPToBytes(pkt.CIAddr))
	}
	h.setLeaseOptions(reply)

	txn.ip = reply.YIAddr
	txn.ack = reply
	h.transition(txn, mac, Acknowledged, now, "lease confirmed")

	h.logger.Info("DHCPACK",
		"mac", mac.String(),
		"ip", requested.String(),
		"lease_time", h.leases.LeaseTime().String())

	return reply, nil
}

// handleRelease processes DHCPRELEASE.
// RFC 2131 §4.4.4: no reply is sent.
func (h *Handler) handleRelease(pkt *Packet) {
	mac := pkt.CHAddr

	if err := h.leases.Release(mac); err != nil {
		h.logger.Warn("DHCPRELEASE for unknown lease",
			"mac", mac.String(),
			"ciaddr", pkt.CIAddr.String())
	} else {
		h.logger.Info("DHCPRELEASE",
			"mac", mac.String(),
			"ciaddr", pkt.CIAddr.String())
	}
	h.txns.remove(mac)
}

// setLeaseOptions adds the client configuration in tag order after the
// message type and server identifier.
func (h *Handler) setLeaseOptions(reply *Packet) {
	if h.cfg.SubnetMask != nil {
		reply.Options.Set(dhcpv4.OptionSubnetMask, append([]byte(nil), h.cfg.SubnetMask...))
	}
	if len(h.cfg.Routers) > 0 {
		reply.Options.Set(dhcpv4.OptionRouter, dhcpv4.IPListToBytes(h.cfg.Routers))
	}
	if len(h.cfg.DNSServers) > 0 {
		reply.Options.Set(dhcpv4.OptionDomainNameServer, dhcpv4.IPListToBytes(h.cfg.DNSServers))
	}
	reply.Options.SetUint32(dhcpv4.OptionIPLeaseTime, uint32(h.leases.LeaseTime()/time.Second))
}

// transition moves txn to state and logs the change. Caller holds txn.mu.
func (h *Handler) transition(txn *transaction, mac net.HardwareAddr, state TxnState, now time.Time, reason string) {
	old := txn.state
	txn.set(state, now)
	if old != state {
		h.logger.Debug("transaction state transition",
			"mac", mac.String(),
			"xid", fmt.Sprintf("%08x", txn.xid),
			"old_state", old.String(),
			"new_state", state.String(),
			"reason", reason)
	}
}

func (h *Handler) drop(pkt *Packet, reason string) {
	metrics.PacketsDropped.WithLabelValues(reason).Inc()
	h.logger.Debug("dropping DHCP packet",
		"msg_type", pkt.MessageType().String(),
		"mac", pkt.CHAddr.String(),
		"reason", reason)
}

// SweepTransactions forgets negotiations idle for longer than the
// transaction ttl.
func (h *Handler) SweepTransactions(now time.Time) int {
	return h.txns.sweep(now)
}

// TransactionState reports the negotiation state recorded for mac.
func (h *Handler) TransactionState(mac net.HardwareAddr) (TxnState, bool) {
	return h.txns.state(mac)
}
