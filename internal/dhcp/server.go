package dhcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
	"github.com/MauricioCa07/DHCP-Project/internal/transport"
	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// Sweeper reclaims expired leases.
type Sweeper interface {
	Sweep(now time.Time) int
}

// ServerConfig holds the receive loop parameters.
type ServerConfig struct {
	ReplyMode     transport.ReplyMode
	ClientPort    int
	SweepInterval time.Duration
}

// Server is the DHCPv4 receive loop: it reads datagrams from the transport,
// handles each in its own goroutine and sends the replies.
type Server struct {
	conn    transport.Conn
	handler *Handler
	leases  Sweeper
	cfg     ServerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewServer creates a new DHCP server over conn.
func NewServer(conn transport.Conn, handler *Handler, leases Sweeper, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.ClientPort == 0 {
		cfg.ClientPort = dhcpv4.ClientPort
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.ReplyMode == "" {
		cfg.ReplyMode = transport.ReplyBroadcast
	}
	return &Server{
		conn:    conn,
		handler: handler,
		leases:  leases,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the receive loop and the expiry sweeper in the background.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info("DHCP server started",
		"address", s.conn.LocalAddr().String(),
		"reply_mode", string(s.cfg.ReplyMode))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

// serve is the main packet processing loop.
func (s *Server) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		d, err := s.conn.Receive(ctx, 0)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
				return
			case errors.Is(err, transport.ErrTimeout):
				continue
			}
			metrics.PacketErrors.WithLabelValues("receive").Inc()
			s.logger.Error("reading datagram", "error", err)
			// Avoid spinning on a persistently failing socket.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		// Process packet in a goroutine to not block the listener
		s.wg.Add(1)
		go func(d transport.Datagram) {
			defer s.wg.Done()
			s.processPacket(ctx, d.Data, d.Src)
		}(d)
	}
}

// processPacket handles a single DHCP packet. Nothing here is fatal to the loop.
func (s *Server) processPacket(ctx context.Context, data []byte, src *net.UDPAddr) {
	pkt, err := DecodePacket(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed packet",
			"error", err,
			"src", src.String(),
			"size", len(data))
		return
	}

	// Validate it's a BOOTREQUEST
	if pkt.Op != dhcpv4.OpCodeBootRequest {
		return
	}

	msgType := pkt.MessageType().String()
	metrics.PacketsReceived.WithLabelValues(msgType).Inc()
	start := time.Now()

	reply, err := s.handler.HandlePacket(ctx, pkt, src)

	metrics.PacketProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling DHCP packet",
			"error", err,
			"mac", pkt.CHAddr.String(),
			"msg_type", msgType)
		return
	}
	if reply == nil {
		return
	}

	replyBytes, err := reply.Encode()
	if err != nil {
		metrics.PacketErrors.WithLabelValues("encode").Inc()
		s.logger.Error("encoding reply",
			"error", err,
			"mac", pkt.CHAddr.String())
		return
	}

	dst := transport.ReplyDestination(s.cfg.ReplyMode, pkt.IsBroadcast(), pkt.CIAddr, src, s.cfg.ClientPort)
	if err := s.conn.Send(replyBytes, dst); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply",
			"error", err,
			"dst", dst.String(),
			"mac", pkt.CHAddr.String())
		return
	}
	metrics.PacketsSent.WithLabelValues(reply.MessageType().String()).Inc()

	if reply.MessageType() == dhcpv4.MessageTypeOffer {
		s.handler.OfferDelivered(pkt.CHAddr, pkt.XID)
	}
}

// sweepLoop expires leases and forgets idle negotiations on a ticker.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	expired := s.leases.Sweep(now)
	txns := s.handler.SweepTransactions(now)
	if expired > 0 || txns > 0 {
		s.logger.Info("lease sweep completed",
			"expired_count", expired,
			"transactions_dropped", txns)
	}
}

// Stop gracefully shuts down the server and closes the transport.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
	s.logger.Info("DHCP server stopped")
}

// Handler returns the packet handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
