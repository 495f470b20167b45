// dorad leases IPv4 addresses from a single pool over the DHCP
// Discover/Offer/Request/Ack exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MauricioCa07/DHCP-Project/internal/api"
	"github.com/MauricioCa07/DHCP-Project/internal/audit"
	"github.com/MauricioCa07/DHCP-Project/internal/config"
	"github.com/MauricioCa07/DHCP-Project/internal/dhcp"
	"github.com/MauricioCa07/DHCP-Project/internal/events"
	"github.com/MauricioCa07/DHCP-Project/internal/lease"
	"github.com/MauricioCa07/DHCP-Project/internal/logging"
	"github.com/MauricioCa07/DHCP-Project/internal/metrics"
	"github.com/MauricioCa07/DHCP-Project/internal/store"
	"github.com/MauricioCa07/DHCP-Project/internal/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/dorad/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	hashPassword := flag.Bool("hash-password", false, "print an [[api.auth.users]] entry with a bcrypt hash and exit")
	username := flag.String("username", "", "API user name for -hash-password")
	role := flag.String("role", config.DefaultUserRole, "API user role for -hash-password (admin or viewer)")
	cost := flag.Int("bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost for -hash-password")
	flag.Parse()

	if *hashPassword {
		if err := runHashPassword(*username, *role, *cost); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Start pprof debug server if requested
	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			addr := "127.0.0.1:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("dorad failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	serverIP := cfg.ServerIP()
	if serverIP == nil {
		ip, err := interfaceIPv4(cfg.Server.Interface)
		if err != nil {
			return fmt.Errorf("server_id not set: %w", err)
		}
		serverIP = ip
	}

	rng, err := cfg.PoolRange()
	if err != nil {
		return err
	}

	logger.Info("dorad starting",
		"version", version,
		"interface", cfg.Server.Interface,
		"server_id", serverIP.String(),
		"pool_start", rng.Start.String(),
		"pool_end", rng.End.String(),
		"pool_size", rng.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(cfg.Server.EventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	table, err := lease.NewTable(lease.Config{
		RangeStart:   rng.Start,
		RangeEnd:     rng.End,
		LeaseTime:    cfg.LeaseTime(),
		OfferTimeout: cfg.OfferTimeout(),
	}, lease.WithBus(bus), lease.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating lease table: %w", err)
	}

	// Lease persistence
	st, err := store.Open(cfg.Server.LeaseDB, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := store.Restore(st, table, logger); err != nil {
		logger.Warn("lease snapshot not restored", "error", err)
	}
	snapshotter := store.NewSnapshotter(st, table, bus, cfg.SnapshotInterval(), logger)
	snapDone := make(chan struct{})
	go func() {
		snapshotter.Run(ctx)
		close(snapDone)
	}()

	// Lease history
	var apiOpts []api.ServerOption
	if cfg.Server.AuditLog {
		auditLog, err := audit.NewLog(st.DB(), bus, serverIP.String(), cfg.Server.AuditMaxRecords, logger)
		if err != nil {
			return err
		}
		go auditLog.Run(ctx)
		apiOpts = append(apiOpts, api.WithAuditLog(auditLog))
	}

	// DHCP
	var handlerOpts []dhcp.HandlerOption
	if cfg.Server.RateLimit.Enabled {
		handlerOpts = append(handlerOpts, dhcp.WithRateLimiter(dhcp.NewRateLimiter(
			cfg.Server.RateLimit.MaxDiscoversPerSecond,
			cfg.Server.RateLimit.MaxPerMACPerSecond)))
	}
	handler := dhcp.NewHandler(dhcp.HandlerConfig{
		ServerIP:       serverIP,
		SubnetMask:     rng.Mask,
		Routers:        cfg.Routers(),
		DNSServers:     cfg.DNSServers(),
		TransactionTTL: cfg.TransactionTTL(),
	}, table, logger, handlerOpts...)

	replyMode, err := transport.ParseReplyMode(cfg.Server.ReplyMode)
	if err != nil {
		return err
	}
	conn, err := transport.ListenUDP(cfg.Server.BindAddress, cfg.Server.Interface)
	if err != nil {
		return err
	}
	server := dhcp.NewServer(conn, handler, table, dhcp.ServerConfig{
		ReplyMode:     replyMode,
		ClientPort:    cfg.Server.ClientPort,
		SweepInterval: cfg.SweepInterval(),
	}, logger)
	server.Start(ctx)
	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)

	// HTTP API
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, table, logger, append(apiOpts, api.WithVersion(version))...)
		ln, err := apiServer.Listen()
		if err != nil {
			server.Stop()
			return err
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	logger.Info("dorad ready",
		"api", cfg.API.Enabled,
		"audit_log", cfg.Server.AuditLog,
		"rate_limit", cfg.Server.RateLimit.Enabled)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown", "error", err)
		}
	}

	// Stop accepting packets before the final snapshot is taken
	server.Stop()
	cancel()
	<-snapDone

	logger.Info("dorad stopped", "events_dropped", bus.Drops())
	return nil
}

// interfaceIPv4 returns the first IPv4 address assigned to iface.
func interfaceIPv4(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}
