// dora-client acquires an IPv4 lease with one Discover/Offer/Request/Ack
// exchange and prints what it was given.
// Usage:
//
//	dora-client -interface eth0
//	dora-client -config /etc/dorad/config.toml -json
//	dora-client -interface eth0 -mac 02:00:00:00:00:01
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/client"
	"github.com/MauricioCa07/DHCP-Project/internal/config"
	"github.com/MauricioCa07/DHCP-Project/internal/logging"
	"github.com/MauricioCa07/DHCP-Project/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "optional configuration file; its [client] section is used")
	iface := flag.String("interface", "", "interface to negotiate on (overrides config)")
	macFlag := flag.String("mac", "", "hardware address to present instead of the interface's")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	asJSON := flag.Bool("json", false, "print the lease as JSON")
	flag.Parse()

	logger := logging.Setup(*logLevel, "text", os.Stderr)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cc := cfg.Client
	if *iface != "" {
		cc.Interface = *iface
	}

	hwAddr := client.InterfaceHardwareAddr(cc.Interface)
	if *macFlag != "" {
		mac, err := net.ParseMAC(*macFlag)
		if err != nil || len(mac) != 6 {
			fmt.Fprintf(os.Stderr, "error: invalid -mac %q\n", *macFlag)
			os.Exit(1)
		}
		hwAddr = client.StaticHardwareAddr(mac)
	}

	conn, err := transport.ListenUDP(net.JoinHostPort("0.0.0.0", strconv.Itoa(cc.ClientPort)), cc.Interface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(conn, hwAddr, client.Config{
		Attempts:        cc.Attempts,
		DiscoverTimeout: cc.DiscoverTimeoutDuration(),
		RequestTimeout:  cc.RequestTimeoutDuration(),
		RequestRetries:  cc.RequestRetries,
		MaxTimeout:      cc.MaxTimeoutDuration(),
		ServerPort:      cc.ServerPort,
		ClientPort:      cc.ClientPort,
		Broadcast:       cc.Broadcast,
	}, logger)

	l, err := c.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(leaseJSON(l))
		return
	}
	printLease(l)
}

type leaseOutput struct {
	Address    string   `json:"address"`
	Server     string   `json:"server"`
	SubnetMask string   `json:"subnet_mask,omitempty"`
	Routers    []string `json:"routers,omitempty"`
	DNS        []string `json:"dns_servers,omitempty"`
	LeaseTime  int64    `json:"lease_time_seconds"`
	RenewAt    string   `json:"renew_at"`
	Expiry     string   `json:"expiry"`
}

func leaseJSON(l *client.Lease) leaseOutput {
	out := leaseOutput{
		Address:   l.Address.String(),
		Server:    l.Server.String(),
		Routers:   ipStrings(l.Routers),
		DNS:       ipStrings(l.DNS),
		LeaseTime: int64(l.LeaseTime.Seconds()),
		RenewAt:   l.RenewAt.Format(time.RFC3339),
		Expiry:    l.Expiry.Format(time.RFC3339),
	}
	if l.SubnetMask != nil {
		out.SubnetMask = net.IP(l.SubnetMask).String()
	}
	return out
}

func printLease(l *client.Lease) {
	o := leaseJSON(l)
	fmt.Printf("address:     %s\n", o.Address)
	fmt.Printf("server:      %s\n", o.Server)
	if o.SubnetMask != "" {
		fmt.Printf("subnet mask: %s\n", o.SubnetMask)
	}
	for _, r := range o.Routers {
		fmt.Printf("router:      %s\n", r)
	}
	for _, d := range o.DNS {
		fmt.Printf("dns:         %s\n", d)
	}
	fmt.Printf("lease time:  %s\n", l.LeaseTime)
	fmt.Printf("renew at:    %s\n", o.RenewAt)
	fmt.Printf("expires:     %s\n", o.Expiry)
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}
