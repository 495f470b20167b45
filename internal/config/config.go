// Package config handles TOML configuration parsing and validation for the
// dorad server and the dora-client.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"inet.af/netaddr"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Pool   PoolConfig   `toml:"pool"`
	Client ClientConfig `toml:"client"`
	API    APIConfig    `toml:"api"`
}

// ServerConfig holds core server settings.
type ServerConfig struct {
	Interface        string          `toml:"interface"`
	BindAddress      string          `toml:"bind_address"`
	ServerID         string          `toml:"server_id"`
	LogLevel         string          `toml:"log_level"`
	LogFormat        string          `toml:"log_format"`
	LeaseDB          string          `toml:"lease_db"`
	ReplyMode        string          `toml:"reply_mode"`
	ClientPort       int             `toml:"client_port"`
	SweepInterval    string          `toml:"sweep_interval"`
	SnapshotInterval string          `toml:"snapshot_interval"`
	TransactionTTL   string          `toml:"transaction_ttl"`
	EventBufferSize  int             `toml:"event_buffer_size"`
	AuditLog         bool            `toml:"audit_log"`
	AuditMaxRecords  int             `toml:"audit_max_records"`
	RateLimit        RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig holds Discover flood protection settings.
type RateLimitConfig struct {
	Enabled               bool `toml:"enabled"`
	MaxDiscoversPerSecond int  `toml:"max_discovers_per_second"`
	MaxPerMACPerSecond    int  `toml:"max_per_mac_per_second"`
}

// PoolConfig holds the single address pool. An empty range defaults to every
// host address of the network.
type PoolConfig struct {
	Network      string   `toml:"network"`
	RangeStart   string   `toml:"range_start"`
	RangeEnd     string   `toml:"range_end"`
	Routers      []string `toml:"routers"`
	DNSServers   []string `toml:"dns_servers"`
	LeaseTime    string   `toml:"lease_time"`
	OfferTimeout string   `toml:"offer_timeout"`
}

// ClientConfig holds dora-client settings.
type ClientConfig struct {
	Interface       string `toml:"interface"`
	Attempts        int    `toml:"attempts"`
	DiscoverTimeout string `toml:"discover_timeout"`
	RequestTimeout  string `toml:"request_timeout"`
	RequestRetries  int    `toml:"request_retries"`
	MaxTimeout      string `toml:"max_timeout"`
	ServerPort      int    `toml:"server_port"`
	ClientPort      int    `toml:"client_port"`
	Broadcast       bool   `toml:"broadcast"`
}

// APIConfig holds HTTP admin API settings.
type APIConfig struct {
	Enabled bool          `toml:"enabled"`
	Listen  string        `toml:"listen"`
	Auth    APIAuthConfig `toml:"auth"`
}

// APIAuthConfig holds auth settings.
type APIAuthConfig struct {
	AuthToken string       `toml:"auth_token"`
	Users     []UserConfig `toml:"users"`
}

// UserConfig holds an API user with a bcrypt password hash. Role is
// "admin" or "viewer"; only admins may release leases.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	Role         string `toml:"role"`
}

// Validate checks that the user has a name, a hash and a known role.
func (u UserConfig) Validate() error {
	if u.Username == "" || u.PasswordHash == "" {
		return fmt.Errorf("username and password_hash are required")
	}
	if u.Role != "admin" && u.Role != "viewer" {
		return fmt.Errorf("role must be \"admin\" or \"viewer\", got %q", u.Role)
	}
	return nil
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text, applies defaults, and validates.
func Parse(data string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	applyDefaults(cfg, md)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, toml.MetaData{})
	return cfg
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.Server.Interface == "" {
		cfg.Server.Interface = DefaultInterface
	}
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = DefaultBindAddress
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Server.LeaseDB == "" {
		cfg.Server.LeaseDB = DefaultLeaseDB
	}
	if cfg.Server.ReplyMode == "" {
		cfg.Server.ReplyMode = DefaultReplyMode
	}
	if cfg.Server.ClientPort == 0 {
		cfg.Server.ClientPort = DefaultClientPort
	}
	if cfg.Server.SweepInterval == "" {
		cfg.Server.SweepInterval = DefaultSweepInterval.String()
	}
	if cfg.Server.SnapshotInterval == "" {
		cfg.Server.SnapshotInterval = DefaultSnapshotInterval.String()
	}
	if cfg.Server.TransactionTTL == "" {
		cfg.Server.TransactionTTL = DefaultTransactionTTL.String()
	}
	if cfg.Server.EventBufferSize == 0 {
		cfg.Server.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Server.RateLimit.MaxDiscoversPerSecond == 0 {
		cfg.Server.RateLimit.MaxDiscoversPerSecond = DefaultRateLimitDiscovers
	}
	if cfg.Server.RateLimit.MaxPerMACPerSecond == 0 {
		cfg.Server.RateLimit.MaxPerMACPerSecond = DefaultRateLimitPerMAC
	}

	// Pool defaults
	if cfg.Pool.LeaseTime == "" {
		cfg.Pool.LeaseTime = DefaultLeaseTime.String()
	}
	if cfg.Pool.OfferTimeout == "" {
		cfg.Pool.OfferTimeout = DefaultOfferTimeout.String()
	}

	// Client defaults
	if cfg.Client.Interface == "" {
		cfg.Client.Interface = DefaultInterface
	}
	if cfg.Client.Attempts == 0 {
		cfg.Client.Attempts = DefaultClientAttempts
	}
	if cfg.Client.DiscoverTimeout == "" {
		cfg.Client.DiscoverTimeout = DefaultDiscoverTimeout.String()
	}
	if cfg.Client.RequestTimeout == "" {
		cfg.Client.RequestTimeout = DefaultRequestTimeout.String()
	}
	if !md.IsDefined("client", "request_retries") {
		cfg.Client.RequestRetries = DefaultRequestRetries
	}
	if cfg.Client.MaxTimeout == "" {
		cfg.Client.MaxTimeout = DefaultMaxTimeout.String()
	}
	if cfg.Client.ServerPort == 0 {
		cfg.Client.ServerPort = DefaultServerPort
	}
	if cfg.Client.ClientPort == 0 {
		cfg.Client.ClientPort = DefaultClientPort
	}
	if !md.IsDefined("client", "broadcast") {
		cfg.Client.Broadcast = true
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	for i := range cfg.API.Auth.Users {
		if cfg.API.Auth.Users[i].Role == "" {
			cfg.API.Auth.Users[i].Role = DefaultUserRole
		}
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	// Server ID must be a valid IPv4 address
	if cfg.Server.ServerID != "" {
		if ip := net.ParseIP(cfg.Server.ServerID); ip == nil || ip.To4() == nil {
			return fmt.Errorf("server.server_id %q is not a valid IPv4 address", cfg.Server.ServerID)
		}
	}
	if _, _, err := net.SplitHostPort(cfg.Server.BindAddress); err != nil {
		return fmt.Errorf("server.bind_address %q: %w", cfg.Server.BindAddress, err)
	}
	if cfg.Server.ReplyMode != "broadcast" && cfg.Server.ReplyMode != "unicast" {
		return fmt.Errorf("server.reply_mode must be \"broadcast\" or \"unicast\", got %q", cfg.Server.ReplyMode)
	}
	if cfg.Server.LogFormat != "json" && cfg.Server.LogFormat != "text" {
		return fmt.Errorf("server.log_format must be \"json\" or \"text\", got %q", cfg.Server.LogFormat)
	}
	if err := validPort("server.client_port", cfg.Server.ClientPort); err != nil {
		return err
	}
	if cfg.Server.AuditMaxRecords < 0 {
		return fmt.Errorf("server.audit_max_records must not be negative, got %d", cfg.Server.AuditMaxRecords)
	}

	for name, value := range map[string]string{
		"server.sweep_interval":    cfg.Server.SweepInterval,
		"server.snapshot_interval": cfg.Server.SnapshotInterval,
		"server.transaction_ttl":   cfg.Server.TransactionTTL,
		"pool.lease_time":          cfg.Pool.LeaseTime,
		"pool.offer_timeout":       cfg.Pool.OfferTimeout,
		"client.discover_timeout":  cfg.Client.DiscoverTimeout,
		"client.request_timeout":   cfg.Client.RequestTimeout,
		"client.max_timeout":       cfg.Client.MaxTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	// Validate pool
	if cfg.Pool.Network != "" || cfg.Pool.RangeStart != "" || cfg.Pool.RangeEnd != "" {
		if _, err := cfg.PoolRange(); err != nil {
			return err
		}
	}
	for i, r := range cfg.Pool.Routers {
		if ip := net.ParseIP(r); ip == nil || ip.To4() == nil {
			return fmt.Errorf("pool.routers[%d]: invalid IPv4 address %q", i, r)
		}
	}
	for i, d := range cfg.Pool.DNSServers {
		if ip := net.ParseIP(d); ip == nil || ip.To4() == nil {
			return fmt.Errorf("pool.dns_servers[%d]: invalid IPv4 address %q", i, d)
		}
	}

	// Validate client
	if cfg.Client.Attempts < 0 {
		return fmt.Errorf("client.attempts must not be negative, got %d", cfg.Client.Attempts)
	}
	if cfg.Client.RequestRetries < 0 {
		return fmt.Errorf("client.request_retries must not be negative, got %d", cfg.Client.RequestRetries)
	}
	if err := validPort("client.server_port", cfg.Client.ServerPort); err != nil {
		return err
	}
	if err := validPort("client.client_port", cfg.Client.ClientPort); err != nil {
		return err
	}

	// Validate API
	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
		}
	}
	for i, u := range cfg.API.Auth.Users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("api.auth.users[%d]: %w", i, err)
		}
	}

	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// Range is the resolved address pool.
type Range struct {
	Start net.IP
	End   net.IP
	// Mask is the network mask, nil when no network is configured.
	Mask net.IPMask
}

// Size returns the number of addresses in the range.
func (r Range) Size() int {
	return int(dhcpv4.IPRangeSize(r.Start, r.End))
}

// PoolRange resolves the pool addresses. With a network configured, an unset
// range_start defaults to the first host address and an unset range_end to
// the last host address before broadcast.
func (cfg *Config) PoolRange() (Range, error) {
	var (
		prefix    netaddr.IPPrefix
		hasPrefix bool
		start     netaddr.IP
		end       netaddr.IP
		err       error
	)

	if cfg.Pool.Network != "" {
		prefix, err = netaddr.ParseIPPrefix(cfg.Pool.Network)
		if err != nil {
			return Range{}, fmt.Errorf("pool.network: invalid network %q: %w", cfg.Pool.Network, err)
		}
		if !prefix.IP().Is4() {
			return Range{}, fmt.Errorf("pool.network %q is not IPv4", cfg.Pool.Network)
		}
		prefix = prefix.Masked()
		if prefix.Bits() > 30 {
			return Range{}, fmt.Errorf("pool.network %s has no room for hosts", prefix)
		}
		hasPrefix = true
		start = prefix.Range().From().Next()
		end = prefix.Range().To().Prior()
	}

	if cfg.Pool.RangeStart != "" {
		if start, err = netaddr.ParseIP(cfg.Pool.RangeStart); err != nil || !start.Is4() {
			return Range{}, fmt.Errorf("pool.range_start: invalid IPv4 address %q", cfg.Pool.RangeStart)
		}
	}
	if cfg.Pool.RangeEnd != "" {
		if end, err = netaddr.ParseIP(cfg.Pool.RangeEnd); err != nil || !end.Is4() {
			return Range{}, fmt.Errorf("pool.range_end: invalid IPv4 address %q", cfg.Pool.RangeEnd)
		}
	}
	if start.IsZero() || end.IsZero() {
		return Range{}, fmt.Errorf("pool: network or both range_start and range_end are required")
	}
	if end.Less(start) {
		return Range{}, fmt.Errorf("pool: range_end %s is before range_start %s", end, start)
	}

	r := Range{Start: start.IPAddr().IP.To4(), End: end.IPAddr().IP.To4()}
	if hasPrefix {
		if !prefix.Contains(start) {
			return Range{}, fmt.Errorf("pool: range_start %s is not in network %s", start, prefix)
		}
		if !prefix.Contains(end) {
			return Range{}, fmt.Errorf("pool: range_end %s is not in network %s", end, prefix)
		}
		r.Mask = prefix.IPNet().Mask
	}
	return r, nil
}

// ServerIP returns the parsed server identifier IP.
func (cfg *Config) ServerIP() net.IP {
	if cfg.Server.ServerID == "" {
		return nil
	}
	return net.ParseIP(cfg.Server.ServerID).To4()
}

// Routers returns the parsed router addresses.
func (cfg *Config) Routers() []net.IP {
	return parseIPs(cfg.Pool.Routers)
}

// DNSServers returns the parsed DNS server addresses.
func (cfg *Config) DNSServers() []net.IP {
	return parseIPs(cfg.Pool.DNSServers)
}

// LeaseTime returns the pool lease duration.
func (cfg *Config) LeaseTime() time.Duration {
	return parseDuration(cfg.Pool.LeaseTime, DefaultLeaseTime)
}

// OfferTimeout returns how long an unconfirmed offer is held.
func (cfg *Config) OfferTimeout() time.Duration {
	return parseDuration(cfg.Pool.OfferTimeout, DefaultOfferTimeout)
}

// SweepInterval returns the lease expiry sweep period.
func (cfg *Config) SweepInterval() time.Duration {
	return parseDuration(cfg.Server.SweepInterval, DefaultSweepInterval)
}

// SnapshotInterval returns the lease snapshot period.
func (cfg *Config) SnapshotInterval() time.Duration {
	return parseDuration(cfg.Server.SnapshotInterval, DefaultSnapshotInterval)
}

// TransactionTTL returns how long an idle negotiation is remembered.
func (cfg *Config) TransactionTTL() time.Duration {
	return parseDuration(cfg.Server.TransactionTTL, DefaultTransactionTTL)
}

// DiscoverTimeoutDuration returns the client wait after the first Discover.
func (c ClientConfig) DiscoverTimeoutDuration() time.Duration {
	return parseDuration(c.DiscoverTimeout, DefaultDiscoverTimeout)
}

// RequestTimeoutDuration returns the client wait after the first Request.
func (c ClientConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(c.RequestTimeout, DefaultRequestTimeout)
}

// MaxTimeoutDuration returns the client backoff cap.
func (c ClientConfig) MaxTimeoutDuration() time.Duration {
	return parseDuration(c.MaxTimeout, DefaultMaxTimeout)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseIPs(in []string) []net.IP {
	var out []net.IP
	for _, s := range in {
		if ip := net.ParseIP(s).To4(); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}
