package config

import "time"

// Default configuration values.
const (
	DefaultInterface          = "eth0"
	DefaultBindAddress        = "0.0.0.0:67"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultLeaseDB            = "/var/lib/dorad/leases.db"
	DefaultReplyMode          = "broadcast"
	DefaultServerPort         = 67
	DefaultClientPort         = 68
	DefaultSweepInterval      = 10 * time.Second
	DefaultSnapshotInterval   = 30 * time.Second
	DefaultTransactionTTL     = 1 * time.Minute
	DefaultEventBufferSize    = 10000
	DefaultRateLimitDiscovers = 100
	DefaultRateLimitPerMAC    = 5
	DefaultLeaseTime          = 1 * time.Hour
	DefaultOfferTimeout       = 30 * time.Second
	DefaultClientAttempts     = 5
	DefaultDiscoverTimeout    = 2 * time.Second
	DefaultRequestTimeout     = 2 * time.Second
	DefaultRequestRetries     = 3
	DefaultMaxTimeout         = 16 * time.Second
	DefaultAPIListen          = "127.0.0.1:8067"
	DefaultUserRole           = "viewer"
)
