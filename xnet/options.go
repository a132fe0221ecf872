package xnet

import (
	"time"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
)

//
// DNS Cache Options
//

type dnsCacheConfig struct {
	resolver                DNSResolver
	ipNetwork               IPNetwork
	staleTimeout            time.Duration
	errStaleTimeout         time.Duration
	recordVisibilityTimeout time.Duration
	lookupTimeout           time.Duration
}

type DNSCacheOption func(*dnsCacheConfig)

type dnsCacheOptions struct{}

func DNSCacheOpts() dnsCacheOptions {
	return dnsCacheOptions{}
}

// Resolver replaces net.DefaultResolver.
func (dnsCacheOptions) Resolver(r DNSResolver) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.resolver = r
	}
}

func (dnsCacheOptions) IPNetwork(n IPNetwork) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.ipNetwork = n
	}
}

// StaleTimeout is how long a successful lookup is served before refreshing.
func (dnsCacheOptions) StaleTimeout(d time.Duration) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.staleTimeout = d
	}
}

// ErrStaleTimeout is how long a failed lookup is remembered before retrying.
func (dnsCacheOptions) ErrStaleTimeout(d time.Duration) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.errStaleTimeout = d
	}
}

// RecordVisibilityTimeout keeps addresses that vanished from the latest
// answer in rotation for d after they were last seen.
func (dnsCacheOptions) RecordVisibilityTimeout(d time.Duration) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.recordVisibilityTimeout = d
	}
}

// LookupTimeout bounds a shared refresh, which does not follow the
// cancellation of any single caller.
func (dnsCacheOptions) LookupTimeout(d time.Duration) DNSCacheOption {
	return func(cfg *dnsCacheConfig) {
		cfg.lookupTimeout = d
	}
}

//
// Connection Factory Options
//

type factoryConfig struct {
	dialer      Dialer
	dnsCache    *DNSCache
	keepAlive   time.Duration
	channelOpts []xio.ByteChannelOption
}

type ConnectionFactoryOption func(*factoryConfig)

type connectionFactoryOptions struct{}

func ConnectionFactoryOpts() connectionFactoryOptions {
	return connectionFactoryOptions{}
}

// Dialer replaces the default DNS caching dialer.
func (connectionFactoryOptions) Dialer(d Dialer) ConnectionFactoryOption {
	return func(cfg *factoryConfig) {
		cfg.dialer = d
	}
}

// DNSCache sets the cache used by the default dialer.
func (connectionFactoryOptions) DNSCache(c *DNSCache) ConnectionFactoryOption {
	return func(cfg *factoryConfig) {
		cfg.dnsCache = c
	}
}

// KeepAlive sets the TCP keep-alive period of the default dialer. A
// negative value disables keep-alive probes.
func (connectionFactoryOptions) KeepAlive(d time.Duration) ConnectionFactoryOption {
	return func(cfg *factoryConfig) {
		cfg.keepAlive = d
	}
}

// ChannelOptions are applied to the input and output channel of every
// connection.
func (connectionFactoryOptions) ChannelOptions(opts ...xio.ByteChannelOption) ConnectionFactoryOption {
	return func(cfg *factoryConfig) {
		cfg.channelOpts = opts
	}
}

// SocketOptions tune a single connection.
type SocketOptions struct {
	// ReadTimeout bounds each socket read. Zero means no timeout.
	ReadTimeout time.Duration
	// WriteTimeout bounds each socket write. Zero means no timeout.
	WriteTimeout time.Duration
}
