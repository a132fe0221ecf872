package xnet

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xsync"
	"golang.org/x/sync/semaphore"
)

type addressPermits struct {
	sem  *semaphore.Weighted
	open atomic.Int64

	// refs counts callers waiting on or holding sem. Guarded by
	// ConnectionFactory.mu.
	refs int
}

// ConnectionFactory opens TCP connections while keeping the number of open
// connections within a global limit and a per address limit.
//
// Every successful Connect holds one permit of each kind until the returned
// Connection is closed.
type ConnectionFactory struct {
	global          *semaphore.Weighted
	perAddressLimit int64
	open            atomic.Int64

	// mu serializes adding and removing addresses. An address is dropped
	// once nobody waits on or holds its permits.
	mu        sync.Mutex
	addresses xsync.Map[string, *addressPermits]

	dialer      Dialer
	channelOpts []xio.ByteChannelOption
}

func NewConnectionFactory(connectionsLimit, perAddressLimit int, options ...ConnectionFactoryOption) (*ConnectionFactory, error) {
	if connectionsLimit <= 0 || perAddressLimit <= 0 {
		return nil, errInvalidLimit
	}

	var cfg factoryConfig
	for _, op := range options {
		op(&cfg)
	}

	dialer := cfg.dialer
	if dialer == nil {
		dnsCache := cfg.dnsCache
		if dnsCache == nil {
			dnsCache = NewDNSCache()
		}

		dialer = &cachingDialer{
			dnsCache: dnsCache,
			dialer:   net.Dialer{KeepAlive: cfg.keepAlive},
		}
	}

	return &ConnectionFactory{
		global:          semaphore.NewWeighted(int64(connectionsLimit)),
		perAddressLimit: int64(perAddressLimit),
		addresses:       xsync.NewMap[string, *addressPermits](),
		dialer:          dialer,
		channelOpts:     cfg.channelOpts,
	}, nil
}

// retain returns the permits of address, creating them on first use. Every
// retain is paired with one forget.
func (f *ConnectionFactory) retain(address string) *addressPermits {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.addresses.Load(address)
	if !ok {
		p = &addressPermits{sem: semaphore.NewWeighted(f.perAddressLimit)}
		f.addresses.Store(address, p)
	}
	p.refs++

	return p
}

func (f *ConnectionFactory) forget(address string, p *addressPermits) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p.refs--
	if p.refs == 0 {
		f.addresses.CompareAndDelete(address, p)
	}
}

// acquire takes the global permit first and the address permit second.
func (f *ConnectionFactory) acquire(ctx context.Context, p *addressPermits) error {
	if err := f.global.Acquire(ctx, 1); err != nil {
		return context.Cause(ctx)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		f.global.Release(1)
		return context.Cause(ctx)
	}

	p.open.Add(1)
	f.open.Add(1)

	return nil
}

// release gives permits back in the reverse order of acquire.
func (f *ConnectionFactory) release(p *addressPermits) {
	f.open.Add(-1)
	p.open.Add(-1)

	p.sem.Release(1)
	f.global.Release(1)
}

// Connect waits for permits and dials address. The permits are returned if
// the dial fails or when the Connection is closed.
func (f *ConnectionFactory) Connect(ctx context.Context, address string, so SocketOptions) (*Connection, error) {
	p := f.retain(address)

	if err := f.acquire(ctx, p); err != nil {
		f.forget(address, p)
		return nil, err
	}

	sock, err := f.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		f.release(p)
		f.forget(address, p)

		slog.LogAttrs(ctx, slog.LevelDebug,
			"connect failed",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	slog.LogAttrs(ctx, slog.LevelDebug,
		"connected",
		slog.String("address", address),
		slog.String("local_addr", sock.LocalAddr().String()),
	)

	return newConnection(address, sock, so, func() { f.Release(address) }, f.channelOpts...), nil
}

// Release returns the permits of one connection to address. Connection.Close
// calls it exactly once, so owners of a Connection never call it directly.
func (f *ConnectionFactory) Release(address string) {
	p, ok := f.addresses.Load(address)
	if !ok {
		panic("xnet: release of an address that never connected: " + address)
	}

	f.release(p)
	f.forget(address, p)
}

// OpenConnections is the number of connections holding permits.
func (f *ConnectionFactory) OpenConnections() int64 {
	return f.open.Load()
}

// OpenConnectionsTo is the number of connections to address holding permits.
func (f *ConnectionFactory) OpenConnectionsTo(address string) int64 {
	p, ok := f.addresses.Load(address)
	if !ok {
		return 0
	}

	return p.open.Load()
}
