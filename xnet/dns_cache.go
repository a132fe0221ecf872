package xnet

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xsync"
	"golang.org/x/sync/singleflight"
)

type DNSResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type IPNetwork uint8

const (
	IPNetworkUnified IPNetwork = iota + 1
	IPNetworkV4
	IPNetworkV6
)

func (i IPNetwork) String() string {
	if i < IPNetworkUnified || i > IPNetworkV6 {
		return ""
	}

	return []string{
		"ip",
		"ip4",
		"ip6",
	}[i-1]
}

const (
	defaultDNSStaleTimeout    = 30 * time.Second
	defaultDNSErrStaleTimeout = 5 * time.Second
	defaultDNSLookupTimeout   = 10 * time.Second
)

type DNSResponseRecord struct {
	LastSeen time.Time
	IP       string
}

// dnsHost holds the latest answer for one host. records is replaced on
// every refresh and never modified in place, so readers may keep it.
type dnsHost struct {
	rwm                           sync.RWMutex
	records                       []DNSResponseRecord
	lastRefreshedAt               time.Time
	lastRefreshSucceededAt        time.Time
	lastRefreshError              error
	numConsecutiveRefreshFailures int

	next atomic.Uint32
}

// DNSCache resolves host names, remembering answers and failures for a
// while. Concurrent refreshes of the same host share one lookup.
type DNSCache struct {
	resolver                DNSResolver
	ipNetwork               IPNetwork
	staleTimeout            time.Duration
	errStaleTimeout         time.Duration
	recordVisibilityTimeout time.Duration
	lookupTimeout           time.Duration

	hosts xsync.Map[string, *dnsHost]
	group singleflight.Group
	now   func() time.Time
}

func NewDNSCache(options ...DNSCacheOption) *DNSCache {
	cfg := dnsCacheConfig{
		resolver:        net.DefaultResolver,
		ipNetwork:       IPNetworkUnified,
		staleTimeout:    defaultDNSStaleTimeout,
		errStaleTimeout: defaultDNSErrStaleTimeout,
		lookupTimeout:   defaultDNSLookupTimeout,
	}

	for _, op := range options {
		op(&cfg)
	}

	return &DNSCache{
		resolver:                cfg.resolver,
		ipNetwork:               cfg.ipNetwork,
		staleTimeout:            cfg.staleTimeout,
		errStaleTimeout:         cfg.errStaleTimeout,
		recordVisibilityTimeout: cfg.recordVisibilityTimeout,
		lookupTimeout:           cfg.lookupTimeout,
		hosts:                   xsync.NewMap[string, *dnsHost](),
		now:                     time.Now,
	}
}

func (c *DNSCache) needsRefresh(h *dnsHost, now time.Time) bool {
	if h.lastRefreshedAt.IsZero() {
		return true
	}

	var staleTimeout time.Duration
	if h.lastRefreshSucceededAt.IsZero() || h.lastRefreshSucceededAt.Before(h.lastRefreshedAt) {
		staleTimeout = c.errStaleTimeout
	} else {
		staleTimeout = c.staleTimeout
	}

	return now.Sub(h.lastRefreshedAt) >= staleTimeout
}

// snapshot returns the current records and the error a caller should see
// when there are none.
func (h *dnsHost) snapshot() ([]DNSResponseRecord, error) {
	if len(h.records) == 0 {
		if h.lastRefreshError == nil {
			return nil, ErrHostNotFound
		}
		return nil, h.lastRefreshError
	}

	return h.records, nil
}

// Read returns the cached records for host, refreshing them first when they
// are stale. refreshed reports whether this call waited on a lookup.
func (c *DNSCache) Read(ctx context.Context, host string) (_ []DNSResponseRecord, refreshed bool, _ error) {
	h, _ := c.hosts.LoadOrStore(host, &dnsHost{})

	h.rwm.RLock()
	stale := c.needsRefresh(h, c.now())
	if !stale {
		records, err := h.snapshot()
		h.rwm.RUnlock()
		return records, false, err
	}
	h.rwm.RUnlock()

	ch := c.group.DoChan(host, func() (any, error) {
		c.refresh(ctx, host, h)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, context.Cause(ctx)
	case <-ch:
	}

	h.rwm.RLock()
	defer h.rwm.RUnlock()

	records, err := h.snapshot()
	return records, true, err
}

// LookupHost returns the addresses of host, rotated by one position on
// every call so that successive dials spread over all of them.
func (c *DNSCache) LookupHost(ctx context.Context, host string) ([]string, error) {
	records, _, err := c.Read(ctx, host)
	if err != nil {
		return nil, err
	}

	h, _ := c.hosts.Load(host)
	start := int(h.next.Add(1)-1) % len(records)

	ips := make([]string, 0, len(records))
	for i := range records {
		ips = append(ips, records[(start+i)%len(records)].IP)
	}

	return ips, nil
}

func (c *DNSCache) refresh(ctx context.Context, host string, h *dnsHost) {
	// the lookup is shared; one caller giving up must not fail the others
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
	defer cancel()

	h.rwm.RLock()
	stale := c.needsRefresh(h, c.now())
	h.rwm.RUnlock()
	if !stale {
		return
	}

	rawIPs, err := c.resolver.LookupIP(ctx, c.ipNetwork.String(), host)
	now := c.now()

	h.rwm.Lock()
	defer h.rwm.Unlock()

	h.lastRefreshedAt = now
	if err != nil {
		h.numConsecutiveRefreshFailures++
		h.lastRefreshError = err

		slog.LogAttrs(ctx, slog.LevelDebug,
			"dns refresh failed",
			slog.String("host", host),
			slog.Int("consecutive_failures", h.numConsecutiveRefreshFailures),
			slog.String("error", err.Error()),
		)
		return
	}

	seenIPs := make(map[string]struct{}, len(rawIPs))
	for _, rawIP := range rawIPs {
		seenIPs[rawIP.String()] = struct{}{}
	}

	records := make([]DNSResponseRecord, 0, len(seenIPs)+len(h.records))
	for _, v := range h.records {
		if _, ok := seenIPs[v.IP]; ok {
			delete(seenIPs, v.IP)
			records = append(records, DNSResponseRecord{now, v.IP})
			continue
		}

		if now.Sub(v.LastSeen) < c.recordVisibilityTimeout {
			records = append(records, v)
		}
	}

	newIPs := make([]string, 0, len(seenIPs))
	for ip := range seenIPs {
		newIPs = append(newIPs, ip)
	}
	slices.Sort(newIPs)

	for _, ip := range newIPs {
		records = append(records, DNSResponseRecord{now, ip})
	}

	h.numConsecutiveRefreshFailures = 0
	h.lastRefreshError = nil
	h.lastRefreshSucceededAt = now
	h.records = records
}
