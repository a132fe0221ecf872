package xnet

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// cachingDialer resolves names through a DNSCache and tries the resolved
// addresses in the order the cache hands them out.
type cachingDialer struct {
	dnsCache *DNSCache
	dialer   net.Dialer
}

func (d *cachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, &DialError{Address: address, Err: err}
	}

	if _, err := netip.ParseAddr(host); err == nil {
		conn, err := d.dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, &DialError{Address: address, Attempts: 1, Err: err}
		}
		return conn, nil
	}

	ips, err := d.dnsCache.LookupHost(ctx, host)
	if err != nil {
		return nil, &DialError{Address: address, Err: err}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &DialError{Address: address, Attempts: len(errs), Err: errors.Join(errs...)}
}
