package xhttp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/armon/go-metrics"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet/xhttp/internal/http1"
	"github.com/jpillora/backoff"
)

const (
	connectBackoffMin = 50 * time.Millisecond
	connectBackoffMax = 2 * time.Second
)

// connect opens a ready to use connection for the route, making up to
// ConnectAttempts attempts. Each attempt has its own connect timeout.
// tunnelHeader is sent on the CONNECT request when the route is tunneled.
func (ep *Endpoint) connect(ctx context.Context, to callTimeouts, tunnelHeader http.Header) (*xnet.Connection, error) {
	attempts := ep.cfg.ConnectAttempts
	labels := routeLabels(ep.route.address)

	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    connectBackoffMin,
		Max:    connectBackoffMax,
	}

	var timeouts int
	var lastErr error

	for attempt := 1; ; attempt++ {
		metrics.IncrCounterWithLabels(metricConnectAttempt, 1, labels)

		conn, err := ep.connectOnce(ctx, to, tunnelHeader)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		metrics.IncrCounterWithLabels(metricConnectFailure, 1, labels)

		slog.LogAttrs(ctx, slog.LevelDebug,
			"connect attempt failed",
			slog.String("address", ep.route.address),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if errors.Is(err, errConnectAttemptTimeout) {
			timeouts++
		}
		lastErr = err

		if attempt >= attempts {
			break
		}

		t := time.NewTimer(b.Duration())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, context.Cause(ctx)
		}
	}

	if timeouts == attempts {
		return nil, &ConnectTimeoutError{
			Address:  ep.route.address,
			Attempts: attempts,
			Limit:    to.connect,
		}
	}

	return nil, &FailToConnectError{
		Address:  ep.route.address,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// connectOnce dials, tunnels through the proxy when the route is secure and
// proxied, then runs the TLS handshake when the route is secure.
func (ep *Endpoint) connectOnce(parent context.Context, to callTimeouts, tunnelHeader http.Header) (_ *xnet.Connection, retErr error) {
	ctx := parent
	if to.connect > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(parent, to.connect, errConnectAttemptTimeout)
		defer cancel()
	}

	defer func() {
		if retErr != nil && ctx.Err() != nil && parent.Err() == nil {
			retErr = fmt.Errorf("%w: %w", errConnectAttemptTimeout, retErr)
		}
	}()

	conn, err := ep.engine.factory.Connect(ctx, ep.route.address, xnet.SocketOptions{
		ReadTimeout:  to.socket,
		WriteTimeout: to.socket,
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		if retErr != nil {
			_ = conn.Close()
		}
	}()

	if !ep.route.secure {
		return conn, nil
	}

	if ep.route.tunneled() {
		if err := ep.tunnel(ctx, conn, tunnelHeader); err != nil {
			return nil, err
		}
	}

	if err := conn.Secure(ctx, ep.engine.newTLSEngine(ep.tlsConfig)); err != nil {
		return nil, err
	}

	return conn, nil
}

// tunnel asks the proxy for a CONNECT tunnel to the origin. On success the
// connection carries the origin's bytes. Headers the request carries win
// over the proxy URL credentials and the engine's user agent.
func (ep *Endpoint) tunnel(ctx context.Context, conn *xnet.Connection, reqHeader http.Header) error {
	h := http.Header{}
	if reqHeader != nil {
		h = reqHeader.Clone()
	}
	if h.Get("Proxy-Authorization") == "" {
		if v := proxyAuthorization(ep.route.proxy); v != "" {
			h.Set("Proxy-Authorization", v)
		}
	}
	if h.Get("User-Agent") == "" && ep.engine.userAgent != "" {
		h.Set("User-Agent", ep.engine.userAgent)
	}

	err := http1.WriteConnect(ctx, conn.Output, ep.route.target, h)
	if err == nil {
		err = http1.ReadConnectResponse(ctx, conn.Input)
	}
	if err != nil {
		return &TunnelError{
			Proxy:  ep.route.address,
			Target: ep.route.target,
			Err:    err,
		}
	}

	return nil
}

// proxyAuthorization returns basic credentials from the proxy URL.
func proxyAuthorization(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}

	password, _ := u.User.Password()
	creds := u.User.Username() + ":" + password

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
