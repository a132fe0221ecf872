package xhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet/xhttp/internal/http1"
)

// maxRedeliveries bounds how often a pipelined request whose connection was
// lost is handed to another connection.
const maxRedeliveries = 2

// endpointKey identifies the connections a request may share. Plain
// requests through a forward proxy share the proxy's connections whatever
// their origin.
type endpointKey struct {
	scheme string
	target string
	proxy  string
}

type route struct {
	key endpointKey

	// address is dialed: the proxy when there is one, otherwise target.
	address string
	target  string
	host    string
	secure  bool
	proxy   *url.URL
}

// overProxy reports whether requests are written in absolute form to a
// forward proxy rather than through a tunnel.
func (r route) overProxy() bool {
	return r.proxy != nil && !r.secure
}

// tunneled reports whether connections reach the origin through a CONNECT
// tunnel.
func (r route) tunneled() bool {
	return r.proxy != nil && r.secure
}

func newRoute(u *url.URL, proxy *url.URL) route {
	scheme := strings.ToLower(u.Scheme)

	port := u.Port()
	if port == "" {
		port = http1.DefaultPort(scheme)
	}

	r := route{
		host:   u.Hostname(),
		secure: scheme == schemeHTTPS,
	}
	r.target = net.JoinHostPort(r.host, port)
	r.address = r.target
	r.key = endpointKey{scheme: scheme, target: r.target}

	if proxy != nil {
		r.proxy = proxy
		r.address = canonicalProxyAddress(proxy)
		r.key.proxy = r.address
		if !r.secure {
			r.key.target = ""
		}
	}

	return r
}

func canonicalProxyAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = http1.DefaultPort(u.Scheme)
	}

	return net.JoinHostPort(u.Hostname(), port)
}

// Endpoint owns the connections to one route.
//
// Pipelined requests are offered on an unbuffered delivery channel that
// every open pipeline reads from. When no pipeline takes a request and the
// route is below its connection limit, the caller opens a new pipeline;
// otherwise it waits for one to free up. Dedicated requests take a
// connection of their own that is closed when the response is released.
type Endpoint struct {
	engine *Engine
	route  route
	cfg    EndpointConfig

	tlsConfig *tls.Config
	onEvict   func(*Endpoint)

	delivery chan *requestTask
	closing  chan struct{}

	mu          sync.Mutex
	closed      bool
	connections int
	freed       chan struct{}
	lastActive  time.Time
	idleTimer   *time.Timer
	idleTimeout time.Duration

	// wg counts connection slots in use
	wg sync.WaitGroup
}

func newEndpoint(e *Engine, r route, onEvict func(*Endpoint)) *Endpoint {
	ep := &Endpoint{
		engine:     e,
		route:      r,
		cfg:        e.cfg.Endpoint,
		onEvict:    onEvict,
		delivery:   make(chan *requestTask),
		closing:    make(chan struct{}),
		freed:      make(chan struct{}),
		lastActive: time.Now(),
	}

	if r.secure {
		if e.tlsConfig != nil {
			ep.tlsConfig = e.tlsConfig.Clone()
		} else {
			ep.tlsConfig = &tls.Config{}
		}
		if ep.tlsConfig.ServerName == "" {
			ep.tlsConfig.ServerName = r.host
		}
	}

	// an endpoint is never evicted when connecting may take forever
	if ep.cfg.ConnectTimeout > 0 {
		ep.idleTimeout = 2 * ep.cfg.ConnectTimeout
		ep.idleTimer = time.AfterFunc(ep.idleTimeout, ep.checkIdle)
	}

	return ep
}

func (ep *Endpoint) touch() {
	ep.mu.Lock()
	ep.lastActive = time.Now()
	ep.mu.Unlock()
}

func (ep *Endpoint) checkIdle() {
	ep.mu.Lock()

	if ep.closed || ep.connections > 0 {
		ep.mu.Unlock()
		return
	}

	if idle := time.Since(ep.lastActive); idle < ep.idleTimeout {
		ep.idleTimer.Reset(ep.idleTimeout - idle)
		ep.mu.Unlock()
		return
	}

	ep.closeLocked()
	ep.mu.Unlock()

	slog.LogAttrs(context.Background(), slog.LevelDebug,
		"endpoint evicted",
		slog.String("address", ep.route.address),
		slog.Duration("idle_timeout", ep.idleTimeout),
	)
	metrics.IncrCounterWithLabels(metricEndpointEvicted, 1, routeLabels(ep.route.address))

	if ep.onEvict != nil {
		ep.onEvict(ep)
	}
}

func (ep *Endpoint) closeLocked() {
	if ep.closed {
		return
	}

	ep.closed = true
	close(ep.closing)

	if ep.idleTimer != nil {
		ep.idleTimer.Stop()
	}
}

// close stops the endpoint from accepting requests. Pipelines finish the
// responses they owe and shut down.
func (ep *Endpoint) close() {
	ep.mu.Lock()
	ep.closeLocked()
	ep.mu.Unlock()
}

// tryReserve takes a connection slot. When the route is at its limit it
// returns a channel that is closed the next time a slot is released.
func (ep *Endpoint) tryReserve() (bool, <-chan struct{}, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return false, nil, errEndpointClosed
	}

	if ep.connections >= ep.cfg.MaxConnectionsPerRoute {
		return false, ep.freed, nil
	}

	ep.connections++
	ep.wg.Add(1)

	if ep.idleTimer != nil {
		ep.idleTimer.Stop()
	}

	return true, nil, nil
}

func (ep *Endpoint) releaseSlot() {
	ep.mu.Lock()

	ep.connections--

	close(ep.freed)
	ep.freed = make(chan struct{})

	if ep.connections == 0 && ep.idleTimer != nil && !ep.closed {
		ep.lastActive = time.Now()
		ep.idleTimer.Reset(ep.idleTimeout)
	}

	ep.mu.Unlock()

	ep.wg.Done()
}

func (ep *Endpoint) acquireSlot(ctx context.Context) error {
	for {
		ok, freed, err := ep.tryReserve()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-freed:
		case <-ep.closing:
			return errEndpointClosed
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (ep *Endpoint) execute(t *requestTask) (*http.Response, error) {
	ep.touch()

	if t.dedicated {
		return ep.executeDedicated(t)
	}

	if err := ep.enqueue(t); err != nil {
		return nil, err
	}

	return t.wait()
}

// enqueue hands t to a pipeline, opening one when the route has room.
func (ep *Endpoint) enqueue(t *requestTask) error {
	for {
		select {
		case ep.delivery <- t:
			return nil
		default:
		}

		ok, freed, err := ep.tryReserve()
		if err != nil {
			return err
		}

		if ok {
			if err := ep.openPipeline(t); err != nil {
				return err
			}
		}

		select {
		case ep.delivery <- t:
			return nil
		case <-freed:
		case <-ep.closing:
			return errEndpointClosed
		case <-t.ctx.Done():
			return context.Cause(t.ctx)
		}
	}
}

// openPipeline connects on behalf of t and starts a pipeline on the
// connection. The caller holds a reserved slot.
func (ep *Endpoint) openPipeline(t *requestTask) error {
	conn, err := ep.connect(t.ctx, t.timeouts, t.tunnel)
	if err != nil {
		ep.releaseSlot()
		return err
	}

	ep.engine.reportOpenConnections()

	newPipeline(ep, conn).start()

	return nil
}

// redeliver gives a request that was written to a lost pipelined connection
// another chance. Only requests without side effects are pipelined, so
// sending them again is safe.
func (ep *Endpoint) redeliver(t *requestTask, cause error) {
	if t.ctx.Err() != nil {
		t.complete(nil, context.Cause(t.ctx))
		return
	}

	if cause == nil {
		cause = xnet.ErrConnectionClosed
	}

	t.redeliveries++
	if t.redeliveries > maxRedeliveries {
		t.complete(nil, fmt.Errorf("%w: %w", ErrPipelineBroken, cause))
		return
	}

	metrics.IncrCounterWithLabels(metricRedelivered, 1, routeLabels(ep.route.address))

	go func() {
		if err := ep.enqueue(t); err != nil {
			t.complete(nil, err)
		}
	}()
}

func (ep *Endpoint) executeDedicated(t *requestTask) (*http.Response, error) {
	metrics.IncrCounterWithLabels(metricDedicated, 1, routeLabels(ep.route.address))

	if err := ep.acquireSlot(t.ctx); err != nil {
		return nil, err
	}

	conn, err := ep.connect(t.ctx, t.timeouts, t.tunnel)
	if err != nil {
		ep.releaseSlot()
		return nil, err
	}

	ep.engine.reportOpenConnections()

	closeConn := sync.OnceFunc(func() {
		_ = conn.Close()
		ep.releaseSlot()
		ep.engine.reportOpenConnections()
	})

	// the task ends when the caller releases the response, times out or
	// gives up
	context.AfterFunc(t.ctx, closeConn)

	resp, err := ep.exchange(t, conn)
	if err != nil {
		closeConn()
		return nil, err
	}

	return resp, nil
}

// exchange sends t on a connection nobody else uses and reads the response
// head. The request is written concurrently so a server may answer before
// it has read the whole body.
func (ep *Endpoint) exchange(t *requestTask, conn *xnet.Connection) (*http.Response, error) {
	upgrade := isUpgrade(t.req)

	written := make(chan error, 1)
	go func() {
		err := http1.WriteRequest(t.ctx, conn.Output, t.req, ep.route.overProxy())
		if err == nil && ep.cfg.AllowHalfClose && !upgrade {
			conn.Output.Close(nil)
		}
		written <- err
	}()

	br := bufio.NewReader(xio.NewChannelReader(t.ctx, conn.Input))

	resp, err := http1.ReadResponse(br, t.req)
	if err != nil {
		// a failed write explains a broken read better
		select {
		case werr := <-written:
			if werr != nil {
				return nil, werr
			}
		default:
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if err := <-written; err != nil {
			return nil, err
		}

		t.detach()
		resp.Body = &upgradedBody{
			r:      br,
			w:      xio.NewChannelWriter(t.ctx, conn.Output),
			finish: t.finish,
		}

		return resp, nil
	}

	if !attachBody(resp, t) {
		t.finish(errResponseComplete)
	}

	return resp, nil
}

func isUpgrade(req *http.Request) bool {
	_, ok := req.Header["Upgrade"]
	return ok
}
