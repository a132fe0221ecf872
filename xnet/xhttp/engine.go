package xhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet/xhttp/internal/http1"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xsync"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xtls"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

var errNilURL = errors.New("http: nil Request.URL")

// Engine is an HTTP/1.1 client that keeps connections per route, pipelines
// idempotent requests when enabled and tunnels secure requests through
// forward proxies.
//
// Engine implements http.RoundTripper. Callers must close every response
// Body: a pipelined connection serves the next response only after that.
type Engine struct {
	cfg          EngineConfig
	factory      *xnet.ConnectionFactory
	tlsConfig    *tls.Config
	newTLSEngine func(*tls.Config) xtls.Engine
	proxy        func(*url.URL) (*url.URL, error)
	userAgent    string

	endpoints xsync.LockableMap[endpointKey, *Endpoint]

	ctx        context.Context
	cancel     context.CancelCauseFunc
	stopParent func() bool
	closed     atomic.Bool
}

// NewEngine returns an Engine that closes itself when ctx is done.
func NewEngine(ctx context.Context, options ...EngineOption) (*Engine, error) {
	cfg := engineConfig{
		EngineConfig: DefaultEngineConfig(),
		newTLSEngine: xtls.NewClientEngine,
	}

	for _, op := range options {
		op(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proxy, err := cfg.proxyFunc()
	if err != nil {
		return nil, err
	}

	var factoryOpts []xnet.ConnectionFactoryOption
	if cfg.dialer != nil {
		factoryOpts = append(factoryOpts, xnet.ConnectionFactoryOpts().Dialer(cfg.dialer))
	}
	if cfg.dnsCache != nil {
		factoryOpts = append(factoryOpts, xnet.ConnectionFactoryOpts().DNSCache(cfg.dnsCache))
	}

	factory, err := xnet.NewConnectionFactory(cfg.MaxConnectionsCount, cfg.Endpoint.MaxConnectionsPerRoute, factoryOpts...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg.EngineConfig,
		factory:      factory,
		tlsConfig:    cfg.tlsConfig,
		newTLSEngine: cfg.newTLSEngine,
		proxy:        proxy,
		userAgent:    cfg.userAgent,
		endpoints:    xsync.NewLockableMap[endpointKey, *Endpoint](),
	}

	e.ctx, e.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	e.stopParent = context.AfterFunc(ctx, func() {
		_ = e.Close()
	})

	return e, nil
}

// RoundTrip executes req with its own context.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Execute(req.Context(), req)
}

// Execute sends req and returns the response once its head has arrived.
// The request timeout covers the response body too; ctx may carry
// Timeouts that override the engine's for this request.
func (e *Engine) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.execute(ctx, req)
	if err != nil && req.Body != nil {
		_ = req.Body.Close()
	}

	return resp, err
}

func (e *Engine) execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	if req.URL == nil {
		return nil, errNilURL
	}

	switch strings.ToLower(req.URL.Scheme) {
	case schemeHTTP, schemeHTTPS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}

	if isUpgrade(req) && http1.OutgoingLength(req) != 0 {
		return nil, ErrUnsupportedUpgrade
	}

	proxyURL, err := e.proxy(req.URL)
	if err != nil {
		return nil, err
	}
	if proxyURL != nil && (proxyURL.Scheme != schemeHTTP || proxyURL.Host == "") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, proxyURL.Redacted())
	}

	r := newRoute(req.URL, proxyURL)

	var tunnelHeader http.Header
	if r.tunneled() {
		tunnelHeader = http1.TunnelHeader(req.Header)
	}

	req = e.prepare(req, r)

	override, hasOverride := timeoutsFrom(ctx)
	to := callTimeouts{
		request: effective(override.Request, e.cfg.RequestTimeout),
		connect: effective(override.Connect, e.cfg.Endpoint.ConnectTimeout),
		socket:  effective(override.Socket, e.cfg.Endpoint.SocketTimeout),
	}

	t := e.newTask(ctx, req, to)
	t.tunnel = tunnelHeader
	t.dedicated = e.requiresDedicated(req, hasOverride)

	start := time.Now()
	resp, err := e.dispatch(r, t)
	if err != nil {
		t.finish(err)
	}

	measureRequest(start, r.address, err)

	return resp, err
}

func (e *Engine) newTask(ctx context.Context, req *http.Request, to callTimeouts) *requestTask {
	callCtx, cancel := context.WithCancelCause(ctx)
	stopEngine := context.AfterFunc(e.ctx, func() {
		cancel(ErrEngineClosed)
	})

	var timer *time.Timer
	if to.request > 0 {
		cause := &RequestTimeoutError{URL: req.URL.Redacted(), Limit: to.request}
		timer = time.AfterFunc(to.request, func() {
			cancel(cause)
		})
	}

	detach := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	return &requestTask{
		req:      req,
		ctx:      callCtx,
		timeouts: to,
		detach:   detach,
		finish: func(cause error) {
			detach()
			stopEngine()
			cancel(cause)
		},
		result: make(chan taskResult, 1),
	}
}

// prepare adds engine level headers without touching the caller's request.
func (e *Engine) prepare(req *http.Request, r route) *http.Request {
	needUA := e.userAgent != "" && req.Header.Get("User-Agent") == ""

	auth := ""
	if r.overProxy() && req.Header.Get("Proxy-Authorization") == "" {
		auth = proxyAuthorization(r.proxy)
	}

	// proxy credentials travel on the CONNECT request, never to the origin
	strip := r.tunneled() && (req.Header.Get("Proxy-Authorization") != "" || req.Header.Get("Proxy-Authenticate") != "")

	if !needUA && auth == "" && !strip {
		return req
	}

	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if needUA {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}
	if strip {
		req.Header.Del("Proxy-Authorization")
		req.Header.Del("Proxy-Authenticate")
	}

	return req
}

// requiresDedicated reports whether req must not share its connection.
func (e *Engine) requiresDedicated(req *http.Request, hasOverride bool) bool {
	switch {
	case !e.cfg.Pipelining, hasOverride, req.Close, isUpgrade(req):
		return true
	case req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead:
		return true
	case http1.OutgoingLength(req) != 0:
		return true
	}

	return !http1.RequestAllowsReuse(req)
}

func (e *Engine) dispatch(r route, t *requestTask) (*http.Response, error) {
	for {
		ep, err := e.endpoint(r)
		if err != nil {
			return nil, err
		}

		resp, err := ep.execute(t)
		if !errors.Is(err, errEndpointClosed) {
			return resp, err
		}

		// evicted or closed under us
		e.endpoints.CompareAndDelete(r.key, ep)

		if t.ctx.Err() != nil {
			return nil, context.Cause(t.ctx)
		}
	}
}

func (e *Engine) endpoint(r route) (*Endpoint, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	if ep, ok := e.endpoints.Load(r.key); ok {
		return ep, nil
	}

	candidate := newEndpoint(e, r, e.evict)

	ep, loaded := e.endpoints.LoadOrStore(r.key, candidate)
	if loaded {
		candidate.close()
		return ep, nil
	}

	if e.closed.Load() {
		ep.close()
		return nil, ErrEngineClosed
	}

	slog.LogAttrs(e.ctx, slog.LevelDebug,
		"endpoint created",
		slog.String("address", r.address),
		slog.String("target", r.target),
		slog.Bool("secure", r.secure),
	)
	metrics.IncrCounterWithLabels(metricEndpointCreated, 1, routeLabels(r.address))

	return ep, nil
}

func (e *Engine) evict(ep *Endpoint) {
	e.endpoints.CompareAndDelete(ep.route.key, ep)
}

// OpenConnections is the number of connections currently open.
func (e *Engine) OpenConnections() int64 {
	return e.factory.OpenConnections()
}

// Close fails pending and in-flight requests with ErrEngineClosed, then
// waits for every connection to close. Calls after the first return
// ErrEngineClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}

	e.stopParent()

	var eps []*Endpoint
	e.endpoints.WithWriteLock(func(m xsync.Map[endpointKey, *Endpoint]) {
		m.Range(func(k endpointKey, ep *Endpoint) bool {
			ep.close()
			eps = append(eps, ep)
			m.Delete(k)
			return true
		})
	})

	e.cancel(ErrEngineClosed)

	for _, ep := range eps {
		ep.wg.Wait()
	}

	slog.LogAttrs(context.Background(), slog.LevelDebug,
		"engine closed",
		slog.Int("endpoints", len(eps)),
	)
	e.reportOpenConnections()

	return nil
}
