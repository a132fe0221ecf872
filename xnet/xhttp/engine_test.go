package xhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// rawServer runs handle for every accepted connection and closes the
// connection when handle returns.
type rawServer struct {
	ln       net.Listener
	accepted atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newRawServer(t *testing.T, handle func(net.Conn)) *rawServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &rawServer{ln: ln}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)

			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	return s
}

func (s *rawServer) URL() string {
	return "http://" + s.ln.Addr().String()
}

func (s *rawServer) Close() {
	_ = s.ln.Close()

	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func respond(w io.Writer, status int, body string) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", status, http.StatusText(status), len(body), body)
}

func noProxy(*url.URL) (*url.URL, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, options ...EngineOption) *Engine {
	t.Helper()

	options = append([]EngineOption{EngineOpts().Proxy(noProxy)}, options...)

	e, err := NewEngine(context.Background(), options...)
	require.NoError(t, err)

	return e
}

func newRequest(t *testing.T, method, u string, body io.Reader) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, u, body)
	require.NoError(t, err)

	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

func endpointCount(e *Engine) int {
	var n int
	e.endpoints.Range(func(endpointKey, *Endpoint) bool {
		n++
		return true
	})
	return n
}

func requireConnectionsReleased(t *testing.T, e *Engine) {
	t.Helper()

	require.Eventually(t, func() bool {
		return e.OpenConnections() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// blockingDialer never connects.
type blockingDialer struct {
	calls atomic.Int32
}

func (d *blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingDialer struct {
	err error
}

func (d failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

func TestDedicatedRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, b)
	}))
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().UserAgent("cioget-test"))
	defer e.Close()

	resp, err := e.Execute(context.Background(), newRequest(t, http.MethodPost, srv.URL+"/submit", strings.NewReader("payload")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "POST /submit payload", readBody(t, resp))

	requireConnectionsReleased(t, e)
}

func TestRoundTripperWithHTTPClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "done")
	}))
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().UserAgent("cioget-test"))
	defer e.Close()

	client := &http.Client{Transport: e}

	resp, err := client.Get(srv.URL + "/start")
	require.NoError(t, err)
	require.Equal(t, "done", readBody(t, resp))
	require.Equal(t, "cioget-test", gotUA.Load())
}

func TestPipeliningPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	arrival := make(chan []string, 1)
	srv := newRawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)

		// all three must arrive before the first response is sent
		var paths []string
		for range 3 {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			paths = append(paths, req.URL.Path)
		}
		arrival <- paths

		for i, p := range paths {
			if i == 0 {
				time.Sleep(50 * time.Millisecond)
			}
			respond(conn, http.StatusOK, p)
		}

		_, _ = io.Copy(io.Discard, br)
	})
	defer srv.Close()

	e := newTestEngine(t,
		EngineOpts().Pipelining(true),
		EngineOpts().MaxConnectionsPerRoute(1),
		EngineOpts().PipelineMaxSize(3),
	)
	defer e.Close()

	type result struct {
		path, body string
		err        error
	}

	results := make(chan result, 3)
	for _, p := range []string{"/r1", "/r2", "/r3"} {
		req := newRequest(t, http.MethodGet, srv.URL()+p, nil)
		go func() {
			resp, err := e.Execute(context.Background(), req)
			if err != nil {
				results <- result{path: p, err: err}
				return
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			results <- result{path: p, body: string(b), err: err}
		}()
	}

	for range 3 {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, r.path, r.body)
	}

	require.Len(t, <-arrival, 3)
	require.Equal(t, int32(1), srv.accepted.Load())
}

func TestPipelineRedeliversAfterConnectionClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newRawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)

		// answer one request, then hang up on the rest
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s", len(req.URL.Path), req.URL.Path)
		_ = conn.(*net.TCPConn).CloseWrite()
		_, _ = io.Copy(io.Discard, br)
	})
	defer srv.Close()

	e := newTestEngine(t,
		EngineOpts().Pipelining(true),
		EngineOpts().MaxConnectionsPerRoute(1),
		EngineOpts().PipelineMaxSize(4),
	)
	defer e.Close()

	errs := make(chan error, 3)
	for _, p := range []string{"/a", "/b", "/c"} {
		req := newRequest(t, http.MethodGet, srv.URL()+p, nil)
		go func() {
			resp, err := e.Execute(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err == nil && string(b) != p {
				err = fmt.Errorf("got %q for %s", b, p)
			}
			errs <- err
		}()
	}

	for range 3 {
		require.NoError(t, <-errs)
	}

	requireConnectionsReleased(t, e)
}

func TestRouteLimitQueuesRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	var active, maxActive atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().MaxConnectionsPerRoute(1))
	defer e.Close()

	errs := make(chan error, 2)
	for range 2 {
		req := newRequest(t, http.MethodGet, srv.URL, nil)
		go func() {
			resp, err := e.Execute(context.Background(), req)
			if err == nil {
				_, err = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
			errs <- err
		}()
	}

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, int32(1), maxActive.Load())

	requireConnectionsReleased(t, e)
}

func TestCancelWhileConnectingReleasesPermits(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &blockingDialer{}
	e := newTestEngine(t, EngineOpts().Dialer(d), EngineOpts().ConnectTimeout(0))
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.Execute(ctx, newRequest(t, http.MethodGet, "http://127.0.0.1:1/", nil))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), d.calls.Load())
	require.Zero(t, e.OpenConnections())
}

func TestCancelMidTransferReleasesPermits(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestEngine(t)
	defer e.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	resp, err := e.Execute(ctx, newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1), e.OpenConnections())

	buf := make([]byte, len("partial"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	stop := errors.New("caller gave up")
	cancel(stop)

	_, err = resp.Body.Read(buf)
	require.ErrorIs(t, err, stop)
	_ = resp.Body.Close()

	requireConnectionsReleased(t, e)
}

func TestRequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newRawServer(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().RequestTimeout(50*time.Millisecond))
	defer e.Close()

	start := time.Now()
	_, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, srv.URL()+"/slow", nil))
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.Less(t, time.Since(start), time.Second)

	var rte *RequestTimeoutError
	require.ErrorAs(t, err, &rte)
	require.Equal(t, 50*time.Millisecond, rte.Limit)
	require.True(t, rte.Timeout())

	requireConnectionsReleased(t, e)
}

func TestRequestTimeoutOverride(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newRawServer(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().RequestTimeout(time.Hour))
	defer e.Close()

	ctx := WithTimeouts(context.Background(), Timeouts{Request: 30 * time.Millisecond})

	_, err := e.Execute(ctx, newRequest(t, http.MethodGet, srv.URL(), nil))
	require.ErrorIs(t, err, ErrRequestTimeout)

	requireConnectionsReleased(t, e)
}

func TestConnectTimeoutAfterAllAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &blockingDialer{}
	e := newTestEngine(t,
		EngineOpts().Dialer(d),
		EngineOpts().ConnectTimeout(20*time.Millisecond),
		EngineOpts().ConnectAttempts(2),
	)
	defer e.Close()

	_, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, "http://127.0.0.1:1/", nil))
	require.ErrorIs(t, err, ErrConnectTimeout)

	var cte *ConnectTimeoutError
	require.ErrorAs(t, err, &cte)
	require.Equal(t, 2, cte.Attempts)
	require.Equal(t, int32(2), d.calls.Load())
	require.Zero(t, e.OpenConnections())
}

func TestFailToConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	refused := errors.New("connection refused")
	e := newTestEngine(t, EngineOpts().Dialer(failingDialer{refused}), EngineOpts().ConnectAttempts(3))
	defer e.Close()

	_, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, "http://127.0.0.1:1/", nil))
	require.ErrorIs(t, err, ErrFailToConnect)
	require.ErrorIs(t, err, refused)

	var fce *FailToConnectError
	require.ErrorAs(t, err, &fce)
	require.Equal(t, 3, fce.Attempts)
}

func TestIdleEndpointEvicted(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().ConnectTimeout(25*time.Millisecond))
	defer e.Close()

	resp, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, "ok", readBody(t, resp))
	require.Equal(t, 1, endpointCount(e))

	require.Eventually(t, func() bool {
		return endpointCount(e) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// a fresh endpoint serves the next request
	resp, err = e.Execute(context.Background(), newRequest(t, http.MethodGet, srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, "ok", readBody(t, resp))
}

// newTunnelProxy accepts CONNECT requests, reports each on seen and splices
// the connection to backend.
func newTunnelProxy(t *testing.T, backend string, seen chan<- *http.Request) *rawServer {
	return newRawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		seen <- req

		up, err := net.Dial("tcp", backend)
		if err != nil {
			return
		}
		defer up.Close()

		// a body on the CONNECT answer must be skipped by the client
		_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\nContent-Length: 3\r\n\r\nabc")

		done := make(chan struct{}, 2)
		go func() {
			_, _ = io.Copy(up, br)
			done <- struct{}{}
		}()
		go func() {
			_, _ = io.Copy(conn, up)
			done <- struct{}{}
		}()
		<-done
		_ = up.Close()
		_ = conn.Close()
		<-done
	})
}

func newTunneledEngine(t *testing.T, proxyURL string, backend *httptest.Server, options ...EngineOption) *Engine {
	t.Helper()

	u, err := url.Parse(proxyURL)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(backend.Certificate())

	options = append([]EngineOption{
		EngineOpts().Proxy(func(*url.URL) (*url.URL, error) { return u, nil }),
		EngineOpts().TLSConfig(&tls.Config{RootCAs: pool}),
	}, options...)

	e, err := NewEngine(context.Background(), options...)
	require.NoError(t, err)

	return e
}

func TestSecureRequestThroughProxyTunnel(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure hello")
	}))
	defer backend.Close()

	seen := make(chan *http.Request, 1)
	proxy := newTunnelProxy(t, backend.Listener.Addr().String(), seen)
	defer proxy.Close()

	e := newTunneledEngine(t, "http://user:pass@"+proxy.ln.Addr().String(), backend, EngineOpts().UserAgent("engine/1"))
	defer e.Close()

	_, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	resp, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, "https://example.com:"+port+"/", nil))
	require.NoError(t, err)
	require.Equal(t, "secure hello", readBody(t, resp))

	got := <-seen
	require.Equal(t, http.MethodConnect, got.Method)
	require.Equal(t, "example.com:"+port, got.RequestURI)
	require.Equal(t, "Basic dXNlcjpwYXNz", got.Header.Get("Proxy-Authorization"))
	require.Equal(t, "engine/1", got.Header.Get("User-Agent"))

	requireConnectionsReleased(t, e)
}

func TestTunnelCarriesRequestProxyHeaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	origin := make(chan http.Header, 1)
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin <- r.Header.Clone()
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	seen := make(chan *http.Request, 1)
	proxy := newTunnelProxy(t, backend.Listener.Addr().String(), seen)
	defer proxy.Close()

	e := newTunneledEngine(t, "http://user:pass@"+proxy.ln.Addr().String(), backend, EngineOpts().UserAgent("engine/1"))
	defer e.Close()

	_, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	req := newRequest(t, http.MethodGet, "https://example.com:"+port+"/", nil)
	req.Header.Set("User-Agent", "fetcher/2")
	req.Header.Set("Proxy-Authorization", "Bearer secret")
	req.Header.Set("Proxy-Authenticate", "Bearer realm=\"edge\"")

	resp, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ok", readBody(t, resp))

	got := <-seen
	require.Equal(t, "fetcher/2", got.Header.Get("User-Agent"))
	require.Equal(t, "Bearer secret", got.Header.Get("Proxy-Authorization"))
	require.Equal(t, "Bearer realm=\"edge\"", got.Header.Get("Proxy-Authenticate"))

	h := <-origin
	require.Equal(t, "fetcher/2", h.Get("User-Agent"))
	require.Empty(t, h.Get("Proxy-Authorization"))
	require.Empty(t, h.Get("Proxy-Authenticate"))

	// the caller's request is left as it was
	require.Equal(t, "Bearer secret", req.Header.Get("Proxy-Authorization"))

	requireConnectionsReleased(t, e)
}

func TestTunnelRefused(t *testing.T) {
	defer goleak.VerifyNone(t)

	proxy := newRawServer(t, func(conn net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})
	defer proxy.Close()

	e := newTestEngine(t, EngineOpts().Proxy(func(*url.URL) (*url.URL, error) {
		return url.Parse(proxy.URL())
	}))
	defer e.Close()

	_, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, "https://example.com/", nil))
	require.ErrorIs(t, err, ErrFailToConnect)
	require.ErrorIs(t, err, ErrTunnelFailed)

	requireConnectionsReleased(t, e)
}

func TestPlainRequestThroughProxyUsesAbsoluteForm(t *testing.T) {
	defer goleak.VerifyNone(t)

	uris := make(chan string, 2)
	proxy := newRawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			uris <- req.RequestURI
			respond(conn, http.StatusOK, "via proxy")
		}
	})
	defer proxy.Close()

	e := newTestEngine(t, EngineOpts().Proxy(func(*url.URL) (*url.URL, error) {
		return url.Parse(proxy.URL())
	}))
	defer e.Close()

	for _, u := range []string{"http://origin.test/path?q=1", "http://other.test:8080/"} {
		resp, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, u, nil))
		require.NoError(t, err)
		require.Equal(t, "via proxy", readBody(t, resp))
		require.Equal(t, u, <-uris)
	}

	// both origins share the proxy's endpoint
	require.Equal(t, 1, endpointCount(e))
}

func TestUpgradeReturnsReadWriteCloser(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newRawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n")
		_, _ = io.Copy(conn, br)
	})
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().RequestTimeout(100*time.Millisecond))
	defer e.Close()

	req := newRequest(t, http.MethodGet, srv.URL(), nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "echo")

	resp, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	require.True(t, ok)

	// the request timeout no longer applies
	time.Sleep(150 * time.Millisecond)

	_, err = rwc.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(rwc, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, rwc.Close())
	requireConnectionsReleased(t, e)
}

func TestRejectedBeforeIO(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &blockingDialer{}
	e := newTestEngine(t, EngineOpts().Dialer(d))
	defer e.Close()

	req := newRequest(t, http.MethodPost, "http://127.0.0.1:1/", strings.NewReader("body"))
	req.Header.Set("Upgrade", "websocket")

	_, err := e.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrUnsupportedUpgrade)

	_, err = e.Execute(context.Background(), newRequest(t, http.MethodGet, "ftp://127.0.0.1/", nil))
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	require.Zero(t, d.calls.Load())
}

func TestCloseFailsInFlightRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newRawServer(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	defer srv.Close()

	e := newTestEngine(t, EngineOpts().RequestTimeout(0))

	req := newRequest(t, http.MethodGet, srv.URL(), nil)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), req)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return srv.accepted.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
	require.ErrorIs(t, <-errs, ErrEngineClosed)
	require.ErrorIs(t, e.Close(), ErrEngineClosed)
	require.Zero(t, e.OpenConnections())

	_, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, srv.URL(), nil))
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineClosesWithParentContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())

	e, err := NewEngine(ctx, EngineOpts().Proxy(noProxy))
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		return e.closed.Load()
	}, time.Second, time.Millisecond)
}

func TestRequiresDedicated(t *testing.T) {
	e := &Engine{cfg: EngineConfig{Pipelining: true}}

	tests := []struct {
		name     string
		req      func() *http.Request
		override bool
		want     bool
	}{
		{"plain get", func() *http.Request { return newRequest(t, http.MethodGet, "http://x/", nil) }, false, false},
		{"head", func() *http.Request { return newRequest(t, http.MethodHead, "http://x/", nil) }, false, false},
		{"post", func() *http.Request { return newRequest(t, http.MethodPost, "http://x/", nil) }, false, true},
		{"timeouts", func() *http.Request { return newRequest(t, http.MethodGet, "http://x/", nil) }, true, true},
		{"close", func() *http.Request {
			r := newRequest(t, http.MethodGet, "http://x/", nil)
			r.Header.Set("Connection", "close")
			return r
		}, false, true},
		{"upgrade", func() *http.Request {
			r := newRequest(t, http.MethodGet, "http://x/", nil)
			r.Header.Set("Upgrade", "websocket")
			return r
		}, false, true},
		{"get with body", func() *http.Request {
			return newRequest(t, http.MethodGet, "http://x/", strings.NewReader("x"))
		}, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, e.requiresDedicated(tc.req(), tc.override))
		})
	}

	e.cfg.Pipelining = false
	require.True(t, e.requiresDedicated(newRequest(t, http.MethodGet, "http://x/", nil), false))
}

func TestMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := metrics.NewInmemSink(10*time.Second, 300*time.Second)
	cfg := metrics.DefaultConfig("test")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	_, err := metrics.NewGlobal(cfg, sink)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e := newTestEngine(t)
	defer e.Close()

	for range 2 {
		resp, err := e.Execute(context.Background(), newRequest(t, http.MethodGet, srv.URL, nil))
		require.NoError(t, err)
		require.Equal(t, "ok", readBody(t, resp))
	}

	counter := func(name []string) float64 {
		prefix := "test." + strings.Join(name, ".")
		var sum float64
		for _, intv := range sink.Data() {
			intv.RLock()
			for k, v := range intv.Counters {
				if strings.HasPrefix(k, prefix) {
					sum += v.Sum
				}
			}
			intv.RUnlock()
		}
		return sum
	}

	require.Equal(t, float64(2), counter(metricRequestSucceeded))
	require.Equal(t, float64(2), counter(metricDedicated))
	require.Equal(t, float64(1), counter(metricEndpointCreated))
	require.Equal(t, float64(2), counter(metricConnectAttempt))
}
