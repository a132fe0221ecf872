package xhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xtls"
	"golang.org/x/net/http/httpproxy"
)

const (
	defaultMaxConnectionsCount    = 1000
	defaultMaxConnectionsPerRoute = 100
	defaultPipelineMaxSize        = 20
	defaultKeepAliveTime          = 5 * time.Second
	defaultConnectTimeout         = 5 * time.Second
	defaultConnectAttempts        = 1
	defaultRequestTimeout         = 15 * time.Second
)

var errInvalidConfig = errors.New("invalid engine config")

// EndpointConfig tunes the connections kept for each destination. A zero
// duration disables the corresponding timeout.
type EndpointConfig struct {
	MaxConnectionsPerRoute int           `mapstructure:"max_connections_per_route"`
	PipelineMaxSize        int           `mapstructure:"pipeline_max_size"`
	KeepAliveTime          time.Duration `mapstructure:"keep_alive_time"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	SocketTimeout          time.Duration `mapstructure:"socket_timeout"`
	ConnectAttempts        int           `mapstructure:"connect_attempts"`
	// AllowHalfClose shuts down the write side of a dedicated connection
	// once the request is sent.
	AllowHalfClose bool `mapstructure:"allow_half_close"`
}

type EngineConfig struct {
	MaxConnectionsCount int            `mapstructure:"max_connections_count"`
	Endpoint            EndpointConfig `mapstructure:"endpoint"`
	RequestTimeout      time.Duration  `mapstructure:"request_timeout"`
	Pipelining          bool           `mapstructure:"pipelining"`
	// ProxyURL routes every request through one HTTP proxy. When empty the
	// proxy is taken from the environment.
	ProxyURL string `mapstructure:"proxy_url"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConnectionsCount: defaultMaxConnectionsCount,
		Endpoint: EndpointConfig{
			MaxConnectionsPerRoute: defaultMaxConnectionsPerRoute,
			PipelineMaxSize:        defaultPipelineMaxSize,
			KeepAliveTime:          defaultKeepAliveTime,
			ConnectTimeout:         defaultConnectTimeout,
			ConnectAttempts:        defaultConnectAttempts,
		},
		RequestTimeout: defaultRequestTimeout,
	}
}

func (c EngineConfig) Validate() error {
	var errs []error

	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	nonNegative := func(name string, d time.Duration) {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	positive("max_connections_count", c.MaxConnectionsCount)
	positive("max_connections_per_route", c.Endpoint.MaxConnectionsPerRoute)
	positive("pipeline_max_size", c.Endpoint.PipelineMaxSize)
	positive("connect_attempts", c.Endpoint.ConnectAttempts)
	nonNegative("keep_alive_time", c.Endpoint.KeepAliveTime)
	nonNegative("connect_timeout", c.Endpoint.ConnectTimeout)
	nonNegative("socket_timeout", c.Endpoint.SocketTimeout)
	nonNegative("request_timeout", c.RequestTimeout)

	if c.ProxyURL != "" {
		if _, err := parseProxyURL(c.ProxyURL); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errInvalidConfig, errors.Join(errs...))
	}

	return nil
}

// DecodeConfig builds an EngineConfig from loosely typed input such as a
// parsed JSON document. Keys that are absent keep their default; unknown
// keys are rejected. Durations may be given as strings like "250ms".
func DecodeConfig(raw map[string]any) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return EngineConfig{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}

	return cfg, nil
}

func parseProxyURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedProxy, err)
	}

	if u.Scheme != schemeHTTP || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, s)
	}

	return u, nil
}

//
// Engine Options
//

type engineConfig struct {
	EngineConfig
	tlsConfig    *tls.Config
	newTLSEngine func(*tls.Config) xtls.Engine
	proxy        func(*url.URL) (*url.URL, error)
	dialer       xnet.Dialer
	dnsCache     *xnet.DNSCache
	userAgent    string
}

type EngineOption func(*engineConfig)

type engineOptions struct{}

func EngineOpts() engineOptions {
	return engineOptions{}
}

// Config replaces every setting covered by EngineConfig. Options given
// after it still apply on top.
func (engineOptions) Config(c EngineConfig) EngineOption {
	return func(cfg *engineConfig) {
		cfg.EngineConfig = c
	}
}

func (engineOptions) MaxConnectionsCount(n int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.MaxConnectionsCount = n
	}
}

func (engineOptions) MaxConnectionsPerRoute(n int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.MaxConnectionsPerRoute = n
	}
}

func (engineOptions) PipelineMaxSize(n int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.PipelineMaxSize = n
	}
}

func (engineOptions) Pipelining(b bool) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Pipelining = b
	}
}

func (engineOptions) KeepAliveTime(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.KeepAliveTime = d
	}
}

func (engineOptions) ConnectTimeout(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.ConnectTimeout = d
	}
}

func (engineOptions) SocketTimeout(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.SocketTimeout = d
	}
}

func (engineOptions) ConnectAttempts(n int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.ConnectAttempts = n
	}
}

func (engineOptions) AllowHalfClose(b bool) EngineOption {
	return func(cfg *engineConfig) {
		cfg.Endpoint.AllowHalfClose = b
	}
}

func (engineOptions) RequestTimeout(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.RequestTimeout = d
	}
}

// TLSConfig is cloned for every secure endpoint with ServerName set to the
// endpoint's host.
func (engineOptions) TLSConfig(c *tls.Config) EngineOption {
	return func(cfg *engineConfig) {
		cfg.tlsConfig = c
	}
}

// TLSEngine replaces the crypto/tls backed engine.
func (engineOptions) TLSEngine(f func(*tls.Config) xtls.Engine) EngineOption {
	return func(cfg *engineConfig) {
		cfg.newTLSEngine = f
	}
}

// Proxy selects the proxy for a request URL; a nil URL means no proxy.
func (engineOptions) Proxy(f func(*url.URL) (*url.URL, error)) EngineOption {
	return func(cfg *engineConfig) {
		cfg.proxy = f
	}
}

func (engineOptions) Dialer(d xnet.Dialer) EngineOption {
	return func(cfg *engineConfig) {
		cfg.dialer = d
	}
}

func (engineOptions) DNSCache(c *xnet.DNSCache) EngineOption {
	return func(cfg *engineConfig) {
		cfg.dnsCache = c
	}
}

// UserAgent is sent with requests that set none, and with CONNECT
// requests.
func (engineOptions) UserAgent(s string) EngineOption {
	return func(cfg *engineConfig) {
		cfg.userAgent = s
	}
}

func (c *engineConfig) proxyFunc() (func(*url.URL) (*url.URL, error), error) {
	if c.proxy != nil {
		return c.proxy, nil
	}

	if c.ProxyURL != "" {
		u, err := parseProxyURL(c.ProxyURL)
		if err != nil {
			return nil, err
		}
		return func(*url.URL) (*url.URL, error) { return u, nil }, nil
	}

	return httpproxy.FromEnvironment().ProxyFunc(), nil
}

//
// Request scoped timeouts
//

// NoTimeout in a Timeouts field disables that timeout for the request.
const NoTimeout time.Duration = -1

// Timeouts overrides engine timeouts for one request. A zero field keeps
// the engine's setting.
//
// Requests carrying Timeouts always use a dedicated connection.
type Timeouts struct {
	Request time.Duration
	Connect time.Duration
	Socket  time.Duration
}

type timeoutsKey struct{}

func WithTimeouts(ctx context.Context, t Timeouts) context.Context {
	return context.WithValue(ctx, timeoutsKey{}, t)
}

func timeoutsFrom(ctx context.Context) (Timeouts, bool) {
	t, ok := ctx.Value(timeoutsKey{}).(Timeouts)
	return t, ok
}

// effective resolves an override against a configured value; the result
// uses zero for "no timeout".
func effective(override, configured time.Duration) time.Duration {
	switch {
	case override == 0:
		return configured
	case override < 0:
		return 0
	default:
		return override
	}
}

// callTimeouts are the timeouts in force for one call.
type callTimeouts struct {
	request time.Duration
	connect time.Duration
	socket  time.Duration
}
