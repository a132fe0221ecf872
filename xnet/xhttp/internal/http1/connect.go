package http1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xascii"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/valyala/bytebufferpool"
)

const maxHeadSize = 64 * 1024

var (
	ErrMalformedResponse = errors.New("http: malformed response head")
	errHeadTooLarge      = errors.New("http: response head too large")
)

// StatusError is a well formed response with a status the caller refused.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected status " + e.Status
}

// tunnelHeaders are copied from the origin request into the CONNECT request.
var tunnelHeaders = []string{
	"User-Agent",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

// TunnelHeader copies the headers of an origin request that belong on the
// CONNECT request opening its tunnel.
func TunnelHeader(src http.Header) http.Header {
	h := http.Header{}
	for _, k := range tunnelHeaders {
		if vs := src.Values(k); len(vs) > 0 {
			h[k] = slices.Clone(vs)
		}
	}

	return h
}

// WriteConnect asks a proxy to open a tunnel to hostPort.
func WriteConnect(ctx context.Context, out *xio.ByteChannel, hostPort string, h http.Header) error {
	b := bytebufferpool.Get()

	_, _ = b.WriteString("CONNECT " + hostPort + " HTTP/1.1" + crlf)

	err := appendHeaderLine(b, "Host", hostPort)
	if err == nil {
		// HTTP/1.0 proxies need this to keep the tunnel open
		err = appendHeaderLine(b, "Proxy-Connection", "Keep-Alive")
	}
	for _, k := range tunnelHeaders {
		if err != nil {
			break
		}
		for _, v := range h.Values(k) {
			if err = appendHeaderLine(b, k, v); err != nil {
				break
			}
		}
	}
	if err != nil {
		bytebufferpool.Put(b)
		return err
	}

	_, _ = b.WriteString(crlf)

	if err := out.WritePacket(ctx, b); err != nil {
		return err
	}
	out.Flush()

	return nil
}

// ResponseHead is a parsed status line and header block.
type ResponseHead struct {
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Status     string
	Header     http.Header
}

// readLine reads one line without its terminator. It never reads past the
// line, so bytes that follow stay in the channel.
func readLine(ctx context.Context, in *xio.ByteChannel, line []byte, budget *int) ([]byte, error) {
	line = line[:0]
	for {
		c, err := in.ReadOneByte(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		*budget--
		if *budget < 0 {
			return nil, errHeadTooLarge
		}

		if c == '\n' {
			return bytes.TrimSuffix(line, []byte{'\r'}), nil
		}

		line = append(line, c)
	}
}

// ReadResponseHead reads a response head byte by byte from in, leaving the
// body untouched.
func ReadResponseHead(ctx context.Context, in *xio.ByteChannel) (*ResponseHead, error) {
	budget := maxHeadSize
	buf := make([]byte, 0, 128)

	line, err := readLine(ctx, in, buf, &budget)
	if err != nil {
		return nil, err
	}

	proto, rest, ok := bytes.Cut(line, []byte{' '})
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}

	head := ResponseHead{Header: http.Header{}}

	head.ProtoMajor, head.ProtoMinor, ok = http.ParseHTTPVersion(string(proto))
	if !ok || head.ProtoMajor != 1 {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrMalformedResponse, proto)
	}

	code, _, _ := bytes.Cut(rest, []byte{' '})
	if len(code) != 3 {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformedResponse, code)
	}
	head.StatusCode, err = strconv.Atoi(string(code))
	if err != nil || head.StatusCode < 100 {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformedResponse, code)
	}
	head.Status = string(rest)

	ows := xascii.UnsafeConstBytes(xascii.OWS)
	for {
		line, err := readLine(ctx, in, buf, &budget)
		if err != nil {
			return nil, err
		}

		if len(line) == 0 {
			return &head, nil
		}

		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok || len(k) == 0 {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedResponse, line)
		}

		head.Header.Add(textproto.CanonicalMIMEHeaderKey(string(k)), string(xascii.Trim(v, ows)))
	}
}

// ReadConnectResponse reads the proxy's answer to WriteConnect. Any 2xx
// status opens the tunnel; a declared body is discarded so the channel is
// positioned at the first tunneled byte.
func ReadConnectResponse(ctx context.Context, in *xio.ByteChannel) error {
	head, err := ReadResponseHead(ctx, in)
	if err != nil {
		return err
	}

	if head.StatusCode/100 != 2 {
		return &StatusError{StatusCode: head.StatusCode, Status: head.Status}
	}

	v := head.Header.Get("Content-Length")
	if v == "" {
		return nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: bad Content-Length %q", ErrMalformedResponse, v)
	}

	discarded, err := in.Discard(ctx, n)
	if err != nil {
		return err
	}
	if discarded != n {
		return io.ErrUnexpectedEOF
	}

	return nil
}
