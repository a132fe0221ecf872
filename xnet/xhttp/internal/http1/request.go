package http1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xascii"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"
)

// maxHostnameLength is the maximum length of a hostname according to RFC 1035 and RFC 1123.
const (
	maxHostnameLength = 253

	crlf = "\r\n"
)

var (
	ErrInvalidHeader             = errors.New("http: invalid header")
	errMaxHostnameLengthExceeded = errors.New("hostname exceeds maximum length as per RFC 1035 and RFC 1123")
	errNoHostInRequestURL        = errors.New("http: no Host in request URL")
)

// headers the writer emits itself
var skippedHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Expect":            {},
}

func DefaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

// HostHeader returns host without the port when the port is the default
// one for scheme.
func HostHeader(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil || port != DefaultPort(scheme) {
		return host
	}

	if strings.IndexByte(h, ':') != -1 {
		return "[" + h + "]"
	}

	return h
}

// OutgoingLength returns the body length of req, or -1 when it is unknown.
func OutgoingLength(req *http.Request) int64 {
	if req.Body == nil || req.Body == http.NoBody {
		return 0
	}

	if req.ContentLength != 0 {
		return req.ContentLength
	}

	return -1
}

// requestTarget is the origin-form target, or the absolute-form target when
// the request is sent to a forward proxy.
func requestTarget(req *http.Request, overProxy bool) string {
	if overProxy {
		u := *req.URL
		u.Fragment = ""
		u.RawFragment = ""
		if u.Path == "" && u.RawPath == "" {
			u.Path = "/"
		}
		return u.String()
	}

	return req.URL.RequestURI()
}

func appendHeaderLine(b *bytebufferpool.ByteBuffer, k, v string) error {
	if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, k)
	}

	_, _ = b.WriteString(k)
	_, _ = b.WriteString(": ")
	_, _ = b.WriteString(v)
	_, _ = b.WriteString(crlf)

	return nil
}

// AppendRequestHead appends the request line and header block of req to b.
// It reports whether the body must be sent with chunked encoding.
func AppendRequestHead(b *bytebufferpool.ByteBuffer, req *http.Request, overProxy bool) (bool, error) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if host == "" {
		return false, errNoHostInRequestURL
	}
	if len(host) > maxHostnameLength+len(":65535") {
		return false, errMaxHostnameLengthExceeded
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return false, fmt.Errorf("http: invalid method %q", method)
	}

	_, _ = b.WriteString(method)
	_ = b.WriteByte(' ')
	_, _ = b.WriteString(requestTarget(req, overProxy))
	_, _ = b.WriteString(" HTTP/1.1" + crlf)

	if err := appendHeaderLine(b, "Host", HostHeader(host, req.URL.Scheme)); err != nil {
		return false, err
	}

	length := OutgoingLength(req)
	chunked := length < 0 || (length > 0 && slices.Contains(req.TransferEncoding, "chunked"))

	if !chunked && (length > 0 || (method != http.MethodGet && method != http.MethodHead)) {
		if err := appendHeaderLine(b, "Content-Length", strconv.FormatInt(length, 10)); err != nil {
			return false, err
		}
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		if _, ok := skippedHeaders[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		for _, v := range req.Header[k] {
			if err := appendHeaderLine(b, k, v); err != nil {
				return false, err
			}
		}
	}

	if req.Close && !xascii.HasToken(req.Header["Connection"], "close") {
		_, _ = b.WriteString("Connection: close" + crlf)
	}

	if chunked {
		_, _ = b.WriteString("Transfer-Encoding: chunked" + crlf)
	}

	if v := req.Header.Get("Expect"); v != "" && length != 0 {
		if err := appendHeaderLine(b, "Expect", v); err != nil {
			return false, err
		}
	}

	_, _ = b.WriteString(crlf)

	return chunked, nil
}

// WriteRequest writes req to out and flushes it. The request body is always
// closed, including on error.
func WriteRequest(ctx context.Context, out *xio.ByteChannel, req *http.Request, overProxy bool) (retErr error) {
	if req.Body != nil {
		defer func() {
			if err := req.Body.Close(); err != nil && retErr == nil {
				retErr = err
			}
		}()
	}

	b := bytebufferpool.Get()
	chunked, err := AppendRequestHead(b, req, overProxy)
	if err != nil {
		bytebufferpool.Put(b)
		return err
	}

	// WritePacket hands b back to the pool
	if err := out.WritePacket(ctx, b); err != nil {
		return err
	}

	length := OutgoingLength(req)
	if length == 0 && !chunked {
		out.Flush()
		return nil
	}

	w := xio.NewChannelWriter(ctx, out)

	if chunked {
		cw := NewChunkedWriter(w)
		if _, err := io.Copy(cw, req.Body); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		return w.Flush()
	}

	n, err := io.CopyN(w, req.Body, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("http: ContentLength=%d with Body length %d", length, n)
		}
		return err
	}

	return w.Flush()
}
