package http1

import (
	"bufio"
	"net/http"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xascii"
)

const (
	headerValConnKeepAlive = "keep-alive"
	headerValConnClose     = "close"
)

// ReadResponse reads the final response to req, skipping interim 1xx
// responses. 101 Switching Protocols is final.
func ReadResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}

		// 1xx responses carry no body
		_ = resp.Body.Close()
	}
}

type connectionHeader struct {
	KeepAlive bool
	Close     bool
}

// parseConnection summarizes the Connection header without allocating.
func parseConnection(h http.Header) connectionHeader {
	var result connectionHeader
	if h == nil {
		return result
	}

	v, ok := h["Connection"]
	if !ok || len(v) == 0 {
		return result
	}

	result.KeepAlive = xascii.HasToken(v, headerValConnKeepAlive)
	result.Close = xascii.HasToken(v, headerValConnClose)

	return result
}

// RequestAllowsReuse reports whether req leaves its connection open after
// the exchange. Requests are always HTTP/1.1, so silence means keep-alive.
func RequestAllowsReuse(req *http.Request) bool {
	if req.Close {
		return false
	}

	return !parseConnection(req.Header).Close
}

// ResponseAllowsReuse reports whether the server is willing to take another
// request on the connection after resp.
func ResponseAllowsReuse(resp *http.Response) bool {
	if resp.ProtoMajor != 1 {
		return false
	}

	h := parseConnection(resp.Header)
	if h.Close {
		return false
	}

	switch resp.ProtoMinor {
	case 0:
		return h.KeepAlive
	case 1:
		return true
	}

	return false
}

// Reusable combines both sides of the keep-alive negotiation. A connection
// that switched protocols is never reusable.
func Reusable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode == http.StatusSwitchingProtocols {
		return false
	}

	return RequestAllowsReuse(req) && ResponseAllowsReuse(resp)
}
