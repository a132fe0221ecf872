package xhttp

import (
	"context"
	"io"
	"net/http"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
)

// requestTask is one call travelling through an Endpoint. Its context ends
// when the caller is done with the response, and that is the signal for the
// connection to move on.
type requestTask struct {
	req      *http.Request
	ctx      context.Context
	timeouts callTimeouts

	// tunnel holds the request's headers for a CONNECT request opened on
	// its behalf.
	tunnel http.Header

	// finish ends ctx with cause. The first cause wins.
	finish func(cause error)
	// detach stops the request timeout once the connection switched
	// protocols.
	detach func()

	dedicated    bool
	redeliveries int
	result       chan taskResult
}

type taskResult struct {
	resp *http.Response
	err  error
}

// complete hands the outcome of one delivery to the waiting caller. A
// response is always completed before its body can finish the task.
func (t *requestTask) complete(resp *http.Response, err error) {
	t.result <- taskResult{resp, err}
}

func (t *requestTask) wait() (*http.Response, error) {
	select {
	case r := <-t.result:
		return r.resp, r.err
	case <-t.ctx.Done():
		select {
		case r := <-t.result:
			return r.resp, r.err
		default:
		}
		return nil, context.Cause(t.ctx)
	}
}

// finished reports whether cause means the caller consumed or released the
// response body without error.
func finished(cause error) bool {
	return cause == errResponseComplete || cause == errBodyClosed
}

// responseBody finishes its task at end of stream, on the first read error
// or on Close.
type responseBody struct {
	rc     io.ReadCloser
	finish func(error)
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.finish(errResponseComplete)
	} else if err != nil {
		b.finish(err)
	}

	return n, err
}

// Close drains whatever the caller left unread so a pipelined connection
// stays in sync with the server.
func (b *responseBody) Close() error {
	err := b.rc.Close()
	if err != nil {
		b.finish(err)
		return err
	}

	b.finish(errBodyClosed)
	return nil
}

func attachBody(resp *http.Response, t *requestTask) (hasBody bool) {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		return false
	}

	resp.Body = &responseBody{rc: resp.Body, finish: t.finish}
	return true
}

// upgradedBody is the Body of a 101 Switching Protocols response. It is an
// io.ReadWriteCloser over the raw connection.
type upgradedBody struct {
	r      io.Reader
	w      *xio.ChannelWriter
	finish func(error)
}

func (b *upgradedBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *upgradedBody) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, err
	}

	return n, b.w.Flush()
}

func (b *upgradedBody) Close() error {
	b.finish(errBodyClosed)
	return nil
}

var _ io.ReadWriteCloser = (*upgradedBody)(nil)
