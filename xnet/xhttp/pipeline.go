package xhttp

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/armon/go-metrics"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet/xhttp/internal/http1"
)

// pipeline runs HTTP/1.1 pipelining over one connection.
//
// The writer takes requests from the endpoint and writes them back to back,
// never holding more than PipelineMaxSize unanswered. The reader matches
// responses to requests in the order they were written, and moves on to the
// next response only once the caller is done with the current body.
type pipeline struct {
	ep   *Endpoint
	conn *xnet.Connection

	in *xio.ChannelReader
	br *bufio.Reader

	// slots holds one token per request written and not yet answered
	slots      chan struct{}
	responses  chan *requestTask
	readerDone chan struct{}
}

func newPipeline(ep *Endpoint, conn *xnet.Connection) *pipeline {
	in := xio.NewChannelReader(context.Background(), conn.Input)

	return &pipeline{
		ep:         ep,
		conn:       conn,
		in:         in,
		br:         bufio.NewReader(in),
		slots:      make(chan struct{}, ep.cfg.PipelineMaxSize),
		responses:  make(chan *requestTask, ep.cfg.PipelineMaxSize),
		readerDone: make(chan struct{}),
	}
}

func (p *pipeline) start() {
	slog.LogAttrs(context.Background(), slog.LevelDebug,
		"pipeline opened",
		slog.String("address", p.ep.route.address),
	)
	metrics.IncrCounterWithLabels(metricPipelineOpened, 1, routeLabels(p.ep.route.address))

	go p.writeLoop()
	go p.readLoop()
}

func (p *pipeline) writeLoop() {
	defer close(p.responses)

	keepAlive := p.ep.cfg.KeepAliveTime

	var timer *time.Timer
	var idle <-chan time.Time
	if keepAlive > 0 {
		timer = time.NewTimer(keepAlive)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case p.slots <- struct{}{}:
		case <-p.readerDone:
			return
		case <-p.ep.closing:
			return
		}

		t, ok := p.next(timer, idle)
		if !ok {
			return
		}

		if t.ctx.Err() != nil {
			<-p.slots
			t.complete(nil, context.Cause(t.ctx))
			continue
		}

		if err := http1.WriteRequest(t.ctx, p.conn.Output, t.req, p.ep.route.overProxy()); err != nil {
			if t.ctx.Err() != nil {
				t.complete(nil, context.Cause(t.ctx))
			} else {
				p.ep.redeliver(t, err)
			}
			return
		}

		p.responses <- t

		if timer != nil {
			timer.Reset(keepAlive)
		}
	}
}

// next waits for a request to write. It gives up when the connection has
// been idle for the keep-alive time or can no longer be used.
func (p *pipeline) next(timer *time.Timer, idle <-chan time.Time) (*requestTask, bool) {
	for {
		select {
		case t := <-p.ep.delivery:
			return t, true
		case <-idle:
			// the slot held for the next request does not count
			if len(p.slots) > 1 {
				timer.Reset(p.ep.cfg.KeepAliveTime)
				continue
			}
			return nil, false
		case <-p.conn.Input.Done():
			return nil, false
		case <-p.readerDone:
			return nil, false
		case <-p.ep.closing:
			return nil, false
		}
	}
}

func (p *pipeline) readLoop() {
	var cause error

	defer func() {
		close(p.readerDone)
		_ = p.conn.Close()

		// requests written after the last answered one
		for t := range p.responses {
			p.ep.redeliver(t, cause)
		}

		p.ep.releaseSlot()
		p.ep.engine.reportOpenConnections()

		attrs := []slog.Attr{slog.String("address", p.ep.route.address)}
		if cause != nil {
			attrs = append(attrs, slog.String("cause", cause.Error()))
		}
		slog.LogAttrs(context.Background(), slog.LevelDebug, "pipeline closed", attrs...)
		metrics.IncrCounterWithLabels(metricPipelineClosed, 1, routeLabels(p.ep.route.address))
	}()

	for t := range p.responses {
		cause = p.serve(t)
		<-p.slots
		if cause != nil {
			return
		}
	}
}

// serve reads the response to t and waits until the caller is done with it.
// A non-nil result means the connection cannot carry further responses.
func (p *pipeline) serve(t *requestTask) error {
	p.in.SetContext(t.ctx)

	resp, err := http1.ReadResponse(p.br, t.req)
	if err != nil {
		if t.ctx.Err() != nil {
			t.complete(nil, context.Cause(t.ctx))
		} else {
			p.ep.redeliver(t, err)
		}
		return err
	}

	reusable := http1.Reusable(t.req, resp)

	hasBody := attachBody(resp, t)
	t.complete(resp, nil)
	if !hasBody {
		t.finish(errResponseComplete)
	}

	<-t.ctx.Done()

	if cause := context.Cause(t.ctx); !finished(cause) {
		return cause
	}

	if !reusable {
		return errNotReusable
	}

	return nil
}
