package flowpipe

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

// Responder completes an exchange. Exactly one of Respond and Fail takes
// effect; calls after the exchange reached an outcome are refused.
type Responder interface {
	// Respond starts the response. The body is subscribed once the head is
	// written and is cancelled if the exchange fails first.
	Respond(resp *Response) error
	// Fail ends the exchange with err. The client sees StatusCode(err) if
	// the head was not yet written, and a dropped connection otherwise.
	Fail(err error)
}

// Handler reacts to a request. ServeFlow runs on the I/O goroutine and must
// not block; use Blocking for handlers that do.
type Handler interface {
	ServeFlow(req *Request, rw Responder)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(req *Request, rw Responder)

// ServeFlow calls f(req, rw).
func (f HandlerFunc) ServeFlow(req *Request, rw Responder) {
	f(req, rw)
}

// BlockingFunc computes a response and may block.
type BlockingFunc func(ctx context.Context, req *Request) (*Response, error)

// Blocking returns a Handler that runs fn on the pipeline's worker pool.
// A saturated pool fails the exchange with ErrPoolSaturated.
func Blocking(fn BlockingFunc) Handler {
	return HandlerFunc(func(req *Request, rw Responder) {
		err := req.pipeline.workers.Submit(func() {
			resp, err := runBlocking(fn, req)
			if err != nil {
				rw.Fail(err)
				return
			}
			if rerr := rw.Respond(resp); rerr != nil {
				req.pipeline.log.Debug("blocking handler response refused", "err", rerr)
			}
		})
		if err != nil {
			rw.Fail(err)
		}
	})
}

func runBlocking(fn BlockingFunc, req *Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, errors.WithStack(&HandlerError{Panic: v})
		}
	}()
	return fn(req.Context(), req)
}

// NotFound is a Handler answering 404.
var NotFound Handler = HandlerFunc(func(req *Request, rw Responder) {
	rw.Fail(&StatusError{Code: http.StatusNotFound})
})
