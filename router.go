package flowpipe

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Router dispatches exchanges to Handlers by path and method using
// gorilla/mux matching on the request head. Path variables are set
// on Request.Vars.
type Router struct {
	mux *mux.Router
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{mux: mux.NewRouter()}
}

// flowRoute carries a Handler through a mux.Route.
type flowRoute struct {
	h Handler
}

func (fr flowRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "route is served by a flowpipe Router", http.StatusInternalServerError)
}

// Handle registers h for path, which may hold mux variables like "/items/{id}".
// The returned route can be narrowed further, e.g. with Methods.
func (rt *Router) Handle(path string, h Handler) *mux.Route {
	return rt.mux.Handle(path, flowRoute{h: h})
}

// HandleFunc registers fn for path.
func (rt *Router) HandleFunc(path string, fn func(req *Request, rw Responder)) *mux.Route {
	return rt.Handle(path, HandlerFunc(fn))
}

// PathPrefix registers h for every path starting with prefix.
func (rt *Router) PathPrefix(prefix string, h Handler) *mux.Route {
	return rt.mux.PathPrefix(prefix).Handler(flowRoute{h: h})
}

// ServeFlow implements Handler. Unmatched paths fail with 404 and unmatched
// methods with 405.
func (rt *Router) ServeFlow(req *Request, rw Responder) {
	u := req.URL
	if u == nil {
		var err error
		if u, err = url.ParseRequestURI(req.RequestURI); err != nil {
			rw.Fail(&StatusError{Code: http.StatusBadRequest, Err: errors.WithStack(err)})
			return
		}
	}
	hr := &http.Request{
		Method:     req.Method,
		URL:        u,
		Host:       req.Host,
		Header:     req.Header,
		RequestURI: req.RequestURI,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
	}
	var match mux.RouteMatch
	if !rt.mux.Match(hr, &match) {
		if match.MatchErr == mux.ErrMethodMismatch {
			rw.Fail(&StatusError{Code: http.StatusMethodNotAllowed})
			return
		}
		rw.Fail(&StatusError{Code: http.StatusNotFound})
		return
	}
	fr, ok := match.Handler.(flowRoute)
	if !ok {
		rw.Fail(&StatusError{Code: http.StatusNotFound})
		return
	}
	req.Vars = match.Vars
	fr.h.ServeFlow(req, rw)
}
