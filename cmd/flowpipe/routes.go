package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/linkdata/flowpipe"
)

// maxCollected bounds what half-duplex echo handlers hold in memory.
const maxCollected = 10000

func newRoutes() *flowpipe.Router {
	rt := flowpipe.NewRouter()
	rt.Handle("/ndjson/echo", flowpipe.HandlerFunc(ndjsonEcho)).Methods(http.MethodPost)
	rt.Handle("/raw/echo", flowpipe.HandlerFunc(rawEcho)).Methods(http.MethodPost, http.MethodPut)
	rt.Handle("/sum", flowpipe.Blocking(sum)).Methods(http.MethodPost)
	rt.Handle("/events/{name}", flowpipe.HandlerFunc(events)).Methods(http.MethodGet)
	rt.HandleFunc("/hello/{name}", func(req *flowpipe.Request, rw flowpipe.Responder) {
		_ = rw.Respond(flowpipe.TextResponse(http.StatusOK, "hello, "+req.Vars["name"]+"\n"))
	}).Methods(http.MethodGet)
	rt.PathPrefix("/legacy/", flowpipe.FromHTTPHandler(http.HandlerFunc(legacy)))
	return rt
}

// ndjsonEcho streams every value of the request back. Without full duplex
// the values are collected first, since the body is gone once the
// response starts.
func ndjsonEcho(req *flowpipe.Request, rw flowpipe.Responder) {
	if req.FullDuplex() {
		values, err := flowpipe.DecodeBody[any](req)
		if err != nil {
			rw.Fail(err)
			return
		}
		resp, err := flowpipe.EncodeBody(req, "application/x-ndjson", values, flowpipe.DefaultEncodePolicy)
		if err != nil {
			rw.Fail(err)
			return
		}
		_ = rw.Respond(resp)
		return
	}
	flowpipe.Blocking(func(ctx context.Context, req *flowpipe.Request) (*flowpipe.Response, error) {
		values, err := flowpipe.DecodeBody[any](req)
		if err != nil {
			return nil, err
		}
		items, err := collect(ctx, flowpipe.Pull(values, 64, nil))
		if err != nil {
			return nil, err
		}
		return flowpipe.EncodeBody(req, "application/x-ndjson", flowpipe.FromSlice(items), flowpipe.EncodePolicy{BatchValues: 64, FlushBytes: 32 << 10})
	}).ServeFlow(req, rw)
}

func collect[T any](ctx context.Context, p *flowpipe.Puller[T]) (items []T, err error) {
	defer p.Close()
	for {
		v, ok, err := p.Next(ctx)
		if !ok {
			return items, err
		}
		if len(items) >= maxCollected {
			return nil, &flowpipe.StatusError{Code: http.StatusRequestEntityTooLarge}
		}
		items = append(items, v)
	}
}

// rawEcho returns the request body as the response body.
func rawEcho(req *flowpipe.Request, rw flowpipe.Responder) {
	contentType := req.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if req.FullDuplex() {
		resp := flowpipe.NewResponse(http.StatusOK, req.Body)
		resp.Header.Set("Content-Type", contentType)
		_ = rw.Respond(resp)
		return
	}
	flowpipe.Blocking(func(ctx context.Context, req *flowpipe.Request) (*flowpipe.Response, error) {
		chunks, err := collect(ctx, flowpipe.PullChunks(req.Body, 4))
		if err != nil {
			for _, c := range chunks {
				_ = c.Release()
			}
			return nil, err
		}
		resp := flowpipe.NewResponse(http.StatusOK, flowpipe.FromSlice(chunks))
		resp.Header.Set("Content-Type", contentType)
		return resp, nil
	}).ServeFlow(req, rw)
}

// sum adds up a JSON array or NDJSON stream of numbers.
func sum(ctx context.Context, req *flowpipe.Request) (*flowpipe.Response, error) {
	values, err := flowpipe.DecodeBody[float64](req)
	if err != nil {
		return nil, err
	}
	p := flowpipe.Pull(values, 256, nil)
	defer p.Close()
	var total float64
	var count int
	for {
		v, ok, err := p.Next(ctx)
		if !ok {
			if err != nil {
				return nil, err
			}
			break
		}
		total += v
		count++
	}
	b, err := json.Marshal(map[string]interface{}{"count": count, "sum": total})
	if err != nil {
		return nil, err
	}
	resp := flowpipe.NewResponse(http.StatusOK, flowpipe.ChunksOf(append(b, '\n')))
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

// events streams count server-sent events, one per interval. Ticks that
// find the client without demand are skipped.
func events(req *flowpipe.Request, rw flowpipe.Responder) {
	q := req.URL.Query()
	count, _ := strconv.Atoi(q.Get("count"))
	if count <= 0 {
		count = 10
	}
	interval, err := time.ParseDuration(q.Get("interval"))
	if err != nil || interval <= 0 {
		interval = time.Second
	}
	ch := flowpipe.NewChannel[flowpipe.Event](1, nil)
	ctx, cancel := context.WithCancel(req.Context())
	ch.OnCancel(cancel)
	var once sync.Once
	ch.OnDemand(func(int64) {
		once.Do(func() { go tick(ctx, ch, req.Vars["name"], count, interval) })
	})
	resp, err := flowpipe.EncodeBody[flowpipe.Event](req, "text/event-stream", ch, flowpipe.DefaultEncodePolicy)
	if err != nil {
		cancel()
		rw.Fail(err)
		return
	}
	resp.Header.Set("Cache-Control", "no-cache")
	if err = rw.Respond(resp); err != nil {
		cancel()
	}
}

func tick(ctx context.Context, ch *flowpipe.Channel[flowpipe.Event], name string, count int, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for sent := 0; sent < count; {
		select {
		case <-ctx.Done():
			_ = ch.Fail(context.Cause(ctx))
			return
		case now := <-t.C:
			if ch.Demand() <= 0 {
				continue
			}
			sent++
			ev := flowpipe.Event{ID: strconv.Itoa(sent), Event: name, Data: now.UTC().Format(time.RFC3339Nano)}
			if ch.Offer(ev) != nil {
				return
			}
		}
	}
	_ = ch.Complete()
}

// legacy is an ordinary net/http handler served through the worker pool.
func legacy(w http.ResponseWriter, r *http.Request) {
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s %s read %d bytes\n", r.Method, r.URL.Path, n)
}
