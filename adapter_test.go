package flowpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// echoHandler streams the request body back when the exchange is
// full-duplex, and collects it on a worker first otherwise.
func echoHandler() Handler {
	return HandlerFunc(func(req *Request, rw Responder) {
		contentType := req.ContentType()
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if req.FullDuplex() {
			resp := NewResponse(http.StatusOK, req.Body)
			resp.Header.Set("Content-Type", contentType)
			_ = rw.Respond(resp)
			return
		}
		Blocking(func(ctx context.Context, req *Request) (*Response, error) {
			p := PullChunks(req.Body, 4)
			defer p.Close()
			var buf []byte
			for {
				c, ok, err := p.Next(ctx)
				if !ok {
					if err != nil {
						return nil, err
					}
					break
				}
				buf = append(buf, c.Bytes()...)
				_ = c.Release()
			}
			resp := NewResponse(http.StatusOK, ChunksOf(buf))
			resp.Header.Set("Content-Type", contentType)
			return resp, nil
		}).ServeFlow(req, rw)
	})
}

func testRoutes() *Router {
	rt := NewRouter()
	rt.Handle("/echo", echoHandler())
	rt.HandleFunc("/teapot", func(req *Request, rw Responder) {
		rw.Fail(&StatusError{Code: http.StatusTeapot})
	})
	rt.HandleFunc("/ndjson", func(req *Request, rw Responder) {
		values, err := DecodeBody[item](req)
		if err != nil {
			rw.Fail(err)
			return
		}
		resp, err := EncodeBody(req, "application/x-ndjson", values, EncodePolicy{BatchValues: 16})
		if err != nil {
			rw.Fail(err)
			return
		}
		_ = rw.Respond(resp)
	})
	return rt
}

func ndjsonBody(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "{\"n\":%d}\n", i)
	}
	return sb.String()
}

func newHTTPTestServer(t *testing.T, h Handler, conf ConnectionConfig) (*Pipeline, *httptest.Server) {
	p := newTestPipeline(h, WithConnection(conf), WithChunkPool(NewChunkPool(conf.ReadChunkSize, 64)))
	srv := httptest.NewServer(NewHTTPHandler(p))
	return p, srv
}

func post(t *testing.T, client *http.Client, url, contentType, body string) (int, string) {
	resp, err := client.Post(url, contentType, strings.NewReader(body))
	if !assert.NoError(t, err) {
		return 0, ""
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	return resp.StatusCode, string(b)
}

func Test_HTTPHandler_HalfDuplexEcho(t *testing.T) {
	defer leaktest.Check(t)()
	p, srv := newHTTPTestServer(t, testRoutes(), DefaultConnectionConfig())
	defer p.Close()
	defer srv.Close()

	status, body := post(t, srv.Client(), srv.URL+"/echo", "text/plain", "hello")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", body)

	big := strings.Repeat("0123456789", 100000)
	status, body = post(t, srv.Client(), srv.URL+"/echo", "text/plain", big)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, len(big), len(body))
	assert.Equal(t, big, body)
}

func Test_HTTPHandler_FullDuplexEcho(t *testing.T) {
	defer leaktest.Check(t)()
	conf := DefaultConnectionConfig()
	conf.FullDuplex = true
	conf.ReadChunkSize = 1024
	conf.WriteBufferHighWaterMark = 4096
	p, srv := newHTTPTestServer(t, testRoutes(), conf)
	defer p.Close()
	defer srv.Close()

	big := strings.Repeat("abcdefgh", 128*1024)
	status, body := post(t, srv.Client(), srv.URL+"/echo", "application/octet-stream", big)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, big, body)
}

func Test_HTTPHandler_NDJSONRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()
	conf := DefaultConnectionConfig()
	conf.FullDuplex = true
	conf.ReadChunkSize = 64
	p, srv := newHTTPTestServer(t, testRoutes(), conf)
	defer p.Close()
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/ndjson", "application/x-ndjson", strings.NewReader(ndjsonBody(500)))
	if !assert.NoError(t, err) {
		return
	}
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	dec := json.NewDecoder(resp.Body)
	n := 0
	for {
		var it item
		if err := dec.Decode(&it); err != nil {
			assert.Equal(t, io.EOF, err)
			break
		}
		assert.Equal(t, n, it.N)
		n++
	}
	assert.Equal(t, 500, n)
}

func Test_HTTPHandler_Errors(t *testing.T) {
	defer leaktest.Check(t)()
	p, srv := newHTTPTestServer(t, testRoutes(), DefaultConnectionConfig())
	defer p.Close()
	defer srv.Close()

	status, body := post(t, srv.Client(), srv.URL+"/teapot", "", "")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "I'm a teapot\n", body)

	status, _ = post(t, srv.Client(), srv.URL+"/ndjson", "application/xml", "<a/>")
	assert.Equal(t, http.StatusUnsupportedMediaType, status)

	status, _ = post(t, srv.Client(), srv.URL+"/missing", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func Test_HTTPHandler_ClientDisconnect(t *testing.T) {
	defer leaktest.Check(t)()
	var once sync.Once
	cancelled := make(chan struct{})
	h := HandlerFunc(func(req *Request, rw Responder) {
		ch := NewChunkChannel(1)
		payload := bytes.Repeat([]byte("x"), 1024)
		ch.OnDemand(func(n int64) {
			for ; n > 0; n-- {
				if ch.Offer(NewChunk(payload)) != nil {
					return
				}
			}
		})
		ch.OnCancel(func() { once.Do(func() { close(cancelled) }) })
		_ = rw.Respond(NewResponse(http.StatusOK, ch))
	})
	conf := DefaultConnectionConfig()
	conf.WriteBufferHighWaterMark = 8192
	p, srv := newHTTPTestServer(t, h, conf)
	defer p.Close()
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/forever")
	if !assert.NoError(t, err) {
		return
	}
	buf := make([]byte, 16*1024)
	_, err = io.ReadFull(resp.Body, buf)
	assert.NoError(t, err)
	assert.NoError(t, resp.Body.Close())

	select {
	case <-cancelled:
	case <-time.After(timeoutShort):
		t.Fatal("producer not cancelled after the client went away")
	}
	assert.Eventually(t, func() bool { return p.Active() == 0 }, timeoutShort, tickShort)
}

func Test_HTTPHandler_WebSocket(t *testing.T) {
	defer leaktest.Check(t)()
	p := newTestPipeline(echoHandler())
	defer p.Close()
	h := NewHTTPHandler(p)
	h.WebSocket = true
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if !assert.NoError(t, err) {
		return
	}
	defer conn.Close()
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	mt, msg, err := conn.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "ping", string(msg))

	assert.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func Test_isWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.False(t, isWebSocketUpgrade(r))
	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, isWebSocketUpgrade(r))
}

func Test_FastHTTPHandler_Echo(t *testing.T) {
	conf := DefaultConnectionConfig()
	conf.FullDuplex = true
	p := newTestPipeline(testRoutes(), WithConnection(conf))
	defer p.Close()
	ln := fasthttputil.NewInmemoryListener()
	srv := NewFastHTTPServer(p)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://flowpipe/echo")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("text/plain")
	body := strings.Repeat("fast ", 10000)
	req.SetBodyString(body)
	assert.NoError(t, client.Do(req, resp))
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "text/plain", string(resp.Header.ContentType()))
	assert.Equal(t, body, string(resp.Body()))

	req.Reset()
	resp.Reset()
	req.SetRequestURI("http://flowpipe/teapot")
	assert.NoError(t, client.Do(req, resp))
	assert.Equal(t, fasthttp.StatusTeapot, resp.StatusCode())
	assert.Equal(t, "I'm a teapot\n", string(resp.Body()))

	client.CloseIdleConnections()
	assert.NoError(t, srv.Shutdown())
	assert.NoError(t, <-served)
}

func Test_FastHead(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/a/b?c=d")
	ctx.Request.Header.SetMethod("PUT")
	ctx.Request.Header.SetHost("example.com")
	ctx.Request.Header.Set("X-Thing", "1")
	head := FastHead(&ctx)
	assert.Equal(t, "PUT", head.Method)
	assert.Equal(t, "/a/b?c=d", head.RequestURI)
	assert.Equal(t, "/a/b", head.URL.Path)
	assert.Equal(t, "example.com", head.Host)
	assert.Equal(t, "1", head.Header.Get("X-Thing"))
}
