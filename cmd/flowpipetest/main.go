package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// echoTester drives the demo routes of a running flowpipe server and checks
// that what comes back matches what was sent.
type echoTester struct {
	Base   string
	Client *http.Client
	failed int32
}

func (e *echoTester) failf(format string, args ...interface{}) {
	atomic.AddInt32(&e.failed, 1)
	fmt.Printf(format, args...)
}

func (e *echoTester) do(method, path, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequest(method, e.Base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func (e *echoTester) echo(path, contentType string, body []byte) {
	status, actual, err := e.do(http.MethodPost, path, contentType, body)
	switch {
	case err != nil:
		e.failf("%s: no echo received: %v\n", path, err)
	case status != http.StatusOK:
		e.failf("%s: status %d: %s\n", path, status, actual)
	case !bytes.Equal(body, actual):
		e.failf("%s: expect:\n[%s]\nactual:\n[%s]\n", path, abbrev(body), abbrev(actual))
	}
}

func (e *echoTester) expect(method, path, contentType string, body []byte, wantStatus int, want string) {
	status, actual, err := e.do(method, path, contentType, body)
	switch {
	case err != nil:
		e.failf("%s %s: %v\n", method, path, err)
	case status != wantStatus:
		e.failf("%s %s: expected status %d, got %d: %s\n", method, path, wantStatus, status, actual)
	case want != "" && string(actual) != want:
		e.failf("%s %s: expect:\n[%s]\nactual:\n[%s]\n", method, path, want, actual)
	}
}

func abbrev(b []byte) string {
	if len(b) > 256 {
		return fmt.Sprintf("%s... (%d bytes)", b[:256], len(b))
	}
	return string(b)
}

func ndjsonLines(n int) []byte {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "{\"n\":%d,\"s\":\"foobar! %d\"}\n", i, i)
	}
	return []byte(sb.String())
}

func main() {
	concurrency := flag.Int("c", 8, "concurrent clients")
	count := flag.Int("n", 100, "requests per client")
	timeout := flag.Duration("timeout", 10*time.Second, "per request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("missing required argument: base URL of flowpipe server, e.g. http://localhost:8080")
	}
	et := &echoTester{
		Base:   strings.TrimRight(args[0], "/"),
		Client: &http.Client{Timeout: *timeout},
	}

	et.expect(http.MethodGet, "/hello/world", "", nil, http.StatusOK, "hello, world\n")
	et.expect(http.MethodGet, "/no/such/route", "", nil, http.StatusNotFound, "")
	et.expect(http.MethodGet, "/sum", "", nil, http.StatusMethodNotAllowed, "")
	et.expect(http.MethodPost, "/sum", "application/json", []byte("[1, 2, 3.5]"), http.StatusOK, "{\"count\":3,\"sum\":6.5}\n")
	et.expect(http.MethodPost, "/sum", "application/json", []byte("[1, 2,"), http.StatusBadRequest, "")
	et.expect(http.MethodPost, "/sum", "application/xml", []byte("<a/>"), http.StatusUnsupportedMediaType, "")
	et.expect(http.MethodPost, "/legacy/x", "", []byte("foo"), http.StatusOK, "POST /legacy/x read 3 bytes\n")

	lotsaFooBar := bytes.Repeat([]byte("foobar! "), 8192)
	et.echo("/raw/echo", "application/octet-stream", lotsaFooBar)
	et.echo("/raw/echo", "text/plain", []byte("foo\nbar"))
	et.echo("/ndjson/echo", "application/x-ndjson", ndjsonLines(1000))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < *count; n++ {
				et.echo("/raw/echo", "text/plain", []byte(fmt.Sprintf("client %d request %d", i, n)))
			}
		}(i)
	}
	wg.Wait()
	fmt.Printf("%d echoes in %v\n", *concurrency**count, time.Since(start).Round(time.Millisecond))

	if failed := atomic.LoadInt32(&et.failed); failed > 0 {
		log.Fatalf("%d checks failed", failed)
	}
}
