package flowpipe

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// bodyFraming is how a response body is delimited on an HTTP/1.x connection.
type bodyFraming int

const (
	framingNone     bodyFraming = iota // no body allowed
	framingIdentity                    // Content-Length
	framingChunked                     // Transfer-Encoding: chunked
	framingClose                       // until the connection closes
)

var lastChunk = []byte("0\r\n\r\n")

// findHeadEnd returns the length of the request head at the start of b,
// including its terminating blank line, or -1 if b holds no complete head.
func findHeadEnd(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// parseHead parses a complete request head.
func parseHead(b []byte, remoteAddr string) (RequestHead, error) {
	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return RequestHead{}, errors.WithStack(&StatusError{Code: http.StatusBadRequest, Err: err})
	}
	if len(r.TransferEncoding) > 0 {
		return RequestHead{}, errors.WithStack(&StatusError{
			Code: http.StatusNotImplemented,
			Err:  errors.Errorf("transfer encoding %q", strings.Join(r.TransferEncoding, ",")),
		})
	}
	head := HeadFromRequest(r)
	head.RemoteAddr = remoteAddr
	if head.ContentLength < 0 {
		head.ContentLength = 0
	}
	return head, nil
}

// responseFraming decides the body framing of a response to head and
// reports whether the connection must close after it.
func responseFraming(head RequestHead, status int, header http.Header) (bodyFraming, bool) {
	closeAfter := head.Close || headerHasToken(header, "Connection", "close")
	if head.Method == http.MethodHead || status == http.StatusNoContent || status == http.StatusNotModified || (status >= 100 && status < 200) {
		return framingNone, closeAfter
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if _, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return framingIdentity, closeAfter
		}
	}
	if head.ProtoMajor == 1 && head.ProtoMinor >= 1 {
		return framingChunked, closeAfter
	}
	return framingClose, true
}

// appendResponseHead appends the status line and header block to dst.
func appendResponseHead(dst []byte, status int, header http.Header, framing bodyFraming, closeAfter bool) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = append(bb.B, "HTTP/1.1 "...)
	bb.B = strconv.AppendInt(bb.B, int64(status), 10)
	bb.B = append(bb.B, ' ')
	bb.B = append(bb.B, http.StatusText(status)...)
	bb.B = append(bb.B, "\r\n"...)
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Transfer-Encoding")
	switch framing {
	case framingChunked:
		h.Set("Transfer-Encoding", "chunked")
		h.Del("Content-Length")
	case framingClose:
		h.Del("Content-Length")
	}
	if closeAfter {
		h.Set("Connection", "close")
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	_ = h.Write(bb)
	bb.B = append(bb.B, "\r\n"...)
	return append(dst, bb.B...)
}

// appendChunkFrame appends p as one chunk of a chunked body.
func appendChunkFrame(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// simpleResponse renders a complete plain text response that closes the connection.
func simpleResponse(status int) []byte {
	text := http.StatusText(status) + "\n"
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(text)))
	return append(appendResponseHead(nil, status, header, framingIdentity, true), text...)
}
