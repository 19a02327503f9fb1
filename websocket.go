package flowpipe

import (
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsBody reads the messages of a WebSocket connection as one byte stream.
// A normal close from the peer ends the stream.
type wsBody struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (b *wsBody) Read(p []byte) (int, error) {
	for {
		if b.cur == nil {
			_, r, err := b.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			b.cur = r
		}
		n, err := b.cur.Read(p)
		if err == io.EOF {
			b.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// wsSink writes each response chunk as one message and closes the
// connection with a close message when the response ends.
type wsSink struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	msgType  int
	status   int
	closeMsg []byte
}

func (s *wsSink) WriteHead(status int, header http.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.msgType = websocket.BinaryMessage
	if mt, _, err := mime.ParseMediaType(header.Get("Content-Type")); err == nil {
		if strings.HasPrefix(mt, "text/") || mt == "application/json" || mt == "application/x-ndjson" || mt == "application/jsonl" {
			s.msgType = websocket.TextMessage
		}
	}
	s.closeMsg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if status >= 400 {
		s.closeMsg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, http.StatusText(status))
	}
	return nil
}

func (s *wsSink) Write(p []byte) error {
	return s.conn.WriteMessage(s.msgType, p)
}

func (s *wsSink) Flush() error {
	return nil
}

func (s *wsSink) Finish() error {
	s.mu.Lock()
	msg := s.closeMsg
	s.mu.Unlock()
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err == websocket.ErrCloseSent {
		// the peer closed first and was answered
		return nil
	}
	return err
}

func (s *wsSink) Abort() {
	_ = s.conn.Close()
}

// serveWebSocket upgrades the connection and serves it as a full-duplex
// exchange: inbound messages form the request body, and every response
// chunk goes out as a message.
func (h *HTTPHandler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.p.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	head := HeadFromRequest(r)
	head.ContentLength = -1
	t := newStreamTransport(&wsBody{conn: conn}, &wsSink{conn: conn}, h.p.pool.ChunkSize(), h.p.conf.WriteBufferHighWaterMark)
	t.startWriter()
	done := make(chan struct{})
	e, err := h.p.serve(head, t, true, func(*Exchange) { close(done) })
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = t.Close()
		t.waitWriter()
		return
	}
	<-done
	_ = t.Close()
	t.waitWriter()
	if e.Aborted() {
		h.p.log.Debug("websocket exchange aborted", "id", e.ID, "err", e.Err())
	}
}

