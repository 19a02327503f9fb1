package flowpipe

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// SSE is the Server-Sent Events codec. It decodes into Event or string (the
// event data) and encodes Event, string and []byte values.
var SSE Codec = sseCodec{}

// Event is one Server-Sent Event.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds, 0 if absent
}

type sseCodec struct{}

func (sseCodec) Name() string         { return "sse" }
func (sseCodec) SelfDelimiting() bool { return true }
func (sseCodec) NewFramer() Framer    { return &sseFramer{} }

func (sseCodec) Unmarshal(unit []byte, v interface{}) error {
	ev, err := parseEvent(unit)
	if err != nil {
		return err
	}
	switch p := v.(type) {
	case *Event:
		*p = ev
	case *string:
		*p = ev.Data
	case *[]byte:
		*p = []byte(ev.Data)
	default:
		return errors.Errorf("sse: cannot decode into %T", v)
	}
	return nil
}

func (sseCodec) Open(dst *bytebufferpool.ByteBuffer) {}

func (sseCodec) Marshal(dst *bytebufferpool.ByteBuffer, v interface{}, index int) error {
	var ev Event
	switch p := v.(type) {
	case Event:
		ev = p
	case *Event:
		ev = *p
	case string:
		ev.Data = p
	case []byte:
		ev.Data = string(p)
	default:
		return errors.Errorf("sse: cannot encode %T", v)
	}
	if strings.ContainsAny(ev.ID, "\r\n") || strings.ContainsAny(ev.Event, "\r\n") {
		return errors.New("sse: id and event must be a single line")
	}
	if ev.ID != "" {
		dst.B = append(append(append(dst.B, "id: "...), ev.ID...), '\n')
	}
	if ev.Event != "" {
		dst.B = append(append(append(dst.B, "event: "...), ev.Event...), '\n')
	}
	if ev.Retry > 0 {
		dst.B = strconv.AppendInt(append(dst.B, "retry: "...), int64(ev.Retry), 10)
		dst.B = append(dst.B, '\n')
	}
	for _, line := range strings.Split(strings.ReplaceAll(ev.Data, "\r\n", "\n"), "\n") {
		dst.B = append(append(append(dst.B, "data: "...), line...), '\n')
	}
	dst.B = append(dst.B, '\n')
	return nil
}

func (sseCodec) Close(dst *bytebufferpool.ByteBuffer, count int) {}

// sseFramer yields the lines of an event, up to but not including the blank
// line that ends it.
type sseFramer struct {
	scanned int
}

func (f *sseFramer) Next(data []byte, atEOF bool) (int, []byte, error) {
	for {
		i := bytes.IndexByte(data[f.scanned:], '\n')
		if i < 0 {
			break
		}
		lineStart := f.scanned
		lineEnd := f.scanned + i
		f.scanned = lineEnd + 1
		if lineEnd == lineStart || (lineEnd == lineStart+1 && data[lineStart] == '\r') {
			end := f.scanned
			f.scanned = 0
			if lineStart == 0 {
				return end, nil, nil
			}
			return end, data[:lineStart], nil
		}
	}
	if !atEOF {
		return 0, nil, nil
	}
	f.scanned = 0
	if len(bytes.TrimSpace(data)) == 0 {
		return len(data), nil, nil
	}
	return 0, nil, errIncomplete{}
}

func parseEvent(unit []byte) (ev Event, err error) {
	var data []string
	for _, line := range bytes.Split(unit, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte{' '})
		}
		switch string(field) {
		case "data":
			data = append(data, string(value))
		case "event":
			ev.Event = string(value)
		case "id":
			ev.ID = string(value)
		case "retry":
			if ev.Retry, err = strconv.Atoi(string(value)); err != nil {
				return ev, errors.Wrap(err, "sse: retry")
			}
		}
	}
	ev.Data = strings.Join(data, "\n")
	return
}
