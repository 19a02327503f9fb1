package flowpipe

import (
	"bytes"
	"encoding/json"

	"github.com/valyala/bytebufferpool"
)

var (
	// NDJSON is newline delimited JSON: one value per line.
	NDJSON Codec = ndjsonCodec{}
	// JSONArray streams the elements of a top level JSON array, and encodes
	// values as the elements of one. A body that is not an array decodes as a
	// single value.
	JSONArray Codec = jsonArrayCodec{}
)

type ndjsonCodec struct{}

func (ndjsonCodec) Name() string         { return "ndjson" }
func (ndjsonCodec) SelfDelimiting() bool { return true }
func (ndjsonCodec) NewFramer() Framer    { return &lineFramer{} }

func (ndjsonCodec) Unmarshal(unit []byte, v interface{}) error {
	return json.Unmarshal(unit, v)
}

func (ndjsonCodec) Open(dst *bytebufferpool.ByteBuffer) {}

func (ndjsonCodec) Marshal(dst *bytebufferpool.ByteBuffer, v interface{}, index int) error {
	b, err := json.Marshal(v)
	if err == nil {
		dst.B = append(append(dst.B, b...), '\n')
	}
	return err
}

func (ndjsonCodec) Close(dst *bytebufferpool.ByteBuffer, count int) {}

// lineFramer yields non-blank lines without their line ending. Every unit
// ends with a newline; a final line without one is incomplete, even when it
// happens to parse.
type lineFramer struct {
	scanned int
}

func (f *lineFramer) Next(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data[f.scanned:], '\n'); i >= 0 {
		end := f.scanned + i
		f.scanned = 0
		line := bytes.TrimSpace(data[:end])
		if len(line) == 0 {
			return end + 1, nil, nil
		}
		return end + 1, line, nil
	}
	f.scanned = len(data)
	if !atEOF {
		return 0, nil, nil
	}
	f.scanned = 0
	line := bytes.TrimSpace(data)
	if len(line) == 0 {
		return len(data), nil, nil
	}
	return 0, nil, errIncomplete{}
}

type jsonArrayCodec struct{}

func (jsonArrayCodec) Name() string         { return "json" }
func (jsonArrayCodec) SelfDelimiting() bool { return false }
func (jsonArrayCodec) NewFramer() Framer    { return &jsonFramer{} }

func (jsonArrayCodec) Unmarshal(unit []byte, v interface{}) error {
	return json.Unmarshal(unit, v)
}

func (jsonArrayCodec) Open(dst *bytebufferpool.ByteBuffer) {
	dst.B = append(dst.B, '[')
}

func (jsonArrayCodec) Marshal(dst *bytebufferpool.ByteBuffer, v interface{}, index int) error {
	b, err := json.Marshal(v)
	if err == nil {
		if index > 0 {
			dst.B = append(dst.B, ',')
		}
		dst.B = append(dst.B, b...)
	}
	return err
}

func (jsonArrayCodec) Close(dst *bytebufferpool.ByteBuffer, count int) {
	dst.B = append(dst.B, ']')
}

const (
	jsonStart = iota // before the first value
	jsonArray        // inside the top level array, between elements
	jsonValue        // inside an element, or the single top level value
	jsonDone         // after the top level value
)

// jsonFramer tracks nesting and string state so element boundaries are found
// in one pass however the body is split.
type jsonFramer struct {
	mode      int
	single    bool
	pos       int
	start     int
	depth     int
	inString  bool
	escaped   bool
	needValue bool
	haveValue bool
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (f *jsonFramer) emit(data []byte, end int) (int, []byte, error) {
	unit := data[f.start:end]
	f.pos = 0
	f.start = 0
	if f.single {
		f.mode = jsonDone
	} else {
		f.mode = jsonArray
		f.haveValue = true
		f.needValue = false
	}
	return end, unit, nil
}

func (f *jsonFramer) skip(n int) (int, []byte, error) {
	f.pos = 0
	return n, nil, nil
}

func (f *jsonFramer) Next(data []byte, atEOF bool) (int, []byte, error) {
	for f.pos < len(data) {
		c := data[f.pos]
		switch f.mode {
		case jsonStart:
			if isJSONSpace(c) {
				f.pos++
				continue
			}
			if c == '[' {
				f.mode = jsonArray
				return f.skip(f.pos + 1)
			}
			f.single = true
			f.mode = jsonValue
			f.start = f.pos
			f.depth = 0
		case jsonArray:
			switch {
			case isJSONSpace(c):
				f.pos++
			case c == ']':
				if f.needValue {
					return 0, nil, frameError{Pos: f.pos, Msg: "trailing comma in array"}
				}
				f.mode = jsonDone
				return f.skip(f.pos + 1)
			case c == ',':
				if !f.haveValue || f.needValue {
					return 0, nil, frameError{Pos: f.pos, Msg: "unexpected comma in array"}
				}
				f.needValue = true
				f.haveValue = false
				f.pos++
			default:
				if f.haveValue {
					return 0, nil, frameError{Pos: f.pos, Msg: "missing comma in array"}
				}
				f.mode = jsonValue
				f.start = f.pos
				f.depth = 0
			}
		case jsonValue:
			if f.inString {
				switch {
				case f.escaped:
					f.escaped = false
				case c == '\\':
					f.escaped = true
				case c == '"':
					f.inString = false
					if f.depth == 0 {
						return f.emit(data, f.pos+1)
					}
				}
				f.pos++
				continue
			}
			switch c {
			case '"':
				f.inString = true
			case '{', '[':
				f.depth++
			case '}', ']':
				if f.depth == 0 {
					if f.pos == f.start {
						return 0, nil, frameError{Pos: f.pos, Msg: "unexpected " + string(c)}
					}
					return f.emit(data, f.pos)
				}
				if f.depth--; f.depth == 0 {
					return f.emit(data, f.pos+1)
				}
			case ',', ' ', '\t', '\r', '\n':
				if f.depth == 0 {
					return f.emit(data, f.pos)
				}
			}
			f.pos++
		case jsonDone:
			if !isJSONSpace(c) {
				return 0, nil, frameError{Pos: f.pos, Msg: "data after top level value"}
			}
			f.pos++
		}
	}
	if !atEOF {
		if f.mode != jsonValue && f.pos > 0 {
			// consume whitespace so it does not count against the unit limit
			return f.skip(f.pos)
		}
		return 0, nil, nil
	}
	switch f.mode {
	case jsonValue:
		if f.single && f.depth == 0 && !f.inString && f.pos > f.start {
			return f.emit(data, len(data))
		}
		return 0, nil, errIncomplete{}
	case jsonArray:
		return 0, nil, errIncomplete{}
	}
	return f.skip(len(data))
}
