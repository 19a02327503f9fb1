package flowpipe

import (
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// Raw passes bytes through. Every run of input bytes the decoder has on hand
// is one value, so units follow the chunking of the body.
var Raw Codec = rawCodec{}

type rawCodec struct{}

func (rawCodec) Name() string         { return "raw" }
func (rawCodec) SelfDelimiting() bool { return true }
func (rawCodec) NewFramer() Framer    { return rawFramer{} }

func (rawCodec) Unmarshal(unit []byte, v interface{}) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append([]byte(nil), unit...)
	case *string:
		*p = string(unit)
	default:
		return errors.Errorf("raw: cannot decode into %T", v)
	}
	return nil
}

func (rawCodec) Open(dst *bytebufferpool.ByteBuffer) {}

func (rawCodec) Marshal(dst *bytebufferpool.ByteBuffer, v interface{}, index int) error {
	switch p := v.(type) {
	case []byte:
		dst.B = append(dst.B, p...)
	case string:
		dst.B = append(dst.B, p...)
	case *Chunk:
		dst.B = append(dst.B, p.Bytes()...)
		return p.Release()
	default:
		return errors.Errorf("raw: cannot encode %T", v)
	}
	return nil
}

func (rawCodec) Close(dst *bytebufferpool.ByteBuffer, count int) {}

type rawFramer struct{}

func (rawFramer) Next(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	return len(data), data, nil
}
