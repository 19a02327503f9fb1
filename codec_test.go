package flowpipe

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/bytebufferpool"
)

// frameAll feeds data to a framer in pieces of step bytes and returns the units found.
func frameAll(t *testing.T, f Framer, data string, step int) (units []string, err error) {
	var acc []byte
	feed := []byte(data)
	for {
		atEOF := len(feed) == 0
		if !atEOF {
			n := step
			if n > len(feed) {
				n = len(feed)
			}
			acc = append(acc, feed[:n]...)
			feed = feed[n:]
		}
		for {
			var advance int
			var unit []byte
			advance, unit, err = f.Next(acc, atEOF)
			if err != nil {
				return
			}
			if advance == 0 && unit == nil {
				break
			}
			if unit != nil {
				units = append(units, string(unit))
			}
			acc = acc[advance:]
		}
		if atEOF {
			assert.Empty(t, acc)
			return
		}
	}
}

func Test_LineFramer(t *testing.T) {
	for _, step := range []int{1, 3, 100} {
		units, err := frameAll(t, NDJSON.NewFramer(), "{\"a\":1}\n\n  \r\n{\"b\":2}\r\n[3]\n  ", step)
		assert.NoError(t, err)
		assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `[3]`}, units)
	}
}

func Test_LineFramer_TruncatedTail(t *testing.T) {
	units, err := frameAll(t, NDJSON.NewFramer(), "{\"a\":1}\n{\"b\":", 4)
	assert.Equal(t, []string{`{"a":1}`}, units)
	assert.IsType(t, errIncomplete{}, err)
}

func Test_LineFramer_UnterminatedValidLine(t *testing.T) {
	units, err := frameAll(t, NDJSON.NewFramer(), "1\n12", 1)
	assert.Equal(t, []string{`1`}, units)
	assert.IsType(t, errIncomplete{}, err)
}

func Test_JSONFramer_Array(t *testing.T) {
	body := ` [ {"a":[1,2,{"b":"]"}]}, "x,\"y", 12.5e3 ,true,null, [] ] `
	for _, step := range []int{1, 2, 7, 1000} {
		units, err := frameAll(t, JSONArray.NewFramer(), body, step)
		assert.NoError(t, err)
		assert.Equal(t, []string{`{"a":[1,2,{"b":"]"}]}`, `"x,\"y"`, `12.5e3`, `true`, `null`, `[]`}, units, "step %d", step)
	}
}

func Test_JSONFramer_Empty(t *testing.T) {
	units, err := frameAll(t, JSONArray.NewFramer(), "[]", 1)
	assert.NoError(t, err)
	assert.Empty(t, units)
	units, err = frameAll(t, JSONArray.NewFramer(), "  ", 1)
	assert.NoError(t, err)
	assert.Empty(t, units)
}

func Test_JSONFramer_Single(t *testing.T) {
	units, err := frameAll(t, JSONArray.NewFramer(), ` {"n": "v"} `, 3)
	assert.NoError(t, err)
	assert.Equal(t, []string{`{"n": "v"}`}, units)
	units, err = frameAll(t, JSONArray.NewFramer(), `42`, 1)
	assert.NoError(t, err)
	assert.Equal(t, []string{`42`}, units)
}

func Test_JSONFramer_Truncated(t *testing.T) {
	units, err := frameAll(t, JSONArray.NewFramer(), `[{"a":1},{"b":`, 5)
	assert.Equal(t, []string{`{"a":1}`}, units)
	assert.IsType(t, errIncomplete{}, err)
	_, err = frameAll(t, JSONArray.NewFramer(), `{"a": [1, 2`, 5)
	assert.IsType(t, errIncomplete{}, err)
	_, err = frameAll(t, JSONArray.NewFramer(), `"abc`, 5)
	assert.IsType(t, errIncomplete{}, err)
}

func Test_JSONFramer_Malformed(t *testing.T) {
	for _, body := range []string{`[1 2]`, `[1,,2]`, `[1,]`, `[,1]`, `{} {}`, `[}]`} {
		_, err := frameAll(t, JSONArray.NewFramer(), body, 1)
		assert.IsType(t, frameError{}, err, body)
	}
}

func Test_SSEFramer(t *testing.T) {
	body := "\nid: 1\ndata: a\n\n: comment\r\ndata: b\r\ndata: c\r\n\r\nevent: x\n"
	units, err := frameAll(t, SSE.NewFramer(), body, 2)
	assert.Equal(t, []string{"id: 1\ndata: a\n", ": comment\r\ndata: b\r\ndata: c\r\n"}, units)
	assert.IsType(t, errIncomplete{}, err)
}

func Test_SSE_Unmarshal(t *testing.T) {
	var ev Event
	assert.NoError(t, SSE.Unmarshal([]byte("id: 7\nevent: tick\nretry: 1500\ndata: one\ndata:two\n"), &ev))
	assert.Equal(t, Event{ID: "7", Event: "tick", Data: "one\ntwo", Retry: 1500}, ev)
	var s string
	assert.NoError(t, SSE.Unmarshal([]byte("data: hi\n"), &s))
	assert.Equal(t, "hi", s)
	assert.Error(t, SSE.Unmarshal([]byte("retry: soon\n"), &ev))
	assert.Error(t, SSE.Unmarshal([]byte("data: x\n"), new(int)))
}

func Test_SSE_Marshal(t *testing.T) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	assert.NoError(t, SSE.Marshal(bb, Event{ID: "1", Event: "e", Data: "a\nb", Retry: 10}, 0))
	assert.NoError(t, SSE.Marshal(bb, "plain", 1))
	assert.Equal(t, "id: 1\nevent: e\nretry: 10\ndata: a\ndata: b\n\ndata: plain\n\n", bb.String())
	assert.Error(t, SSE.Marshal(bb, Event{ID: "a\nb"}, 2))
	assert.Error(t, SSE.Marshal(bb, 12, 3))
}

func Test_JSONArray_Marshal(t *testing.T) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	JSONArray.Open(bb)
	assert.NoError(t, JSONArray.Marshal(bb, 1, 0))
	assert.NoError(t, JSONArray.Marshal(bb, "two", 1))
	JSONArray.Close(bb, 2)
	assert.Equal(t, `[1,"two"]`, bb.String())
	assert.Error(t, JSONArray.Marshal(bb, make(chan int), 2))
}

func Test_Raw_Codec(t *testing.T) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	assert.NoError(t, Raw.Marshal(bb, []byte("ab"), 0))
	assert.NoError(t, Raw.Marshal(bb, "cd", 1))
	assert.NoError(t, Raw.Marshal(bb, NewChunk([]byte("ef")), 2))
	assert.Error(t, Raw.Marshal(bb, 1, 3))
	assert.Equal(t, "abcdef", bb.String())
	var b []byte
	assert.NoError(t, Raw.Unmarshal([]byte("xy"), &b))
	assert.Equal(t, []byte("xy"), b)
	assert.Error(t, Raw.Unmarshal([]byte("xy"), new(int)))
}

func Test_Registry_Lookup(t *testing.T) {
	r := DefaultRegistry()
	cr, err := LookupFor[map[string]interface{}](r, "application/x-ndjson; charset=utf-8")
	assert.NoError(t, err)
	assert.Equal(t, "ndjson", cr.Codec.Name())

	cr, err = LookupFor[Event](r, "text/event-stream")
	assert.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(Event{}), cr.ValueType)

	cr, err = LookupFor[string](r, "text/plain")
	assert.NoError(t, err)
	assert.Equal(t, "raw", cr.Codec.Name())

	cr, err = LookupFor[[]byte](r, "")
	assert.NoError(t, err)
	assert.Equal(t, "application/octet-stream", cr.ContentType)

	cr, err = LookupFor[[]byte](r, "image/png")
	assert.NoError(t, err)
	assert.Equal(t, "*/*", cr.ContentType)

	_, err = LookupFor[Event](r, "text/plain")
	assert.IsType(t, ErrNoCodec{}, errors.Cause(err))
	_, err = LookupFor[int](r, "not a media type;;")
	assert.IsType(t, ErrNoCodec{}, errors.Cause(err))
}

func Test_Registry_SpecificValueTypeWins(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Register("application/json", nil, JSONArray, CodecOptions{}))
	assert.NoError(t, RegisterType[string](r, "application/json", Raw, CodecOptions{}))
	cr, err := LookupFor[string](r, "application/json")
	assert.NoError(t, err)
	assert.Equal(t, "raw", cr.Codec.Name())
	cr, err = LookupFor[int](r, "application/json")
	assert.NoError(t, err)
	assert.Equal(t, "json", cr.Codec.Name())
	assert.Equal(t, DefaultMaxBufferedBytes, cr.MaxBufferedBytes)
}

func Test_Registry_Freeze(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("nonsense", nil, Raw, CodecOptions{}))
	assert.Error(t, r.Register("*/json", nil, Raw, CodecOptions{}))
	assert.NoError(t, r.Register("Application/JSON", nil, JSONArray, CodecOptions{}))
	n, err := r.Configure("application/json", nil, CodecOptions{MaxBufferedBytes: 10, OnTruncated: TruncationBestEffort})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	cr, err := r.Lookup("application/json", nil)
	assert.NoError(t, err)
	assert.Equal(t, 10, cr.MaxBufferedBytes)
	assert.Equal(t, TruncationBestEffort, cr.OnTruncated)
	assert.False(t, r.Frozen())
	r.Freeze()
	assert.True(t, r.Frozen())
	assert.IsType(t, ErrRegistryFrozen{}, errors.Cause(r.Register("text/plain", nil, Raw, CodecOptions{})))
	_, err = r.Configure("application/json", nil, CodecOptions{})
	assert.IsType(t, ErrRegistryFrozen{}, errors.Cause(err))
}

func Test_ParseTruncationPolicy(t *testing.T) {
	p, err := ParseTruncationPolicy("best-effort")
	assert.NoError(t, err)
	assert.Equal(t, TruncationBestEffort, p)
	assert.Equal(t, "best-effort", p.String())
	p, err = ParseTruncationPolicy("")
	assert.NoError(t, err)
	assert.Equal(t, "fail", p.String())
	_, err = ParseTruncationPolicy("maybe")
	assert.Error(t, err)
}
