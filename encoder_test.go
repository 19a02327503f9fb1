package flowpipe

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func collectChunks(t *testing.T, pub Publisher[*Chunk]) (string, []int, error) {
	r := newRecorder[*Chunk](1 << 20)
	pub.Subscribe(r)
	items, err, completed, _ := r.snapshot()
	if err == nil {
		assert.True(t, completed)
	}
	var sb strings.Builder
	var sizes []int
	for _, c := range items {
		sb.Write(c.Bytes())
		sizes = append(sizes, c.Len())
		assert.NoError(t, c.Release())
	}
	return sb.String(), sizes, err
}

func Test_Encode_NDJSON(t *testing.T) {
	pool := NewChunkPool(64, 4)
	body, sizes, err := collectChunks(t, Encode(context.Background(), Just(item{1}, item{2}), NDJSON, pool, DefaultEncodePolicy))
	assert.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", body)
	assert.Equal(t, []int{8, 8}, sizes)
}

func Test_Encode_Batching(t *testing.T) {
	pool := NewChunkPool(64, 4)
	policy := EncodePolicy{BatchValues: 3}
	body, sizes, err := collectChunks(t, Encode(context.Background(), Just(1, 2, 3, 4), JSONArray, pool, policy))
	assert.NoError(t, err)
	assert.Equal(t, "[1,2,3,4]", body)
	assert.Equal(t, []int{6, 3}, sizes)
}

func Test_Encode_LargeValueSpansChunks(t *testing.T) {
	pool := NewChunkPool(16, 4)
	long := strings.Repeat("x", 40)
	body, sizes, err := collectChunks(t, Encode(context.Background(), Just(long), Raw, pool, DefaultEncodePolicy))
	assert.NoError(t, err)
	assert.Equal(t, long, body)
	assert.Equal(t, []int{16, 16, 8}, sizes)
}

func Test_Encode_EmptyArray(t *testing.T) {
	pool := NewChunkPool(16, 4)
	body, _, err := collectChunks(t, Encode(context.Background(), Empty[int](), JSONArray, pool, DefaultEncodePolicy))
	assert.NoError(t, err)
	assert.Equal(t, "[]", body)
}

func Test_Encode_MarshalError(t *testing.T) {
	pool := NewChunkPool(16, 4)
	src := NewChannel[interface{}](4, nil)
	done := false
	src.OnDemand(func(n int64) {
		if !done {
			done = true
			src.Offer(1)
			src.Offer(make(chan int))
		}
	})
	_, _, err := collectChunks(t, Encode[interface{}](context.Background(), src, NDJSON, pool, EncodePolicy{BatchValues: 2}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "encode value 1")
	assert.Equal(t, StreamCancelled, src.State())
}

func Test_Encode_UpstreamError(t *testing.T) {
	pool := NewChunkPool(16, 4)
	_, _, err := collectChunks(t, Encode(context.Background(), Failed[int](errors.New("upstream")), NDJSON, pool, DefaultEncodePolicy))
	assert.EqualError(t, err, "upstream")
}

func Test_Encode_RespectsDownstreamDemand(t *testing.T) {
	pool := NewChunkPool(4, 4)
	requested := int64(0)
	src := NewChannel[string](1, nil)
	src.OnDemand(func(n int64) { requested += n })
	r := newRecorder[*Chunk](0)
	Encode[string](context.Background(), src, Raw, pool, DefaultEncodePolicy).Subscribe(r)
	assert.Equal(t, int64(0), requested, "nothing requested without downstream demand")
	r.request(1)
	assert.Equal(t, int64(1), requested)
	assert.NoError(t, src.Offer("abcdefghij"))
	items, _, _, _ := r.snapshot()
	assert.Len(t, items, 1)
	assert.Equal(t, int64(1), requested, "staged bytes are emitted before asking for more")
	r.request(5)
	items, _, _, _ = r.snapshot()
	assert.Len(t, items, 3)
	assert.Equal(t, int64(2), requested)
	for _, c := range items {
		c.Release()
	}
}

func Test_EncodeDecode_RoundTrip(t *testing.T) {
	pool := NewChunkPool(7, 4)
	values := []item{{1}, {22}, {333}, {4444}, {55555}}
	for _, ct := range []string{"application/x-ndjson", "application/json"} {
		cr := lookup[item](t, ct)
		encoded := Encode(context.Background(), FromSlice(values), cr.Codec, pool, EncodePolicy{BatchValues: 2})
		r := newRecorder[item](100)
		Decode[item](context.Background(), encoded, cr).Subscribe(r)
		items, err, completed, _ := r.snapshot()
		assert.NoError(t, err, ct)
		assert.True(t, completed, ct)
		assert.Equal(t, values, items, ct)
	}
}

// decodeEverySplit encodes values and decodes them back with the encoded
// bytes split in two at every offset.
func decodeEverySplit[T any](t *testing.T, contentType string, values []T) string {
	t.Helper()
	cr := lookup[T](t, contentType)
	encoded, _, err := collectChunks(t, Encode(context.Background(), FromSlice(values), cr.Codec, NewChunkPool(64, 4), DefaultEncodePolicy))
	assert.NoError(t, err)
	for i := 1; i < len(encoded); i++ {
		src := newChunkSource(encoded[:i], encoded[i:])
		r := newRecorder[T](10)
		Decode[T](context.Background(), src, cr).Subscribe(r)
		items, err, completed, _ := r.snapshot()
		assert.NoError(t, err, "%s split at %d", contentType, i)
		assert.True(t, completed, "%s split at %d", contentType, i)
		assert.Equal(t, values, items, "%s split at %d", contentType, i)
	}
	return encoded
}

func Test_EncodeDecode_EverySplit(t *testing.T) {
	values := []string{"a", "b", "c"}
	assert.Equal(t, "\"a\"\n\"b\"\n\"c\"\n", decodeEverySplit(t, "application/x-ndjson", values))
	assert.Equal(t, `["a","b","c"]`, strings.TrimSpace(decodeEverySplit(t, "application/json", values)))
	decodeEverySplit(t, "application/json", []item{{1}, {-22}, {333}})
}

func Test_EncodeDecode_EverySplit_SSE(t *testing.T) {
	events := []Event{
		{ID: "1", Event: "tick", Data: "a\nb"},
		{Data: "c"},
		{ID: "3", Retry: 1500, Data: "{\"n\":3}"},
	}
	encoded := decodeEverySplit(t, "text/event-stream", events)
	assert.True(t, strings.HasPrefix(encoded, "id: 1\nevent: tick\ndata: a\ndata: b\n\n"), encoded)
	decodeEverySplit(t, "text/event-stream", []string{"x", "y z"})
}
