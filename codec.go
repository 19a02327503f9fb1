package flowpipe

import (
	"mime"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// Framer finds unit boundaries in a body. It has the bufio.SplitFunc
// contract: it returns the number of bytes consumed and the complete unit, or
// a zero advance and nil unit when it needs more input. A Framer may keep
// scanning state between calls; data always starts at the first unconsumed byte.
type Framer interface {
	Next(data []byte, atEOF bool) (advance int, unit []byte, err error)
}

// Codec converts between framed byte units and values.
type Codec interface {
	// Name identifies the codec in logs and configuration.
	Name() string
	// SelfDelimiting reports whether a malformed unit can be skipped without
	// losing the framing of the units after it.
	SelfDelimiting() bool
	// NewFramer returns a Framer for one body.
	NewFramer() Framer
	// Unmarshal decodes a unit into the value pointed to by v.
	Unmarshal(unit []byte, v interface{}) error
	// Open appends whatever precedes the first value.
	Open(dst *bytebufferpool.ByteBuffer)
	// Marshal appends v, the index'th value of the body.
	Marshal(dst *bytebufferpool.ByteBuffer, v interface{}, index int) error
	// Close appends whatever follows the last value.
	Close(dst *bytebufferpool.ByteBuffer, count int)
}

// errIncomplete is returned by a Framer at EOF when a unit was started but not finished.
type errIncomplete struct{}

func (errIncomplete) Error() string { return "incomplete unit" }

// frameError is returned by a Framer for malformed structure at byte Pos of data.
type frameError struct {
	Pos int
	Msg string
}

func (e frameError) Error() string { return e.Msg }

// TruncationPolicy says what a decoder does with an incomplete unit at the end of a body.
type TruncationPolicy int

const (
	// TruncationFail fails the stream with a TruncatedInputError.
	TruncationFail TruncationPolicy = iota
	// TruncationBestEffort drops the incomplete unit and completes the stream.
	TruncationBestEffort
)

// ParseTruncationPolicy parses "fail" or "best-effort".
func ParseTruncationPolicy(s string) (TruncationPolicy, error) {
	switch strings.ToLower(s) {
	case "", "fail":
		return TruncationFail, nil
	case "best-effort", "besteffort":
		return TruncationBestEffort, nil
	}
	return TruncationFail, errors.Errorf("unknown truncation policy %q", s)
}

func (p TruncationPolicy) String() string {
	if p == TruncationBestEffort {
		return "best-effort"
	}
	return "fail"
}

// CodecRegistration binds a codec to a content type pattern and value type.
type CodecRegistration struct {
	ContentType      string
	ValueType        reflect.Type // nil matches any value type
	Codec            Codec
	MaxBufferedBytes int
	OnTruncated      TruncationPolicy
	registry         *Registry
}

func (cr *CodecRegistration) reportSkipped(err *DecodeError) {
	if cr.registry != nil && cr.registry.OnDecodeError != nil {
		cr.registry.OnDecodeError(cr, err)
	}
}

// CodecOptions tunes a registration.
type CodecOptions struct {
	MaxBufferedBytes int
	OnTruncated      TruncationPolicy
}

// Registry maps content types and value types to codecs. It is populated at
// startup, frozen, and then read concurrently by exchanges.
type Registry struct {
	// OnDecodeError is told about units skipped by self-delimiting codecs.
	OnDecodeError func(cr *CodecRegistration, err *DecodeError)
	mu            sync.RWMutex
	regs          []*CodecRegistration
	frozen        bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a Registry with the bundled codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	opts := CodecOptions{MaxBufferedBytes: DefaultMaxBufferedBytes}
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("application/x-ndjson", nil, NDJSON, opts))
	must(r.Register("application/jsonl", nil, NDJSON, opts))
	must(r.Register("application/json", nil, JSONArray, opts))
	must(r.Register("text/event-stream", reflect.TypeOf(Event{}), SSE, opts))
	must(r.Register("text/event-stream", reflect.TypeOf(""), SSE, opts))
	must(r.Register("application/octet-stream", reflect.TypeOf([]byte(nil)), Raw, opts))
	must(r.Register("text/*", reflect.TypeOf(""), Raw, opts))
	must(r.Register("*/*", reflect.TypeOf([]byte(nil)), Raw, opts))
	return r
}

// Register adds a codec for contentType, which may be "type/subtype",
// "type/*" or "*/*". A nil valueType matches any value type.
func (r *Registry) Register(contentType string, valueType reflect.Type, codec Codec, opts CodecOptions) error {
	pattern, err := normalizeMediaPattern(contentType)
	if err != nil {
		return err
	}
	if opts.MaxBufferedBytes < 1 {
		opts.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errors.WithStack(ErrRegistryFrozen{})
	}
	r.regs = append(r.regs, &CodecRegistration{
		ContentType:      pattern,
		ValueType:        valueType,
		Codec:            codec,
		MaxBufferedBytes: opts.MaxBufferedBytes,
		OnTruncated:      opts.OnTruncated,
		registry:         r,
	})
	return nil
}

// RegisterType adds a codec for contentType and values of type T.
func RegisterType[T any](r *Registry, contentType string, codec Codec, opts CodecOptions) error {
	return r.Register(contentType, reflect.TypeOf((*T)(nil)).Elem(), codec, opts)
}

// Configure changes the options of every registration whose pattern equals
// contentType and, if valueType is not nil, whose value type is valueType.
// It returns the number of registrations changed.
func (r *Registry) Configure(contentType string, valueType reflect.Type, opts CodecOptions) (int, error) {
	pattern, err := normalizeMediaPattern(contentType)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, errors.WithStack(ErrRegistryFrozen{})
	}
	n := 0
	for _, cr := range r.regs {
		if cr.ContentType == pattern && (valueType == nil || cr.ValueType == valueType) {
			if opts.MaxBufferedBytes > 0 {
				cr.MaxBufferedBytes = opts.MaxBufferedBytes
			}
			cr.OnTruncated = opts.OnTruncated
			n++
		}
	}
	return n, nil
}

// Freeze makes the Registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the most specific registration for contentType and valueType.
// Exact media types beat "type/*", which beats "*/*", and an exact value type
// beats a nil one. Media type parameters are ignored.
func (r *Registry) Lookup(contentType string, valueType reflect.Type) (*CodecRegistration, error) {
	mediaType := "application/octet-stream"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, errors.Wrapf(ErrNoCodec{ContentType: contentType, ValueType: typeName(valueType)}, "%v", err)
		}
		mediaType = mt
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *CodecRegistration
	bestScore := -1
	for _, cr := range r.regs {
		score := mediaScore(cr.ContentType, mediaType)
		if score < 0 {
			continue
		}
		switch {
		case cr.ValueType == valueType && valueType != nil:
			score += 1
		case cr.ValueType != nil:
			continue
		}
		if score > bestScore {
			best, bestScore = cr, score
		}
	}
	if best == nil {
		return nil, errors.WithStack(ErrNoCodec{ContentType: contentType, ValueType: typeName(valueType)})
	}
	return best, nil
}

// LookupFor returns the registration for contentType and values of type T.
func LookupFor[T any](r *Registry, contentType string) (*CodecRegistration, error) {
	return r.Lookup(contentType, reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "any"
	}
	return t.String()
}

func normalizeMediaPattern(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	slash := strings.IndexByte(s, '/')
	if slash < 1 || slash == len(s)-1 {
		return "", errors.Errorf("invalid content type pattern %q", s)
	}
	if s[:slash] == "*" && s[slash+1:] != "*" {
		return "", errors.Errorf("invalid content type pattern %q", s)
	}
	return s, nil
}

// mediaScore rates how well pattern matches mediaType, or -1 if it does not.
func mediaScore(pattern, mediaType string) int {
	if pattern == mediaType {
		return 4
	}
	if pattern == "*/*" {
		return 0
	}
	if strings.HasSuffix(pattern, "/*") {
		if strings.HasPrefix(mediaType, pattern[:len(pattern)-1]) {
			return 2
		}
	}
	return -1
}
