package flowpipe

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Adapter kinds.
const (
	AdapterEventLoop = "event-loop"
	AdapterContainer = "container"
)

// Container kinds used by the container adapter.
const (
	ContainerNetHTTP  = "net/http"
	ContainerFastHTTP = "fasthttp"
)

// ByteSize is a number of bytes read from strings like "64KiB" or plain integers.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return s.parse(node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (s ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s *ByteSize) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = 0
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = ByteSize(i)
		return nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return errors.Errorf("invalid size value: %q", raw)
	}
	*s = ByteSize(v)
	return nil
}

// ConnectionConfig is the per-connection configuration of a Pipeline.
type ConnectionConfig struct {
	IdleTimeout              time.Duration
	WriteBufferHighWaterMark int
	FullDuplex               bool
	ReadChunkSize            int
	MaxHeadBytes             int
}

// DefaultConnectionConfig returns the defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		IdleTimeout:              DefaultIdleTimeout,
		WriteBufferHighWaterMark: DefaultWriteBufferHighWaterMark,
		ReadChunkSize:            DefaultReadChunkSize,
		MaxHeadBytes:             DefaultMaxHeadBytes,
	}
}

// Config is the file and environment configuration of a flowpipe server.
type Config struct {
	Adapter    string        `yaml:"adapter"`
	Container  string        `yaml:"container"`
	Listen     string        `yaml:"listen"`
	WebSocket  bool          `yaml:"websocket"`
	Connection ConnSection   `yaml:"connection"`
	Workers    WorkerSection `yaml:"workers"`
	Accept     AcceptSection `yaml:"accept"`
	Codecs     []CodecConfig `yaml:"codecs"`
	Log        LogSection    `yaml:"log"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// ConnSection configures connections.
type ConnSection struct {
	IdleTimeoutMs            int64    `yaml:"idle_timeout_ms"`
	WriteBufferHighWaterMark ByteSize `yaml:"write_buffer_high_water_mark"`
	FullDuplex               bool     `yaml:"full_duplex"`
	ReadChunkSize            ByteSize `yaml:"read_chunk_size"`
	MaxHeadBytes             ByteSize `yaml:"max_head_bytes"`
}

// WorkerSection sizes the worker pool of blocking handlers.
type WorkerSection struct {
	Size  int `yaml:"size"`
	Queue int `yaml:"queue"`
}

// AcceptSection limits the rate of accepted connections. A zero rate is unlimited.
type AcceptSection struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// CodecConfig overrides the options of registered codecs.
type CodecConfig struct {
	ContentType      string   `yaml:"content_type"`
	ValueType        string   `yaml:"value_type"`
	MaxBufferedBytes ByteSize `yaml:"max_buffered_bytes"`
	OnTruncated      string   `yaml:"on_truncated"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	NetLog bool   `yaml:"netlog"`
}

// MetricsConfig configures the metrics endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"` // also serve /debug/pprof/ on Listen
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Adapter:   AdapterContainer,
		Container: ContainerNetHTTP,
		Listen:    ":8080",
		Connection: ConnSection{
			IdleTimeoutMs:            DefaultIdleTimeout.Milliseconds(),
			WriteBufferHighWaterMark: DefaultWriteBufferHighWaterMark,
			ReadChunkSize:            DefaultReadChunkSize,
			MaxHeadBytes:             DefaultMaxHeadBytes,
		},
		Workers: WorkerSection{Size: DefaultWorkers, Queue: DefaultWorkerQueue},
		Log:     LogSection{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies a
// .env file in the working directory, if any, and FLOWPIPE_* environment
// variables. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %q", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %q", path)
		}
	}
	_ = godotenv.Load(".env")
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv applies FLOWPIPE_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) (err error) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && err == nil {
			var b bool
			if b, err = strconv.ParseBool(strings.TrimSpace(v)); err != nil {
				err = errors.Wrapf(err, "%s", key)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && err == nil {
			var i int64
			if i, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				err = errors.Wrapf(err, "%s", key)
				return
			}
			*dst = i
		}
	}
	size := func(key string, dst *ByteSize) {
		if v, ok := lookup(key); ok && err == nil {
			if perr := dst.parse(v); perr != nil {
				err = errors.Wrapf(perr, "%s", key)
			}
		}
	}
	str("FLOWPIPE_ADAPTER", &c.Adapter)
	str("FLOWPIPE_CONTAINER", &c.Container)
	str("FLOWPIPE_LISTEN", &c.Listen)
	boolean("FLOWPIPE_WEBSOCKET", &c.WebSocket)
	integer("FLOWPIPE_IDLE_TIMEOUT_MS", &c.Connection.IdleTimeoutMs)
	size("FLOWPIPE_WRITE_BUFFER_HIGH_WATER_MARK", &c.Connection.WriteBufferHighWaterMark)
	boolean("FLOWPIPE_FULL_DUPLEX", &c.Connection.FullDuplex)
	size("FLOWPIPE_READ_CHUNK_SIZE", &c.Connection.ReadChunkSize)
	size("FLOWPIPE_MAX_HEAD_BYTES", &c.Connection.MaxHeadBytes)
	str("FLOWPIPE_LOG_LEVEL", &c.Log.Level)
	str("FLOWPIPE_LOG_FORMAT", &c.Log.Format)
	boolean("FLOWPIPE_NETLOG", &c.Log.NetLog)
	str("FLOWPIPE_METRICS_LISTEN", &c.Metrics.Listen)
	boolean("FLOWPIPE_METRICS_PPROF", &c.Metrics.Pprof)
	var workers, queue int64 = int64(c.Workers.Size), int64(c.Workers.Queue)
	integer("FLOWPIPE_WORKERS", &workers)
	integer("FLOWPIPE_WORKER_QUEUE", &queue)
	c.Workers.Size, c.Workers.Queue = int(workers), int(queue)
	if v, ok := lookup("FLOWPIPE_ACCEPT_RATE"); ok && err == nil {
		if c.Accept.Rate, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			err = errors.Wrap(err, "FLOWPIPE_ACCEPT_RATE")
		}
	}
	return
}

// Validate checks the configuration for values out of range.
func (c *Config) Validate() error {
	switch c.Adapter {
	case AdapterEventLoop, AdapterContainer:
	default:
		return errors.Errorf("adapter must be %q or %q, not %q", AdapterEventLoop, AdapterContainer, c.Adapter)
	}
	switch c.Container {
	case ContainerNetHTTP, ContainerFastHTTP:
	default:
		return errors.Errorf("container must be %q or %q, not %q", ContainerNetHTTP, ContainerFastHTTP, c.Container)
	}
	if c.Connection.IdleTimeoutMs < 0 {
		return errors.Errorf("connection.idle_timeout_ms must not be negative: %d", c.Connection.IdleTimeoutMs)
	}
	if c.Connection.WriteBufferHighWaterMark < 1 {
		return errors.Errorf("connection.write_buffer_high_water_mark must be positive: %d", c.Connection.WriteBufferHighWaterMark)
	}
	if c.Connection.ReadChunkSize < 1 || c.Connection.ReadChunkSize > 1<<24 {
		return errors.Errorf("connection.read_chunk_size out of range: %d", c.Connection.ReadChunkSize)
	}
	if c.Connection.MaxHeadBytes < 256 {
		return errors.Errorf("connection.max_head_bytes too small: %d", c.Connection.MaxHeadBytes)
	}
	if c.Workers.Size < 1 || c.Workers.Queue < 0 {
		return errors.Errorf("workers.size must be positive and workers.queue not negative: %d, %d", c.Workers.Size, c.Workers.Queue)
	}
	if c.Accept.Rate < 0 || c.Accept.Burst < 0 {
		return errors.Errorf("accept.rate and accept.burst must not be negative")
	}
	for _, cc := range c.Codecs {
		if _, err := codecValueType(cc.ValueType); err != nil {
			return err
		}
		if _, err := ParseTruncationPolicy(cc.OnTruncated); err != nil {
			return err
		}
	}
	if _, err := NewLogger(c.Log.Level, c.Log.Format, nil); err != nil {
		return err
	}
	return nil
}

// ConnectionConfig returns the per-connection part of c.
func (c *Config) ConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		IdleTimeout:              time.Duration(c.Connection.IdleTimeoutMs) * time.Millisecond,
		WriteBufferHighWaterMark: int(c.Connection.WriteBufferHighWaterMark),
		FullDuplex:               c.Connection.FullDuplex,
		ReadChunkSize:            int(c.Connection.ReadChunkSize),
		MaxHeadBytes:             int(c.Connection.MaxHeadBytes),
	}
}

// ApplyCodecs applies the codec overrides to r. Every override must match at
// least one registration.
func (c *Config) ApplyCodecs(r *Registry) error {
	for _, cc := range c.Codecs {
		vt, err := codecValueType(cc.ValueType)
		if err != nil {
			return err
		}
		policy, err := ParseTruncationPolicy(cc.OnTruncated)
		if err != nil {
			return err
		}
		n, err := r.Configure(cc.ContentType, vt, CodecOptions{
			MaxBufferedBytes: int(cc.MaxBufferedBytes),
			OnTruncated:      policy,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Errorf("no codec registered for %q (%s)", cc.ContentType, cc.ValueType)
		}
	}
	return nil
}

func codecValueType(name string) (reflect.Type, error) {
	switch strings.ToLower(name) {
	case "", "any":
		return nil, nil
	case "string":
		return reflect.TypeOf(""), nil
	case "bytes":
		return reflect.TypeOf([]byte(nil)), nil
	case "event":
		return reflect.TypeOf(Event{}), nil
	}
	return nil, errors.Errorf("unknown codec value type %q", name)
}
