package flowpipe

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func Test_ByteSize_UnmarshalYAML(t *testing.T) {
	var v struct {
		A ByteSize `yaml:"a"`
		B ByteSize `yaml:"b"`
		C ByteSize `yaml:"c"`
	}
	assert.NoError(t, yaml.Unmarshal([]byte("a: 64KiB\nb: 1000\nc: 2 MB\n"), &v))
	assert.Equal(t, ByteSize(64*1024), v.A)
	assert.Equal(t, ByteSize(1000), v.B)
	assert.Equal(t, ByteSize(2000000), v.C)
	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &v))

	out, err := yaml.Marshal(v)
	assert.NoError(t, err)
	assert.Contains(t, string(out), "a: 64 KiB")
}

func Test_Config_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	conn := cfg.ConnectionConfig()
	assert.Equal(t, DefaultConnectionConfig(), conn)
	assert.Equal(t, DefaultIdleTimeout, conn.IdleTimeout)
}

func Test_LoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowpipe.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(`
adapter: event-loop
listen: 127.0.0.1:9999
connection:
  idle_timeout_ms: 1500
  write_buffer_high_water_mark: 128KiB
  full_duplex: true
  read_chunk_size: 4KiB
workers:
  size: 4
  queue: 8
codecs:
  - content_type: application/x-ndjson
    max_buffered_bytes: 1MiB
    on_truncated: best-effort
log:
  level: debug
  format: json
`), 0o600))
	t.Setenv("FLOWPIPE_LISTEN", ":7070")
	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, AdapterEventLoop, cfg.Adapter)
	assert.Equal(t, ContainerNetHTTP, cfg.Container, "unset keys keep their default")
	assert.Equal(t, ":7070", cfg.Listen, "environment overrides the file")
	conn := cfg.ConnectionConfig()
	assert.Equal(t, 1500*time.Millisecond, conn.IdleTimeout)
	assert.Equal(t, 128*1024, conn.WriteBufferHighWaterMark)
	assert.True(t, conn.FullDuplex)
	assert.Equal(t, 4096, conn.ReadChunkSize)
	assert.Equal(t, DefaultMaxHeadBytes, conn.MaxHeadBytes)
	assert.Equal(t, WorkerSection{Size: 4, Queue: 8}, cfg.Workers)
	assert.Len(t, cfg.Codecs, 1)

	r := DefaultRegistry()
	assert.NoError(t, cfg.ApplyCodecs(r))
	cr, err := r.Lookup("application/x-ndjson", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1<<20, cr.MaxBufferedBytes)
	assert.Equal(t, TruncationBestEffort, cr.OnTruncated)
}

func Test_LoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("adapter: [\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func Test_Config_ApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"FLOWPIPE_CONTAINER":                   "fasthttp",
		"FLOWPIPE_WEBSOCKET":                   "true",
		"FLOWPIPE_IDLE_TIMEOUT_MS":             "250",
		"FLOWPIPE_WRITE_BUFFER_HIGH_WATER_MARK": "1MiB",
		"FLOWPIPE_FULL_DUPLEX":                 "1",
		"FLOWPIPE_WORKERS":                     "3",
		"FLOWPIPE_ACCEPT_RATE":                 "12.5",
		"FLOWPIPE_NETLOG":                      "yes",
	}))
	assert.Error(t, err, "yes is not a bool")

	cfg = DefaultConfig()
	assert.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"FLOWPIPE_CONTAINER":                   "fasthttp",
		"FLOWPIPE_WEBSOCKET":                   "true",
		"FLOWPIPE_IDLE_TIMEOUT_MS":             "250",
		"FLOWPIPE_WRITE_BUFFER_HIGH_WATER_MARK": "1MiB",
		"FLOWPIPE_FULL_DUPLEX":                 "1",
		"FLOWPIPE_WORKERS":                     "3",
		"FLOWPIPE_ACCEPT_RATE":                 "12.5",
	})))
	assert.Equal(t, ContainerFastHTTP, cfg.Container)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, int64(250), cfg.Connection.IdleTimeoutMs)
	assert.Equal(t, ByteSize(1<<20), cfg.Connection.WriteBufferHighWaterMark)
	assert.True(t, cfg.Connection.FullDuplex)
	assert.Equal(t, 3, cfg.Workers.Size)
	assert.Equal(t, DefaultWorkerQueue, cfg.Workers.Queue)
	assert.Equal(t, 12.5, cfg.Accept.Rate)
	assert.NoError(t, cfg.Validate())

	assert.Error(t, DefaultConfig().ApplyEnv(envMap(map[string]string{"FLOWPIPE_IDLE_TIMEOUT_MS": "soon"})))
	assert.Error(t, DefaultConfig().ApplyEnv(envMap(map[string]string{"FLOWPIPE_READ_CHUNK_SIZE": "huge"})))
}

func Test_Config_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"adapter", func(c *Config) { c.Adapter = "threads" }},
		{"container", func(c *Config) { c.Container = "iis" }},
		{"idle", func(c *Config) { c.Connection.IdleTimeoutMs = -1 }},
		{"hwm", func(c *Config) { c.Connection.WriteBufferHighWaterMark = 0 }},
		{"chunk", func(c *Config) { c.Connection.ReadChunkSize = 0 }},
		{"head", func(c *Config) { c.Connection.MaxHeadBytes = 10 }},
		{"workers", func(c *Config) { c.Workers.Size = 0 }},
		{"accept", func(c *Config) { c.Accept.Burst = -1 }},
		{"value type", func(c *Config) { c.Codecs = []CodecConfig{{ContentType: "application/json", ValueType: "complex"}} }},
		{"truncation", func(c *Config) { c.Codecs = []CodecConfig{{ContentType: "application/json", OnTruncated: "maybe"}} }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.modify(cfg)
		assert.Error(t, cfg.Validate(), tt.name)
	}
}

func Test_Config_ApplyCodecs_NoMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Codecs = []CodecConfig{{ContentType: "application/xml"}}
	assert.Error(t, cfg.ApplyCodecs(DefaultRegistry()))

	cfg.Codecs = []CodecConfig{{ContentType: "text/event-stream", ValueType: "event", MaxBufferedBytes: 512}}
	r := DefaultRegistry()
	assert.NoError(t, cfg.ApplyCodecs(r))
	cr, err := r.Lookup("text/event-stream", reflect.TypeOf(Event{}))
	assert.NoError(t, err)
	assert.Equal(t, 512, cr.MaxBufferedBytes)

	r.Freeze()
	assert.Error(t, cfg.ApplyCodecs(r))
}

func Test_ParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func Test_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger("warn", "json", &buf)
	assert.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":1`)

	buf.Reset()
	l, err = NewLogger("debug", "", &buf)
	assert.NoError(t, err)
	l.Debug("text", "id", 7)
	assert.True(t, strings.Contains(buf.String(), "msg=text id=7"))

	_, err = NewLogger("info", "yaml", &buf)
	assert.Error(t, err)
}
