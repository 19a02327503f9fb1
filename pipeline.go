package flowpipe

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Pipeline turns requests arriving on Transports into Exchanges served by
// one Handler. It owns the resources shared by those exchanges: the chunk
// pool, the codec registry and the worker pool for blocking handlers.
type Pipeline struct {
	handler        Handler
	registry       *Registry
	pool           *ChunkPool
	workers        *WorkerPool
	ownWorkers     bool
	metrics        *Metrics
	stats          StatsCollector
	log            Logger
	netLog         bool
	conf           ConnectionConfig
	ctx            context.Context
	cancel         context.CancelCauseFunc
	lastExchangeID uint64
	mu             sync.Mutex
	active         map[*Exchange]struct{}
	closed         bool
}

// Option configures a Pipeline.
type Option func(p *Pipeline)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l == nil {
			l = nopLogger{}
		}
		p.log = l
	}
}

// WithRegistry sets the codec registry. It is frozen by NewPipeline.
func WithRegistry(r *Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithChunkPool sets the pool body chunks are allocated from.
func WithChunkPool(pool *ChunkPool) Option {
	return func(p *Pipeline) { p.pool = pool }
}

// WithWorkerPool sets the pool blocking handlers run on. The caller keeps
// ownership and closes it after the Pipeline.
func WithWorkerPool(wp *WorkerPool) Option {
	return func(p *Pipeline) { p.workers = wp }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithConnection sets the per-connection configuration.
func WithConnection(conf ConnectionConfig) Option {
	return func(p *Pipeline) { p.conf = conf }
}

// WithNetLog enables debug logging of exchange state changes.
func WithNetLog(state bool) Option {
	return func(p *Pipeline) { p.netLog = state }
}

// WithContext sets the parent of every exchange context.
func WithContext(ctx context.Context) Option {
	return func(p *Pipeline) { p.ctx = ctx }
}

// NewPipeline returns a Pipeline serving h.
func NewPipeline(h Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		handler: h,
		log:     defaultLogger(),
		conf:    DefaultConnectionConfig(),
		ctx:     context.Background(),
		active:  make(map[*Exchange]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.handler == nil {
		p.handler = NotFound
	}
	if p.registry == nil {
		p.registry = DefaultRegistry()
	}
	if p.pool == nil {
		p.pool = NewChunkPool(p.conf.ReadChunkSize, DefaultMaxIdleChunks)
	}
	if p.workers == nil {
		p.workers = NewWorkerPool(DefaultWorkers, DefaultWorkerQueue)
		p.ownWorkers = true
	}
	p.stats = nopStats{}
	if p.metrics != nil {
		p.stats = p.metrics
		if p.registry.OnDecodeError == nil && !p.registry.Frozen() {
			m := p.metrics
			p.registry.OnDecodeError = func(cr *CodecRegistration, err *DecodeError) {
				m.decodeError(cr.ContentType)
			}
		}
	}
	p.workers.onPanic = func(v interface{}) {
		p.log.Error("worker panic", "panic", v)
	}
	p.registry.Freeze()
	p.ctx, p.cancel = context.WithCancelCause(p.ctx)
	return p
}

// Registry returns the codec registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// ChunkPool returns the chunk pool.
func (p *Pipeline) ChunkPool() *ChunkPool { return p.pool }

// Config returns the connection configuration.
func (p *Pipeline) Config() ConnectionConfig { return p.conf }

// Logger returns the logger.
func (p *Pipeline) Logger() Logger { return p.log }

// Serve starts an Exchange for a request whose head has been parsed and
// whose body and response are carried by t. onDone, if not nil, is called
// once the exchange is done with t.
func (p *Pipeline) Serve(head RequestHead, t Transport, onDone func(*Exchange)) (*Exchange, error) {
	return p.serve(head, t, p.conf.FullDuplex, onDone)
}

func (p *Pipeline) serve(head RequestHead, t Transport, fullDuplex bool, onDone func(*Exchange)) (*Exchange, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WithStack(serverClosedError{})
	}
	e := newExchange(p, head, t, fullDuplex, func(e *Exchange) {
		p.mu.Lock()
		delete(p.active, e)
		p.mu.Unlock()
		if onDone != nil {
			onDone(e)
		}
	})
	p.active[e] = struct{}{}
	p.mu.Unlock()
	e.start()
	return e, nil
}

// Active returns the number of exchanges in progress.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close fails the exchanges in progress and stops the worker pool if the
// Pipeline created it.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	active := make([]*Exchange, 0, len(p.active))
	for e := range p.active {
		active = append(active, e)
	}
	p.mu.Unlock()
	cause := errors.WithStack(serverClosedError{})
	p.cancel(cause)
	for _, e := range active {
		e.fail(cause)
	}
	if p.ownWorkers {
		return p.workers.Close()
	}
	return nil
}
