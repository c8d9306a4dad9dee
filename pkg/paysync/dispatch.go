package paysync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherClosed is returned by Dispatch after the dispatcher was stopped
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher hands a recorded event over for asynchronous processing.
// Dispatch must not block on processing; rows that could not be handed over
// stay pending and are picked up by the Sweeper.
type Dispatcher interface {
	Dispatch(ctx context.Context, key EventKey) error
}

// KeyHandler processes the ledger row identified by key. Processor implements it.
type KeyHandler interface {
	HandleKey(ctx context.Context, key EventKey) error
}

// WorkerPoolConfig configures the in-process dispatcher
type WorkerPoolConfig struct {
	// Workers is the number of concurrent processing goroutines. Default: 4
	Workers int

	// QueueSize is the buffered queue capacity. Default: 1024
	QueueSize int

	// JobTimeout bounds a single processing attempt. Default: 30s
	JobTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// WorkerPool is an in-process Dispatcher backed by a buffered channel.
type WorkerPool struct {
	handler KeyHandler
	config  WorkerPoolConfig
	queue   chan EventKey

	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewWorkerPool creates a worker pool. Call Start before dispatching.
func NewWorkerPool(handler KeyHandler, config WorkerPoolConfig) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &WorkerPool{
		handler: handler,
		config:  config,
		queue:   make(chan EventKey, config.QueueSize),
	}
}

// Start launches the workers. Jobs run with contexts derived from ctx.
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.config.Workers; i++ {
			p.wg.Add(1)
			go p.work(ctx)
		}
	})
}

// Dispatch enqueues key without blocking. Returns ErrQueueFull when the
// buffer is full.
func (p *WorkerPool) Dispatch(_ context.Context, key EventKey) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	select {
	case p.queue <- key:
		p.config.Metrics.RecordQueueDepth(len(p.queue))
		return nil
	default:
		p.config.Logger.Warn("dispatch queue full", keyFields(key)...)
		return ErrQueueFull
	}
}

// Depth returns the number of queued keys.
func (p *WorkerPool) Depth() int {
	return len(p.queue)
}

// Stop closes the queue and waits for the workers to drain it.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context) {
	defer p.wg.Done()
	for key := range p.queue {
		p.config.Metrics.RecordQueueDepth(len(p.queue))
		jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
		if err := p.handler.HandleKey(jobCtx, key); err != nil {
			p.config.Logger.Warn("dispatched event left pending", append(keyFields(key), errField(err))...)
		}
		cancel()
	}
}

// DispatcherFunc adapts a function to the Dispatcher interface
type DispatcherFunc func(ctx context.Context, key EventKey) error

// Dispatch implements Dispatcher
func (f DispatcherFunc) Dispatch(ctx context.Context, key EventKey) error { return f(ctx, key) }
