package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("task queue is full")
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// PoolConfig sizes the in-process executor.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// WorkerPool runs dispatched tasks on a fixed set of goroutines.
type WorkerPool struct {
	processor Processor
	cfg       PoolConfig
	logger    *zap.Logger

	queue    chan string
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewWorkerPool(processor Processor, cfg PoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan string, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Task worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
}

// Dispatch enqueues taskID without blocking.
func (p *WorkerPool) Dispatch(_ context.Context, taskID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.queue <- taskID:
		metrics.TaskQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.workerWg.Done()
	p.logger.Debug("Task worker started", zap.Int("worker", id))
	for {
		select {
		case <-p.stopCh:
			p.drain(id)
			p.logger.Debug("Task worker stopped", zap.Int("worker", id))
			return
		case taskID := <-p.queue:
			p.run(taskID)
		}
	}
}

// drain finishes whatever is still queued at shutdown.
func (p *WorkerPool) drain(id int) {
	for {
		select {
		case taskID := <-p.queue:
			p.logger.Debug("Draining queued task", zap.Int("worker", id), zap.String("task_id", taskID))
			p.run(taskID)
		default:
			return
		}
	}
}

func (p *WorkerPool) run(taskID string) {
	metrics.TaskQueueDepth.Set(float64(len(p.queue)))
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()
	if err := p.processor.Process(ctx, taskID); err != nil {
		p.logger.Error("Task processing error", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Stop rejects new work, drains the queue and waits for the workers, or
// returns ctx.Err() if ctx ends first.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Task worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
