package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"mailprobe/metrics"
	"mailprobe/models"
	"mailprobe/utils"
	"mailprobe/verifier"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Verifier is satisfied by *verifier.Engine.
type Verifier interface {
	Verify(ctx context.Context, address string, opts verifier.Options) models.VerificationVerdict
}

type PoolConfig struct {
	// Workers defaults to twice the CPU count, capped at 32.
	Workers int
	// MaxRetries is how many times a faulting candidate is retried on a
	// fresh worker before it is reported as failed.
	MaxRetries int
	Logger     *logrus.Entry
}

// DefaultWorkers returns the pool size used when none is configured.
func DefaultWorkers() int {
	n := 2 * runtime.NumCPU()
	if n > 32 {
		n = 32
	}
	return n
}

// task is one sub-batch. A worker processes its addresses in order; next
// records where to resume after a fault.
type task struct {
	ctx       context.Context
	addresses []string
	opts      verifier.Options
	verdicts  []models.VerificationVerdict
	next      int
	attempts  int
	result    chan []models.VerificationVerdict
}

func (t *task) finish() {
	t.result <- t.verdicts
}

// abandon fails every address not yet processed and completes the task.
func (t *task) abandon() {
	for ; t.next < len(t.addresses); t.next++ {
		t.verdicts[t.next] = models.FailedVerdict(t.addresses[t.next])
	}
	t.finish()
}

type PoolStats struct {
	Workers  int   `json:"workers"`
	Busy     int64 `json:"busy"`
	Restarts int64 `json:"restarts"`
}

// Pool is a fixed set of long-lived workers pulling sub-batches off a
// shared queue. A worker that faults is replaced and its sub-batch is put
// back on the queue.
type Pool struct {
	verifier Verifier
	cfg      PoolConfig
	logger   *logrus.Entry

	queue chan *task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	busy     atomic.Int64
	restarts atomic.Int64
}

func NewPool(v Verifier, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		verifier: v,
		cfg:      cfg,
		logger:   cfg.Logger.WithField("component", "worker-pool"),
		queue:    make(chan *task),
		quit:     make(chan struct{}),
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.logger.WithField("workers", p.cfg.Workers).Info("starting worker pool")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop waits for in-flight sub-batches to finish. Queued ones are failed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:  p.cfg.Workers,
		Busy:     p.busy.Load(),
		Restarts: p.restarts.Load(),
	}
}

// Submit queues addresses as one sub-batch. The returned channel receives
// exactly one slice, index-aligned with addresses, once the sub-batch is
// done, cancelled, or abandoned by Stop.
func (p *Pool) Submit(ctx context.Context, addresses []string, opts verifier.Options) (<-chan []models.VerificationVerdict, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	t := &task{
		ctx:       ctx,
		addresses: addresses,
		opts:      opts,
		verdicts:  make([]models.VerificationVerdict, len(addresses)),
		result:    make(chan []models.VerificationVerdict, 1),
	}
	go p.enqueue(t)
	return t.result, nil
}

func (p *Pool) enqueue(t *task) {
	select {
	case p.queue <- t:
	case <-t.ctx.Done():
		t.abandon()
	case <-p.quit:
		t.abandon()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id)
	log.Debug("worker started")

	for {
		select {
		case <-p.quit:
			log.Debug("worker stopped")
			return
		case t := <-p.queue:
			if !p.process(id, t) {
				p.restarts.Add(1)
				p.wg.Add(1)
				go p.worker(id)
				return
			}
		}
	}
}

// process runs t to completion and reports false if the worker faulted.
func (p *Pool) process(id int, t *task) (ok bool) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.fault(id, t, r)
		}
	}()

	for ; t.next < len(t.addresses); t.next++ {
		if t.ctx.Err() != nil {
			t.abandon()
			return true
		}
		t.verdicts[t.next] = p.verifier.Verify(t.ctx, t.addresses[t.next], t.opts)
		t.attempts = 0
	}
	t.finish()
	return true
}

func (p *Pool) fault(id int, t *task, r interface{}) {
	metrics.WorkerFaults.Inc()
	address := t.addresses[t.next]
	t.attempts++

	utils.LogError("worker_fault", fmt.Errorf("panic: %v", r), map[string]interface{}{
		"worker_id": id,
		"address":   address,
		"attempt":   t.attempts,
	})

	if t.attempts > p.cfg.MaxRetries {
		t.verdicts[t.next] = models.FailedVerdict(address)
		t.next++
		t.attempts = 0
	}
	if t.next >= len(t.addresses) {
		t.finish()
		return
	}
	go p.enqueue(t)
}

// verifyInline runs one verification on the caller's goroutine with the
// same fault handling as a worker, minus the retries.
func (p *Pool) verifyInline(ctx context.Context, address string, opts verifier.Options) (v models.VerificationVerdict) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerFaults.Inc()
			utils.LogError("verify_fault", fmt.Errorf("panic: %v", r), map[string]interface{}{
				"address": address,
			})
			v = models.FailedVerdict(address)
		}
	}()
	return p.verifier.Verify(ctx, address, opts)
}
