package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DispatcherConfig sizes the mutation worker pool.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// DefaultDispatcherConfig matches the values used when the environment is silent.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        8,
		Buffer:         256,
		Timeout:        30 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

type job struct {
	board string
	op    string
	run   func(ctx context.Context) error
}

// Dispatcher runs store mutations off the request path. When the queue stays
// full past the handoff timeout the job runs inline on the caller.
type Dispatcher struct {
	cfg    DispatcherConfig
	jobs   chan job
	logger *log.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatcherConfig().Timeout
	}
	d := &Dispatcher{cfg: cfg, jobs: make(chan job, cfg.Buffer), logger: logger}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("mutation dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return d
}

// Dispatch queues fn for board. It never reports fn's error to the caller.
func (d *Dispatcher) Dispatch(board, op string, fn func(ctx context.Context) error) {
	j := job{board: board, op: op, run: fn}
	if d.tryEnqueue(j) {
		return
	}
	d.logger.WithFields(log.Fields{"board": board, "op": op}).Warn("dispatch buffer saturated; processing inline")
	d.execute(-1, j)
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.execute(id, j)
	}
}

func (d *Dispatcher) execute(worker int, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{
			"board":  j.board,
			"op":     j.op,
			"worker": worker,
		}).Error("board mutation failed")
	}
}

// tryEnqueue hands j to a worker, waiting at most the handoff timeout for
// buffer space. It reports false once the dispatcher is closed.
func (d *Dispatcher) tryEnqueue(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- j:
		return true
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}
