package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

const (
	// DefaultConcurrency bounds simultaneous handler executions per worker.
	DefaultConcurrency = 4
	// DefaultRetryLimit is the queue-level redelivery cap for transient
	// failures, independent of any step retry policy.
	DefaultRetryLimit = 3
)

// PoolConfig configures the in-process pool.
type PoolConfig struct {
	Concurrency int
	RetryLimit  int
	Logger      *logrus.Entry
}

// Pool is an in-process task queue backed by a bounded worker pool. Tasks
// survive handler panics via redelivery, which gives the same at-least-once
// contract as the distributed queue, minus process-crash durability.
type Pool struct {
	cfg      PoolConfig
	mu       sync.RWMutex
	handlers map[string]Handler

	tasks   chan poolTask
	sem     *semaphore.Weighted
	pending int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

type poolTask struct {
	id      string
	name    string
	payload []byte
	attempt int
}

// NewPool creates a pool; Start must be called before tasks are executed.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.New())
	}
	return &Pool{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		tasks:    make(chan poolTask, 1024),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		done:     make(chan struct{}),
	}
}

// RegisterHandler binds a task name to its handler.
func (p *Pool) RegisterHandler(task string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[task] = h
}

// Enqueue submits a task. Handlers may enqueue follow-on tasks freely; the
// submit path never blocks the caller.
func (p *Pool) Enqueue(ctx context.Context, task string, payload []byte, opts Options) error {
	t := poolTask{id: uuid.New().String(), name: task, payload: payload, attempt: 1}
	atomic.AddInt64(&p.pending, 1)
	if opts.Delay > 0 {
		time.AfterFunc(opts.Delay, func() { p.submit(t) })
		return nil
	}
	p.submit(t)
	return nil
}

func (p *Pool) submit(t poolTask) {
	select {
	case p.tasks <- t:
	default:
		go func() {
			select {
			case p.tasks <- t:
			case <-p.done:
				atomic.AddInt64(&p.pending, -1)
			}
		}()
	}
}

// Start launches the dispatcher. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.stop = cancel
		p.wg.Add(1)
		go p.dispatch(runCtx)
	})
	return nil
}

// Stop cancels the dispatcher and waits for in-flight handlers.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		if p.stop != nil {
			p.stop()
		}
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				atomic.AddInt64(&p.pending, -1)
				return
			}
			p.wg.Add(1)
			go func(t poolTask) {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.run(ctx, t)
			}(t)
		}
	}
}

func (p *Pool) run(ctx context.Context, t poolTask) {
	defer atomic.AddInt64(&p.pending, -1)

	p.mu.RLock()
	h, ok := p.handlers[t.name]
	p.mu.RUnlock()
	if !ok {
		p.cfg.Logger.WithField("task", t.name).Warn("no handler registered, dropping task")
		return
	}

	err := p.invoke(ctx, h, t)
	if err == nil {
		return
	}

	if apperrors.IsTransient(err) && t.attempt < p.cfg.RetryLimit {
		p.cfg.Logger.WithFields(logrus.Fields{
			"task":    t.name,
			"task_id": t.id,
			"attempt": t.attempt,
		}).WithError(err).Warn("transient task failure, redelivering")
		next := t
		next.attempt++
		atomic.AddInt64(&p.pending, 1)
		p.submit(next)
		return
	}

	p.cfg.Logger.WithFields(logrus.Fields{
		"task":    t.name,
		"task_id": t.id,
		"attempt": t.attempt,
	}).WithError(err).Error("task failed")
}

func (p *Pool) invoke(ctx context.Context, h Handler, t poolTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Transient(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h(ctx, t.payload)
}

// Quiesce blocks until no tasks are queued or running, or ctx expires. Test
// helper; production shutdown uses Stop.
func (p *Pool) Quiesce(ctx context.Context) error {
	for {
		if atomic.LoadInt64(&p.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
