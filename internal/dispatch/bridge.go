package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/pkg/logx"
)

type BridgeConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type BridgeStats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	TimedOut  uint64 `json:"timed_out"`
}

type call struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Bridge runs submitted calls on a fixed pool of supervised workers. Callers
// block until their call finishes or the timeout elapses. Several workers
// keep one slow call from holding up unrelated ones.
type Bridge struct {
	mu  sync.Mutex
	cfg BridgeConfig
	log logx.Logger

	queue     chan call
	sup       *rtsup.Supervisor
	accepting bool
	submitWG  sync.WaitGroup
	stopDone  chan struct{} // non-nil while stopping

	completed atomic.Uint64
	timedOut  atomic.Uint64
}

func NewBridge(cfg BridgeConfig, log logx.Logger) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Bridge{cfg: cfg, log: log.With(logx.String("comp", "bridge"))}
}

// Start launches the workers. It is idempotent.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue != nil {
		return
	}
	b.queue = make(chan call, b.cfg.QueueSize)
	b.accepting = true
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))

	q := b.queue
	for i := 0; i < b.cfg.Workers; i++ {
		b.sup.GoRestart(fmt.Sprintf("bridge.worker.%d", i), func(c context.Context) error {
			b.work(c, q)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

func (b *Bridge) work(ctx context.Context, q <-chan call) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-q:
			if !ok {
				return
			}
			b.run(ctx, c)
		}
	}
}

// run executes one call; a panic is contained to that call.
func (b *Bridge) run(ctx context.Context, c call) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bridged call panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	c.fn(ctx)
	b.completed.Add(1)
}

// Stop refuses new calls and lets workers drain the queue until ctx ends.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	q, sup := b.queue, b.sup
	if q == nil {
		b.mu.Unlock()
		return
	}
	if b.stopDone != nil {
		done := b.stopDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	b.stopDone = done
	b.accepting = false
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.submitWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		b.mu.Lock()
		b.queue, b.sup, b.stopDone = nil, nil, nil
		b.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Submit runs fn on a worker and waits for it. It returns ErrDispatchTimeout
// when fn has not finished within the configured timeout (or ctx ends
// first); fn may still complete later.
func (b *Bridge) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	b.mu.Lock()
	if !b.accepting || b.queue == nil {
		b.mu.Unlock()
		return ErrBridgeStopped
	}
	q := b.queue
	b.submitWG.Add(1)
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	c := call{fn: fn, done: make(chan struct{})}
	select {
	case q <- c:
		b.submitWG.Done()
	case <-timer.C:
		b.submitWG.Done()
		return b.timeout(nil)
	case <-ctx.Done():
		b.submitWG.Done()
		return b.timeout(ctx.Err())
	}

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		return b.timeout(nil)
	case <-ctx.Done():
		return b.timeout(ctx.Err())
	}
}

func (b *Bridge) timeout(cause error) error {
	b.timedOut.Add(1)
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDispatchTimeout, cause)
	}
	return fmt.Errorf("%w after %s", ErrDispatchTimeout, b.cfg.Timeout)
}

func (b *Bridge) Stats() BridgeStats {
	b.mu.Lock()
	queued := 0
	if b.queue != nil {
		queued = len(b.queue)
	}
	b.mu.Unlock()
	return BridgeStats{
		Workers:   b.cfg.Workers,
		Queued:    queued,
		Completed: b.completed.Load(),
		TimedOut:  b.timedOut.Load(),
	}
}
