// Package workpool runs short jobs (command handling, chat fan-out) on an
// ants goroutine pool, falling back to a plain goroutine when the pool is
// closed or saturated.
package workpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
)

// Status is a snapshot of pool occupancy.
type Status struct {
	Capacity int
	Running  int
	Free     int
}

type Option func(*Pool)

// WithFallback replaces the "go safeRun" fallback.
func WithFallback(fallback func(ctx context.Context, fn func())) Option {
	return func(p *Pool) { p.fallback = fallback }
}

func WithPoolOptions(opts ...ants.Option) Option {
	return func(p *Pool) { p.poolOptions = append(p.poolOptions, opts...) }
}

type Pool struct {
	mu          sync.RWMutex
	pool        *ants.Pool
	size        int
	fallback    func(context.Context, func())
	poolOptions []ants.Option
}

func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 64
	}
	p := &Pool{
		size: size,
		fallback: func(ctx context.Context, fn func()) {
			go safeRun(ctx, fn)
		},
		poolOptions: []ants.Option{
			ants.WithExpiryDuration(60 * time.Second),
			ants.WithNonblocking(true),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return nil
	}
	pool, err := ants.NewPool(p.size, p.poolOptions...)
	if err != nil {
		return fmt.Errorf("workpool init: %w", err)
	}
	p.pool = pool
	obslog.L().Info("workpool_start", zap.Int("size", p.size))
	return nil
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		return
	}
	pool := p.pool
	p.pool = nil
	obslog.L().Info("workpool_stop", zap.Int("running", pool.Running()))
	pool.Release()
}

func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return Status{}
	}
	c, r := p.pool.Cap(), p.pool.Running()
	return Status{Capacity: c, Running: r, Free: max(c-r, 0)}
}

func (p *Pool) Post(job func()) { p.PostCtx(context.Background(), job) }

// PostCtx drops the job when ctx is already done.
func (p *Pool) PostCtx(ctx context.Context, job func()) {
	if ctx.Err() != nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil || p.pool.IsClosed() {
		p.fallback(ctx, job)
		return
	}
	if err := p.pool.Submit(func() { safeRun(ctx, job) }); err != nil {
		obslog.L().Warn("workpool_fallback", zap.Error(err))
		p.fallback(ctx, job)
	}
}

func safeRun(ctx context.Context, fn func()) {
	defer RecoverFromError(nil)
	if ctx.Err() == nil {
		fn()
	}
}

// RecoverFromError must be deferred directly. It logs the panic with its stack
// and hands it to cb as an error.
func RecoverFromError(cb func(err error)) {
	if e := recover(); e != nil {
		obslog.L().Error("panic_recovered", zap.Any("panic", e), zap.ByteString("stack", debug.Stack()))
		if cb != nil {
			cb(fmt.Errorf("panic: %v", e))
		}
	}
}
