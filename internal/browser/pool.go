package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/resource-scanner/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	ErrPoolClosed    = errors.New("browser context pool is closed")
	ErrPoolExhausted = errors.New("browser context pool exhausted")
)

const resetTimeout = 15 * time.Second

// ContextFault reports a browser context that crashed or could not be created or cleaned.
type ContextFault struct {
	ID  string
	Err error
}

func (e *ContextFault) Error() string {
	return fmt.Sprintf("browser context %s fault: %v", e.ID, e.Err)
}

func (e *ContextFault) Unwrap() error {
	return e.Err
}

// Context is a pooled browser session. It is borrowed by exactly one visit at a time.
type Context struct {
	id      string
	session Session
	uses    int
	faulty  bool
}

func (c *Context) ID() string {
	return c.id
}

// Uses is the number of completed leases since the underlying session was created.
func (c *Context) Uses() int {
	return c.uses
}

// NewPage opens a tab. A failure marks the context faulty so the pool replaces it on release.
func (c *Context) NewPage(ctx context.Context) (Page, error) {
	p, err := c.session.NewPage(ctx)
	if err != nil {
		c.faulty = true
		return nil, &ContextFault{ID: c.id, Err: err}
	}
	return p, nil
}

// MarkFaulty forces the pool to destroy the context instead of reusing it.
func (c *Context) MarkFaulty() {
	c.faulty = true
}

type PoolOptions struct {
	Size           int
	MaxUses        int
	CreateAttempts int
	CreateDelay    time.Duration
}

// Pool hands out a fixed number of reusable browser contexts. Waiters are served in FIFO order.
type Pool struct {
	engine  Engine
	opts    PoolOptions
	metrics *telemetry.PoolMetrics

	mu      sync.Mutex
	idle    []*Context
	waiters []chan *Context
	live    int
	closed  bool
}

func NewPool(ctx context.Context, engine Engine, opts PoolOptions, metrics *telemetry.PoolMetrics) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 50
	}
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = 3
	}
	p := &Pool{
		engine:  engine,
		opts:    opts,
		metrics: metrics,
		idle:    make([]*Context, 0, opts.Size),
	}

	slog.Info("creating browser contexts.", slog.Int("size", opts.Size))
	for i := 0; i < opts.Size; i++ {
		c, err := p.create(ctx)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		p.idle = append(p.idle, c)
		p.live++
	}

	return p, nil
}

// Acquire returns an idle context or blocks until one is released. A context that reached the usage
// ceiling is closed and replaced before it is returned.
func (p *Pool) Acquire(ctx context.Context) (*Context, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.live == 0 {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	var c *Context
	if len(p.idle) > 0 {
		c = p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
	} else {
		w := make(chan *Context, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case got, ok := <-w:
			if !ok {
				return nil, p.unavailable()
			}
			c = got
		case <-ctx.Done():
			p.mu.Lock()
			removed := p.removeWaiter(w)
			p.mu.Unlock()
			if !removed {
				// handed over while we were giving up
				if got, ok := <-w; ok {
					p.handOver(got)
				}
			}
			return nil, ctx.Err()
		}
	}

	if c.uses >= p.opts.MaxUses {
		slog.Debug("recycling browser context.", slog.String("id", c.id), slog.Int("uses", c.uses))
		// a cancelled caller must not lose the slot
		fresh, err := p.replace(context.WithoutCancel(ctx), c)
		if err != nil {
			return nil, err
		}
		if err = ctx.Err(); err != nil {
			p.handOver(fresh)
			return nil, err
		}
		c = fresh
	}

	return c, nil
}

// Release cleans the context and returns it to the longest waiting caller or the idle set. A context that
// cannot be cleaned is destroyed and replaced.
func (p *Pool) Release(ctx context.Context, c *Context) {
	if c == nil {
		return
	}
	c.uses++

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()

	if p.isClosed() {
		p.destroy(c)
		return
	}

	if !c.faulty {
		if err := c.session.Reset(rctx); err != nil {
			slog.Warn("failed to reset browser context.", slog.String("id", c.id), slog.String("err", err.Error()))
			c.faulty = true
		}
	}
	if c.faulty {
		fresh, err := p.replace(rctx, c)
		if err != nil {
			slog.Error("failed to replace browser context.", slog.String("id", c.id),
				slog.String("err", err.Error()))
			return
		}
		c = fresh
	}

	p.handOver(c)
}

// Close destroys every idle context and the browser process. Leased contexts are destroyed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	waiters := p.waiters
	p.idle = nil
	p.waiters = nil
	p.mu.Unlock()

	slog.Info("closing browser context pool.", slog.Int("idle", len(idle)))
	for _, w := range waiters {
		close(w)
	}
	var errs []error
	for _, c := range idle {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.engine.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *Pool) create(ctx context.Context) (*Context, error) {
	attempt := 0
	var session Session
	op := func() error {
		attempt++
		s, err := p.engine.NewSession(ctx)
		if err != nil {
			slog.Warn("failed to create browser context.", slog.Int("attempt", attempt),
				slog.String("err", err.Error()))
			return err
		}
		session = s
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.CreateDelay), uint64(p.opts.CreateAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to create browser context after %d attempts: %w", attempt, err)
	}
	if p.metrics != nil {
		p.metrics.ContextsCreated(1)
	}

	return &Context{id: uuid.NewString(), session: session}, nil
}

// replace closes old and creates a fresh context in its slot. When creation fails the slot is lost; losing
// the last slot exhausts the pool.
func (p *Pool) replace(ctx context.Context, old *Context) (*Context, error) {
	p.destroy(old)
	if p.metrics != nil {
		p.metrics.ContextsRecycled(1)
	}
	fresh, err := p.create(ctx)
	if err == nil {
		return fresh, nil
	}

	p.mu.Lock()
	p.live--
	live := p.live
	var waiters []chan *Context
	if live == 0 {
		waiters = p.waiters
		p.waiters = nil
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ContextsLost(1)
	}
	for _, w := range waiters {
		close(w)
	}
	if live == 0 {
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
	}

	return nil, &ContextFault{ID: old.id, Err: err}
}

func (p *Pool) destroy(c *Context) {
	if err := c.session.Close(); err != nil {
		slog.Debug("failed to close browser context.", slog.String("id", c.id), slog.String("err", err.Error()))
	}
}

func (p *Pool) handOver(c *Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(c)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- c
	} else {
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()
}

// removeWaiter must be called with mu held.
func (p *Pool) removeWaiter(w chan *Context) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) unavailable() error {
	if p.isClosed() {
		return ErrPoolClosed
	}
	return ErrPoolExhausted
}
