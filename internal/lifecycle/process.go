package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitInterrupted = 130
	ExitTerminated  = 143
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Process carries the root context, the signal that cancelled it (if any) and the cleanup hooks registered by
// owning components. Hooks run in reverse registration order.
type Process struct {
	ctx    context.Context
	cancel context.CancelFunc
	sigs   chan os.Signal

	mu       sync.Mutex
	received os.Signal
	hooks    []hook
	done     chan struct{}
	stopOnce sync.Once
	// exit is called when a second signal arrives before shutdown completes.
	exit func(code int)
}

func New(parent context.Context) *Process {
	ctx, cancel := context.WithCancel(parent)
	p := &Process{
		ctx:    ctx,
		cancel: cancel,
		sigs:   make(chan os.Signal, 2),
		done:   make(chan struct{}),
		exit:   os.Exit,
	}
	signal.Notify(p.sigs, syscall.SIGINT, syscall.SIGTERM)
	go p.watch()
	return p
}

func (p *Process) watch() {
	select {
	case sig := <-p.sigs:
		p.mu.Lock()
		p.received = sig
		p.mu.Unlock()
		slog.Warn("signal received, draining in-flight work, send it again to exit now.",
			slog.String("signal", sig.String()))
		p.cancel()
	case <-p.done:
		return
	}

	select {
	case sig := <-p.sigs:
		slog.Error("second signal received, exiting without cleanup.", slog.String("signal", sig.String()))
		p.exit(signalExitCode(sig))
	case <-p.done:
	}
}

func (p *Process) Context() context.Context {
	return p.ctx
}

// Signal returns the signal that stopped the process, or nil.
func (p *Process) Signal() os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// OnShutdown registers a named cleanup hook.
func (p *Process) OnShutdown(name string, fn func(ctx context.Context) error) {
	p.mu.Lock()
	p.hooks = append(p.hooks, hook{name: name, fn: fn})
	p.mu.Unlock()
}

// Shutdown cancels the root context and runs every hook, last registered first, within timeout. It returns the
// joined hook errors. Calling it again is a no-op.
func (p *Process) Shutdown(timeout time.Duration) error {
	var errs []error
	p.stopOnce.Do(func() {
		p.cancel()

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		p.mu.Lock()
		hooks := p.hooks
		p.hooks = nil
		p.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			slog.Debug("running cleanup hook.", slog.String("hook", h.name))
			if err := h.fn(ctx); err != nil {
				slog.Error("cleanup hook failed.", slog.String("hook", h.name), slog.String("err", err.Error()))
				errs = append(errs, err)
			}
		}

		// signals stay watched until the hooks are done so a second one can still force the exit
		signal.Stop(p.sigs)
		close(p.done)
	})
	return errors.Join(errs...)
}

// ExitCode maps the run outcome to the process exit status. A received signal wins over runErr, since a
// signal-driven stop is expected to surface cancellation errors.
func (p *Process) ExitCode(runErr error) int {
	if sig := p.Signal(); sig != nil {
		return signalExitCode(sig)
	}
	if runErr != nil {
		return ExitFailure
	}
	return ExitOK
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return ExitTerminated
	}
	return ExitInterrupted
}

// notify is used by tests to simulate a delivered signal.
func (p *Process) notify(sig os.Signal) {
	p.sigs <- sig
}
