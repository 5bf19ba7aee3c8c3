package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/resource-scanner/internal"
	"github.com/IliaW/resource-scanner/internal/browser"
	"github.com/IliaW/resource-scanner/internal/checkpoint"
	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/IliaW/resource-scanner/internal/output"
	"github.com/IliaW/resource-scanner/internal/persistence"
	"github.com/IliaW/resource-scanner/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Scanner interface {
	Scan(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error)
}

type Options struct {
	Concurrency int
	// MaxRetries is the total number of scan attempts per domain.
	MaxRetries       int
	RetryDelay       time.Duration
	DomainsPerSecond float64
	Resume           bool
	// Task is copied for every domain.
	Task model.ScanTask
}

type Summary struct {
	Dispatched    int64
	Succeeded     int64
	Failed        int64
	Skipped       int64
	Dropped       int64
	Persisted     int64
	PersistFailed int64
}

type counters struct {
	dispatched, succeeded, failed, skipped, dropped, persisted, persistFailed atomic.Int64
}

func (c *counters) summary() *Summary {
	return &Summary{
		Dispatched:    c.dispatched.Load(),
		Succeeded:     c.succeeded.Load(),
		Failed:        c.failed.Load(),
		Skipped:       c.skipped.Load(),
		Dropped:       c.dropped.Load(),
		Persisted:     c.persisted.Load(),
		PersistFailed: c.persistFailed.Load(),
	}
}

// Orchestrator runs N scan workers feeding exactly one writer. Only the writer touches the sink and the
// checkpoint tracker.
type Orchestrator struct {
	scanner Scanner
	sink    output.Sink
	tracker *checkpoint.Tracker
	limiter *rate.Limiter
	metrics *telemetry.ScanMetrics
	opts    Options
	stats   counters
}

// NewOrchestrator builds the pipeline. tracker may be nil; it is ignored for sinks that are not durable.
func NewOrchestrator(scanner Scanner, sink output.Sink, tracker *checkpoint.Tracker, metrics *telemetry.ScanMetrics,
	opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if metrics == nil {
		metrics = telemetry.NoopScanMetrics()
	}
	o := &Orchestrator{
		scanner: scanner,
		sink:    sink,
		metrics: metrics,
		opts:    opts,
	}
	if tracker != nil && sink.Durable() {
		o.tracker = tracker
	}
	if opts.DomainsPerSecond > 0 {
		burst := int(opts.DomainsPerSecond)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(opts.DomainsPerSecond), burst)
	}
	return o
}

// Run consumes domains until the channel closes or ctx is cancelled. In-flight scans that finish are still
// written; scans interrupted by cancellation are dropped so a resumed run retries them. The returned error is
// non-nil only for run-level failures: pool exhaustion, an unreachable store or an unreadable checkpoint.
func (o *Orchestrator) Run(ctx context.Context, domains <-chan string) (*Summary, error) {
	started := time.Now()
	if o.tracker != nil && o.opts.Resume {
		if err := o.tracker.Load(ctx); err != nil {
			return o.stats.summary(), fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	g, gctx := errgroup.WithContext(runCtx)
	writeCtx := context.WithoutCancel(ctx)

	tasks := make(chan *model.ScanTask, o.opts.Concurrency)
	results := make(chan *model.ScanResult, o.opts.Concurrency)

	g.Go(func() error {
		defer close(tasks)
		return o.dispatch(gctx, domains, tasks)
	})

	var scanWg sync.WaitGroup
	for i := 0; i < o.opts.Concurrency; i++ {
		scanWg.Add(1)
		g.Go(func() error {
			defer scanWg.Done()
			return o.scanLoop(gctx, tasks, results)
		})
	}
	g.Go(func() error {
		scanWg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		var fatal error
		for result := range results {
			if fatal != nil {
				o.stats.dropped.Add(1)
				continue
			}
			if err := o.persist(writeCtx, result); err != nil {
				fatal = err
				abort(err)
			}
		}
		return fatal
	})

	err := g.Wait()
	if o.tracker != nil {
		if flushErr := o.tracker.Flush(writeCtx); flushErr != nil {
			slog.Error("failed to flush checkpoint.", slog.String("err", flushErr.Error()))
		}
	}

	summary := o.stats.summary()
	slog.Info("run finished.",
		slog.Int64("dispatched", summary.Dispatched),
		slog.Int64("succeeded", summary.Succeeded),
		slog.Int64("failed", summary.Failed),
		slog.Int64("skipped", summary.Skipped),
		slog.Int64("dropped", summary.Dropped),
		slog.Int64("persisted", summary.Persisted),
		slog.Int64("persist_failed", summary.PersistFailed),
		slog.Duration("elapsed", time.Since(started)))
	return summary, err
}

func (o *Orchestrator) dispatch(ctx context.Context, domains <-chan string, tasks chan<- *model.ScanTask) error {
	for {
		var domain string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case domain, ok = <-domains:
			if !ok {
				return nil
			}
		}
		if o.tracker != nil && o.tracker.Contains(domain) {
			slog.Debug("already processed, skipping.", slog.String("domain", domain))
			o.stats.skipped.Add(1)
			o.metrics.ScanSkipped(1)
			continue
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		task := o.opts.Task
		task.Domain = domain
		logState(domain, model.Pending)
		select {
		case tasks <- &task:
			o.stats.dispatched.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) scanLoop(ctx context.Context, tasks <-chan *model.ScanTask,
	results chan<- *model.ScanResult) error {
	for task := range tasks {
		if ctx.Err() != nil {
			o.stats.dropped.Add(1)
			continue
		}
		result, err := o.scan(ctx, task)
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}
		// the writer drains results until they are closed, so this never blocks forever
		results <- result
	}
	return nil
}

// scan runs up to MaxRetries attempts. It returns (nil, nil) when the domain was interrupted by cancellation
// and a non-nil error only when the pool can no longer serve any visit.
func (o *Orchestrator) scan(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
	logState(task.Domain, model.Scanning)
	attempts := 0
	var result *model.ScanResult
	operation := func() error {
		attempts++
		r, err := o.scanner.Scan(ctx, task)
		if err == nil {
			result = r
			return nil
		}
		if ctx.Err() != nil || fatalScanError(err) || errors.Is(err, internal.ErrInvalidDomain) {
			return backoff.Permanent(err)
		}
		if attempts < o.opts.MaxRetries {
			slog.Warn("scan failed, retrying.", slog.String("domain", task.Domain),
				slog.Int("attempt", attempts), slog.String("err", err.Error()))
			o.metrics.ScanRetried(1)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(o.opts.RetryDelay),
		uint64(o.opts.MaxRetries-1)), ctx)
	err := backoff.Retry(operation, b)

	switch {
	case err == nil:
		scanned := *result
		scanned.Attempts = attempts
		o.stats.succeeded.Add(1)
		o.metrics.ScanSucceeded(1)
		o.metrics.ResourcesFound(int64(len(scanned.Resources)))
		logState(task.Domain, model.Succeeded)
		return &scanned, nil
	case ctx.Err() != nil:
		slog.Info("scan interrupted, dropping.", slog.String("domain", task.Domain))
		o.stats.dropped.Add(1)
		return nil, nil
	case fatalScanError(err):
		slog.Error("browser pool can not serve visits.", slog.String("domain", task.Domain),
			slog.String("err", err.Error()))
		o.stats.dropped.Add(1)
		return nil, err
	default:
		slog.Error("scan failed.", slog.String("domain", task.Domain), slog.Int("attempts", attempts),
			slog.String("err", err.Error()))
		o.stats.failed.Add(1)
		o.metrics.ScanFailed(1)
		logState(task.Domain, model.Failed)
		return model.FailedResult(task.Domain, err, attempts), nil
	}
}

// persist is only called from the writer goroutine.
func (o *Orchestrator) persist(ctx context.Context, result *model.ScanResult) error {
	logState(result.Domain, model.Persisting)
	if err := o.sink.Write(ctx, result); err != nil {
		o.stats.persistFailed.Add(1)
		o.metrics.PersistFailed(1)
		if errors.Is(err, persistence.ErrStoreUnavailable) {
			slog.Error("store unavailable, aborting run.", slog.String("domain", result.Domain),
				slog.String("err", err.Error()))
			return err
		}
		slog.Error("failed to persist result, domain stays unprocessed.", slog.String("domain", result.Domain),
			slog.String("err", err.Error()))
		return nil
	}
	o.stats.persisted.Add(1)
	o.metrics.Persisted(1)

	if o.tracker != nil {
		if err := o.tracker.Add(ctx, result.Domain); err != nil {
			slog.Error("failed to flush checkpoint.", slog.String("err", err.Error()))
		}
	}
	logState(result.Domain, model.Done)
	return nil
}

func fatalScanError(err error) bool {
	return errors.Is(err, browser.ErrPoolExhausted) || errors.Is(err, browser.ErrPoolClosed)
}

func logState(domain string, state model.ScanState) {
	slog.Debug("domain state.", slog.String("domain", domain), slog.String("state", state.String()))
}
