package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/resource-scanner/internal/browser"
	"github.com/IliaW/resource-scanner/internal/capture"
	"github.com/IliaW/resource-scanner/internal/checkpoint"
	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/IliaW/resource-scanner/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type scanFunc func(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error)

type fakeScanner struct {
	fn    scanFunc
	mu    sync.Mutex
	calls map[string]int
}

func newFakeScanner(fn scanFunc) *fakeScanner {
	return &fakeScanner{fn: fn, calls: make(map[string]int)}
}

func (s *fakeScanner) Scan(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
	s.mu.Lock()
	s.calls[task.Domain]++
	s.mu.Unlock()
	return s.fn(ctx, task)
}

func (s *fakeScanner) callCount(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[domain]
}

func succeed(_ context.Context, task *model.ScanTask) (*model.ScanResult, error) {
	return &model.ScanResult{Domain: task.Domain, Success: true, Resources: []model.Resource{}}, nil
}

type fakeSink struct {
	mu       sync.Mutex
	written  []*model.ScanResult
	failFor  map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	durable  bool
}

func (s *fakeSink) Write(_ context.Context, result *model.ScanResult) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if err := s.failFor[result.Domain]; err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, result)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Durable() bool { return s.durable }

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) byDomain() map[string]*model.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.ScanResult, len(s.written))
	for _, r := range s.written {
		out[r.Domain] = r
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	last *checkpoint.Snapshot
}

func (m *memStore) Load(context.Context) (*checkpoint.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return &checkpoint.Snapshot{}, nil
	}
	return m.last, nil
}

func (m *memStore) Save(_ context.Context, s *checkpoint.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = s
	return nil
}

func (m *memStore) processed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	return m.last.Processed
}

func feed(domains ...string) <-chan string {
	ch := make(chan string, len(domains))
	for _, d := range domains {
		ch <- d
	}
	close(ch)
	return ch
}

func TestOrchestrator_ScansEveryDomain(t *testing.T) {
	defer goleak.VerifyNone(t)
	scanner := newFakeScanner(succeed)
	sink := &fakeSink{durable: true}
	store := &memStore{}
	o := NewOrchestrator(scanner, sink, checkpoint.NewTracker(store, 100), nil, Options{Concurrency: 4, MaxRetries: 2})

	domains := make([]string, 20)
	for i := range domains {
		domains[i] = fmt.Sprintf("d%02d.example", i)
	}
	summary, err := o.Run(context.Background(), feed(domains...))
	require.NoError(t, err)

	assert.EqualValues(t, 20, summary.Succeeded)
	assert.EqualValues(t, 20, summary.Persisted)
	assert.Len(t, sink.byDomain(), 20)
	assert.EqualValues(t, 1, sink.maxSeen.Load(), "writes never overlap")
	assert.Len(t, store.processed(), 20, "final flush checkpoints everything")
	for _, r := range sink.byDomain() {
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestOrchestrator_ResumeSkipsProcessed(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{last: &checkpoint.Snapshot{Processed: []string{"done.example"}}}
	scanner := newFakeScanner(succeed)
	sink := &fakeSink{durable: true}
	o := NewOrchestrator(scanner, sink, checkpoint.NewTracker(store, 10), nil,
		Options{Concurrency: 2, MaxRetries: 1, Resume: true})

	summary, err := o.Run(context.Background(), feed("done.example", "DONE.example", "new.example"))
	require.NoError(t, err)

	assert.Zero(t, scanner.callCount("done.example"))
	assert.Zero(t, scanner.callCount("DONE.example"))
	assert.Equal(t, 1, scanner.callCount("new.example"))
	assert.EqualValues(t, 2, summary.Skipped)
	assert.ElementsMatch(t, []string{"done.example", "new.example"}, store.processed())
}

func TestOrchestrator_RetriesThenRecordsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	var flaky atomic.Int32
	scanner := newFakeScanner(func(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
		switch task.Domain {
		case "broken.example":
			return nil, errors.New("net::ERR_NAME_NOT_RESOLVED")
		case "flaky.example":
			if flaky.Add(1) < 2 {
				return nil, errors.New("connection reset")
			}
		}
		return succeed(ctx, task)
	})
	sink := &fakeSink{durable: true}
	store := &memStore{}
	o := NewOrchestrator(scanner, sink, checkpoint.NewTracker(store, 10), nil,
		Options{Concurrency: 2, MaxRetries: 3, RetryDelay: time.Millisecond})

	summary, err := o.Run(context.Background(), feed("broken.example", "flaky.example"))
	require.NoError(t, err)

	assert.Equal(t, 3, scanner.callCount("broken.example"))
	assert.Equal(t, 2, scanner.callCount("flaky.example"))
	assert.EqualValues(t, 1, summary.Failed)
	assert.EqualValues(t, 1, summary.Succeeded)

	results := sink.byDomain()
	require.Contains(t, results, "broken.example")
	assert.False(t, results["broken.example"].Success)
	assert.Equal(t, 3, results["broken.example"].Attempts)
	assert.Contains(t, results["broken.example"].Error, "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, 2, results["flaky.example"].Attempts)
	assert.ElementsMatch(t, []string{"broken.example", "flaky.example"}, store.processed())
}

func TestOrchestrator_TimeoutOnEveryAttemptIsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)
	scanner := newFakeScanner(func(_ context.Context, task *model.ScanTask) (*model.ScanResult, error) {
		return nil, &capture.NavigationError{URL: "https://" + task.Domain + "/", Limit: task.Timeout,
			Err: context.DeadlineExceeded}
	})
	sink := &fakeSink{durable: true}
	store := &memStore{}
	o := NewOrchestrator(scanner, sink, checkpoint.NewTracker(store, 10), nil,
		Options{Concurrency: 2, MaxRetries: 2, Task: model.ScanTask{Timeout: 30 * time.Second}})

	_, err := o.Run(context.Background(), feed("a.example"))
	require.NoError(t, err)

	assert.Equal(t, 2, scanner.callCount("a.example"))
	r := sink.byDomain()["a.example"]
	require.NotNil(t, r)
	assert.False(t, r.Success)
	assert.Equal(t, "navigation to https://a.example/ timed out after 30s", r.Error)
	assert.Empty(t, r.Resources)
	assert.NotNil(t, r.Resources)
	assert.Equal(t, []string{"a.example"}, store.processed(), "a recorded failure counts as processed")
}

func TestOrchestrator_PersistFailureIsNotCheckpointed(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &fakeSink{durable: true, failFor: map[string]error{"bad.example": errors.New("constraint violation")}}
	store := &memStore{}
	o := NewOrchestrator(newFakeScanner(succeed), sink, checkpoint.NewTracker(store, 10), nil,
		Options{Concurrency: 2, MaxRetries: 1})

	summary, err := o.Run(context.Background(), feed("bad.example", "good.example"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, summary.PersistFailed)
	assert.Equal(t, []string{"good.example"}, store.processed())
}

func TestOrchestrator_StoreUnavailableAbortsRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	unavailable := fmt.Errorf("%w: connection refused", persistence.ErrStoreUnavailable)
	sink := &fakeSink{durable: true, failFor: map[string]error{"a.example": unavailable}}
	domains := make(chan string)
	go func() {
		defer close(domains)
		for i := 0; i < 1000; i++ {
			d := "a.example"
			if i > 0 {
				d = fmt.Sprintf("n%d.example", i)
			}
			select {
			case domains <- d:
			case <-time.After(time.Second):
				return
			}
		}
	}()
	scanner := newFakeScanner(func(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
		if task.Domain != "a.example" {
			time.Sleep(5 * time.Millisecond)
		}
		return succeed(ctx, task)
	})
	o := NewOrchestrator(scanner, sink, nil, nil, Options{Concurrency: 1, MaxRetries: 1})

	_, err := o.Run(context.Background(), domains)
	require.ErrorIs(t, err, persistence.ErrStoreUnavailable)
	assert.Less(t, len(sink.byDomain()), 999, "run stops early")
	for range domains {
	}
}

func TestOrchestrator_PoolExhaustedIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	scanner := newFakeScanner(func(context.Context, *model.ScanTask) (*model.ScanResult, error) {
		return nil, browser.ErrPoolExhausted
	})
	sink := &fakeSink{durable: true}
	o := NewOrchestrator(scanner, sink, nil, nil, Options{Concurrency: 2, MaxRetries: 3})

	_, err := o.Run(context.Background(), feed("a.example", "b.example"))
	require.ErrorIs(t, err, browser.ErrPoolExhausted)
	assert.Empty(t, sink.byDomain())
	assert.LessOrEqual(t, scanner.callCount("a.example"), 1, "pool exhaustion is not retried")
}

func TestOrchestrator_CancelledScansAreDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	quickScanned := make(chan struct{})
	scanner := newFakeScanner(func(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
		if task.Domain == "quick.example" {
			close(quickScanned)
			return succeed(ctx, task)
		}
		<-quickScanned
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sink := &fakeSink{durable: true}
	store := &memStore{}
	o := NewOrchestrator(scanner, sink, checkpoint.NewTracker(store, 10), nil,
		Options{Concurrency: 2, MaxRetries: 3})

	go func() {
		<-started
		cancel()
	}()
	summary, err := o.Run(ctx, feed("quick.example", "slow.example"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, summary.Dropped)
	assert.NotContains(t, sink.byDomain(), "slow.example")
	assert.NotContains(t, store.processed(), "slow.example")
	assert.Equal(t, 1, scanner.callCount("slow.example"))
}

func TestOrchestrator_NonDurableSinkBypassesCheckpoint(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{last: &checkpoint.Snapshot{Processed: []string{"a.example"}}}
	scanner := newFakeScanner(succeed)
	o := NewOrchestrator(scanner, &fakeSink{}, checkpoint.NewTracker(store, 1), nil,
		Options{Concurrency: 1, MaxRetries: 1, Resume: true})

	_, err := o.Run(context.Background(), feed("a.example"))
	require.NoError(t, err)
	assert.Equal(t, 1, scanner.callCount("a.example"))
	assert.Equal(t, []string{"a.example"}, store.processed(), "snapshot untouched")
}

func TestOrchestrator_TaskTemplate(t *testing.T) {
	defer goleak.VerifyNone(t)
	var seen atomic.Pointer[model.ScanTask]
	scanner := newFakeScanner(func(ctx context.Context, task *model.ScanTask) (*model.ScanResult, error) {
		seen.Store(task)
		return succeed(ctx, task)
	})
	tmpl := model.ScanTask{ExternalOnly: true, Timeout: 3 * time.Second, SRI: true}
	o := NewOrchestrator(scanner, &fakeSink{}, nil, nil, Options{Task: tmpl})

	_, err := o.Run(context.Background(), feed("x.example"))
	require.NoError(t, err)
	got := seen.Load()
	require.NotNil(t, got)
	assert.Equal(t, "x.example", got.Domain)
	assert.True(t, got.ExternalOnly)
	assert.True(t, got.SRI)
	assert.Equal(t, 3*time.Second, got.Timeout)
}
