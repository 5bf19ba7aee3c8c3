package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Snapshot is the durable form of the processed set. It is always rewritten whole.
type Snapshot struct {
	Processed []string  `json:"processed"`
	Timestamp time.Time `json:"timestamp"`
}

type Store interface {
	// Load returns an empty snapshot when nothing was saved yet.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Tracker is the in-memory processed set. Add is called only by the single writer; Contains may be called
// from the dispatcher at the same time.
type Tracker struct {
	store      Store
	flushEvery int

	mu        sync.RWMutex
	processed map[string]struct{}
	pending   int
}

func NewTracker(store Store, flushEvery int) *Tracker {
	if flushEvery < 1 {
		flushEvery = 1
	}
	return &Tracker{
		store:      store,
		flushEvery: flushEvery,
		processed:  make(map[string]struct{}),
	}
}

// Load replaces the in-memory set with the stored snapshot. Only called when resuming.
func (t *Tracker) Load(ctx context.Context) error {
	snapshot, err := t.store.Load(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed = make(map[string]struct{}, len(snapshot.Processed))
	for _, d := range snapshot.Processed {
		t.processed[key(d)] = struct{}{}
	}
	slog.Info("checkpoint loaded.", slog.Int("processed", len(t.processed)),
		slog.Time("saved_at", snapshot.Timestamp))
	return nil
}

func (t *Tracker) Contains(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.processed[key(domain)]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processed)
}

// Add marks domain as durably processed and flushes every flushEvery additions.
func (t *Tracker) Add(ctx context.Context, domain string) error {
	t.mu.Lock()
	k := key(domain)
	if _, ok := t.processed[k]; ok {
		t.mu.Unlock()
		return nil
	}
	t.processed[k] = struct{}{}
	t.pending++
	due := t.pending >= t.flushEvery
	t.mu.Unlock()

	if due {
		return t.Flush(ctx)
	}
	return nil
}

// Flush writes the whole set when there are unsaved additions.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		return nil
	}
	snapshot := &Snapshot{
		Processed: make([]string, 0, len(t.processed)),
		Timestamp: time.Now().UTC(),
	}
	for d := range t.processed {
		snapshot.Processed = append(snapshot.Processed, d)
	}
	flushed := t.pending
	t.mu.Unlock()
	sort.Strings(snapshot.Processed)

	if err := t.store.Save(ctx, snapshot); err != nil {
		return err
	}
	t.mu.Lock()
	t.pending -= flushed
	t.mu.Unlock()
	slog.Debug("checkpoint flushed.", slog.Int("processed", len(snapshot.Processed)))
	return nil
}

func key(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
