package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saved []*Snapshot
	fail  error
}

func (m *memStore) Load(context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return &Snapshot{}, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memStore) Save(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved = append(m.saved, s)
	return nil
}

func TestTracker_FlushesEveryN(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, 10)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, tr.Add(ctx, string(rune('a'+i))+".example"))
	}
	assert.Len(t, store.saved, 2, "25 additions flush twice with a batch of 10")
	assert.Len(t, store.saved[1].Processed, 20)

	require.NoError(t, tr.Flush(ctx))
	assert.Len(t, store.saved, 3)
	assert.Len(t, store.saved[2].Processed, 25)

	require.NoError(t, tr.Flush(ctx))
	assert.Len(t, store.saved, 3, "nothing pending, nothing written")
}

func TestTracker_DuplicatesDoNotCount(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, 2)
	ctx := context.Background()

	require.NoError(t, tr.Add(ctx, "a.example"))
	require.NoError(t, tr.Add(ctx, "A.example "))
	assert.Empty(t, store.saved)
	assert.Equal(t, 1, tr.Len())
	assert.True(t, tr.Contains("a.EXAMPLE"))
}

func TestTracker_FailedFlushStaysPending(t *testing.T) {
	store := &memStore{fail: errors.New("disk full")}
	tr := NewTracker(store, 1)
	ctx := context.Background()

	require.Error(t, tr.Add(ctx, "a.example"))
	store.fail = nil
	require.NoError(t, tr.Flush(ctx))
	require.Len(t, store.saved, 1)
	assert.Equal(t, []string{"a.example"}, store.saved[0].Processed)
}

func TestTracker_Load(t *testing.T) {
	store := &memStore{saved: []*Snapshot{{Processed: []string{"a.example", "b.example"}}}}
	tr := NewTracker(store, 10)
	require.NoError(t, tr.Load(context.Background()))
	assert.True(t, tr.Contains("a.example"))
	assert.True(t, tr.Contains("b.example"))
	assert.False(t, tr.Contains("c.example"))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	store := NewFileStore(path)
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Processed)

	tr := NewTracker(store, 2)
	require.NoError(t, tr.Add(ctx, "b.example"))
	require.NoError(t, tr.Add(ctx, "a.example"))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, loaded.Processed)
	assert.False(t, loaded.Timestamp.IsZero())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = store.Load(ctx)
	assert.Error(t, err)
}
