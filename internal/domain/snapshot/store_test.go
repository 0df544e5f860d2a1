package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func newStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir(), nil)
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)

	snap, err := s.Load("counter")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestInvalidPageID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, pageID := range []string{"", "../etc", "a/b", "page.id", "with space"} {
		t.Run(fmt.Sprintf("%q", pageID), func(t *testing.T) {
			_, err := s.Load(pageID)
			assert.ErrorIs(t, err, ErrInvalidPageID)

			_, err = s.Save(ctx, pageID, Snapshot{State: json.RawMessage(`{}`)}, nil)
			assert.ErrorIs(t, err, ErrInvalidPageID)

			_, err = s.Delete(ctx, pageID)
			assert.ErrorIs(t, err, ErrInvalidPageID)
		})
	}
}

func TestSaveAssignsVersions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "counter", Snapshot{State: json.RawMessage(`{"count":1}`), Version: 999}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, "counter", first.PageID)
	assert.False(t, first.UpdatedAt.IsZero())

	second, err := s.Save(ctx, "counter", Snapshot{State: json.RawMessage(`{"count":2}`)}, ptr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	loaded, err := s.Load("counter")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(2), loaded.Version)
	assert.JSONEq(t, `{"count":2}`, string(loaded.State))
}

func TestSaveConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "counter", Snapshot{State: json.RawMessage(`{"count":1}`), Version: 999}, nil)
	require.NoError(t, err)

	_, err = s.Save(ctx, "counter", Snapshot{State: json.RawMessage(`{"count":2}`), Version: 0}, ptr(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "counter", conflict.PageID)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	loaded, err := s.Load("counter")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(loaded.State))
}

func TestExpectedVersionWithoutSnapshot(t *testing.T) {
	s := newStore(t)

	snap, err := s.Save(context.Background(), "fresh", Snapshot{State: json.RawMessage(`[]`)}, ptr(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestVersionFollowsDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Another process wrote version 41.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shared"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared", FileName),
		[]byte(`{"state":{"a":1},"version":41,"updatedAt":"2024-01-01T00:00:00Z","pageId":"shared"}`), 0o600))

	s := NewFileStore(dir, nil)
	snap, err := s.Save(ctx, "shared", Snapshot{State: json.RawMessage(`{"a":2}`)}, ptr(41))
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Version)
}

func TestClockSurvivesDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, "p", Snapshot{State: json.RawMessage(`1`)}, nil)
		require.NoError(t, err)
	}

	existed, err := s.Delete(ctx, "p")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "p")
	require.NoError(t, err)
	assert.False(t, existed)

	snap, err := s.Save(ctx, "p", Snapshot{State: json.RawMessage(`2`)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
}

func TestConcurrentSaves(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const writers = 20
	versions := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := json.RawMessage(fmt.Sprintf(`{"writer":%d,"pad":"%0128d"}`, i, i))
			snap, err := s.Save(ctx, "busy", Snapshot{State: state}, nil)
			assert.NoError(t, err)
			if snap != nil {
				versions <- snap.Version
			}
		}(i)
	}

	// Readers never see a torn file.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := s.Load("busy")
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
	close(versions)
	<-done

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "busy"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestSaveGivesUpWithContext(t *testing.T) {
	s := newStore(t)

	release, err := s.acquire(context.Background(), "locked")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Save(ctx, "locked", Snapshot{State: json.RawMessage(`{}`)}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorruptFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "bad"), 0o755))
	require.NoError(t, os.WriteFile(s.Path("bad"), []byte(`{"state":`), 0o600))

	_, err := s.Load("bad")
	assert.ErrorIs(t, err, ErrCorrupt)

	expected := int64(3)
	_, err = s.Save(context.Background(), "bad", Snapshot{State: json.RawMessage(`{"stale":true}`)}, &expected)
	assert.ErrorIs(t, err, ErrCorrupt)
	raw, err := os.ReadFile(s.Path("bad"))
	require.NoError(t, err)
	assert.Equal(t, `{"state":`, string(raw), "a conditional save must not clobber the file")

	snap, err := s.Save(context.Background(), "bad", Snapshot{State: json.RawMessage(`{"ok":true}`)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pages, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, pages)

	for _, p := range []string{"zeta", "alpha", "mid_1"} {
		_, err := s.Save(ctx, p, Snapshot{State: json.RawMessage(`null`)}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "empty"), 0o755))

	pages, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid_1", "zeta"}, pages)
}

func TestListMissingDir(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope"), nil)

	pages, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestWatch(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Snapshot, 8)
	require.NoError(t, s.Watch(ctx, "watched", func(snap *Snapshot) { got <- snap }))

	// A separate store stands in for another process writing the file.
	other := NewFileStore(s.Dir(), nil)
	_, err := other.Save(context.Background(), "watched", Snapshot{State: json.RawMessage(`{"n":1}`)}, nil)
	require.NoError(t, err)

	select {
	case snap := <-got:
		assert.Equal(t, int64(1), snap.Version)
		assert.JSONEq(t, `{"n":1}`, string(snap.State))
	case <-time.After(2 * time.Second):
		t.Fatal("no watch event")
	}

	// The watcher advanced this store's clock.
	snap, err := s.Save(context.Background(), "watched", Snapshot{State: json.RawMessage(`{"n":2}`)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
}
