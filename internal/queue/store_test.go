package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulqueue/internal/domain"
)

func newItem(t *testing.T, name string) *domain.DownloadItem {
	t.Helper()
	item, err := domain.NewDownloadItem(domain.NewItemParams{
		Username: "alice",
		FilePath: "/music/" + name + ".flac",
	})
	require.NoError(t, err)
	return item
}

func TestAddAndSnapshot(t *testing.T) {
	var hookActive atomic.Int32
	s := NewStore(WithSizeChangeHook(func(active, finished int) {
		hookActive.Store(int32(active))
	}))

	a, b := newItem(t, "a"), newItem(t, "b")
	s.AddActive(a)
	s.AddActive(b)

	assert.Equal(t, int32(2), hookActive.Load())

	snap := s.SnapshotActive()
	require.Len(t, snap, 2)
	assert.Same(t, a, snap[0])
	assert.Same(t, b, snap[1])

	// Mutating the snapshot must not affect the store.
	snap[0] = nil
	assert.Same(t, a, s.SnapshotActive()[0])
}

func TestRemove_ReportsPresence(t *testing.T) {
	s := NewStore()
	a := newItem(t, "a")

	assert.False(t, s.RemoveActive(a))
	assert.False(t, s.RemoveFinished(a))

	s.AddActive(a)
	assert.True(t, s.RemoveActive(a))
	assert.False(t, s.RemoveActive(a))
}

func TestMoveToFinished(t *testing.T) {
	s := NewStore()
	a := newItem(t, "a")
	s.AddActive(a)

	require.True(t, s.MoveToFinished(a))
	active, finished := s.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, finished)
	assert.False(t, s.IsActive(a))

	// Second move is a no-op; the item stays in finished exactly once.
	assert.False(t, s.MoveToFinished(a))
	assert.Len(t, s.SnapshotFinished(), 1)

	found, ok := s.FindByID(a.ID)
	require.True(t, ok)
	assert.Same(t, a, found)
}

func TestMoveToFinished_NeverInBothOrNeither(t *testing.T) {
	s := NewStore()
	const n = 200
	items := make([]*domain.DownloadItem, n)
	for i := range items {
		items[i] = newItem(t, fmt.Sprintf("t%d", i))
		s.AddActive(items[i])
	}

	done := make(chan struct{})
	var violations atomic.Int32
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			active, finished := s.Counts()
			if active+finished != n {
				violations.Add(1)
			}
		}
	}()

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(it *domain.DownloadItem) {
			defer wg.Done()
			s.MoveToFinished(it)
		}(it)
	}
	wg.Wait()
	<-done

	assert.Zero(t, violations.Load())
	active, finished := s.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, n, finished)
}

func TestAtomicTransition_FiresOnceUnderRace(t *testing.T) {
	s := NewStore()
	a := newItem(t, "a")
	s.AddActive(a)

	var fired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.AtomicTransition(a, domain.StatusCancelled, func(item *domain.DownloadItem, from, to domain.ItemStatus) {
				assert.Equal(t, domain.StatusDownloading, from)
				assert.Equal(t, domain.StatusCancelled, to)
				fired.Add(1)
			})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, domain.StatusCancelled, a.Status())
}

func TestAtomicTransition_ConflictingTargets(t *testing.T) {
	s := NewStore()
	a := newItem(t, "a")

	var fired atomic.Int32
	cb := func(*domain.DownloadItem, domain.ItemStatus, domain.ItemStatus) { fired.Add(1) }

	var wg sync.WaitGroup
	for _, target := range []domain.ItemStatus{domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed} {
		wg.Add(1)
		go func(target domain.ItemStatus) {
			defer wg.Done()
			s.AtomicTransition(a, target, cb)
		}(target)
	}
	wg.Wait()

	// Only one terminal status can win.
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, a.Status().IsTerminal())
}

func TestAtomicTransition_RejectsIllegal(t *testing.T) {
	s := NewStore()
	a := newItem(t, "a")

	called := false
	ok := s.AtomicTransition(a, domain.StatusQueued, func(*domain.DownloadItem, domain.ItemStatus, domain.ItemStatus) {
		called = true
	})
	assert.False(t, ok)
	assert.False(t, called)
	assert.Equal(t, domain.StatusDownloading, a.Status())
}
