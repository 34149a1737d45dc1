// Package queue owns the active and finished download collections.
package queue

import (
	"sync"
	"time"

	"soulqueue/internal/domain"
)

// TransitionFunc observes a status change that was actually applied.
type TransitionFunc func(item *domain.DownloadItem, from, to domain.ItemStatus)

// Store is the single source of truth for which items exist and which
// collection holds them. Collection membership is guarded by mu; an item's
// own fields are guarded by the item.
type Store struct {
	mu       sync.RWMutex
	active   []*domain.DownloadItem
	finished []*domain.DownloadItem

	onSizeChange func(active, finished int)
	now          func() time.Time
}

type Option func(*Store)

// WithSizeChangeHook registers fn to run after AddActive. fn is called without
// the store lock held.
func WithSizeChangeHook(fn func(active, finished int)) Option {
	return func(s *Store) {
		s.onSizeChange = fn
	}
}

// WithClock overrides the time source used to stamp terminal transitions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddActive appends item to the active collection.
func (s *Store) AddActive(item *domain.DownloadItem) {
	s.mu.Lock()
	s.active = append(s.active, item)
	active, finished := len(s.active), len(s.finished)
	s.mu.Unlock()

	if s.onSizeChange != nil {
		s.onSizeChange(active, finished)
	}
}

// RemoveActive removes item by identity. It returns false when the item was
// not in the active collection.
func (s *Store) RemoveActive(item *domain.DownloadItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	s.active, ok = remove(s.active, item)
	return ok
}

// RemoveFinished removes item by identity from the finished collection.
func (s *Store) RemoveFinished(item *domain.DownloadItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	s.finished, ok = remove(s.finished, item)
	return ok
}

// MoveToFinished moves item from active to finished under one lock, so no
// observer sees it in both collections or in neither.
func (s *Store) MoveToFinished(item *domain.DownloadItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	s.active, ok = remove(s.active, item)
	if !ok {
		return false
	}
	s.finished = append(s.finished, item)
	return true
}

// FindByID looks an item up in both collections.
func (s *Store) FindByID(id string) (*domain.DownloadItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.active {
		if it.ID == id {
			return it, true
		}
	}
	for _, it := range s.finished {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// IsActive reports whether item is currently in the active collection.
func (s *Store) IsActive(item *domain.DownloadItem) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.active, item) >= 0
}

// SnapshotActive returns a copy of the active collection that callers may
// iterate without holding any lock.
func (s *Store) SnapshotActive() []*domain.DownloadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.DownloadItem(nil), s.active...)
}

func (s *Store) SnapshotFinished() []*domain.DownloadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.DownloadItem(nil), s.finished...)
}

func (s *Store) Counts() (active, finished int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), len(s.finished)
}

// AtomicTransition moves item to next inside the item's critical section.
// onTransition runs only when this call is the one that changed the status,
// so two racing callers with the same target fire it once between them.
// Illegal moves and re-applying the current status return false.
func (s *Store) AtomicTransition(item *domain.DownloadItem, next domain.ItemStatus, onTransition TransitionFunc) bool {
	prev, changed := item.SetStatus(next, s.now())
	if !changed {
		return false
	}
	if onTransition != nil {
		onTransition(item, prev, next)
	}
	return true
}

func indexOf(items []*domain.DownloadItem, item *domain.DownloadItem) int {
	for i, it := range items {
		if it == item {
			return i
		}
	}
	return -1
}

func remove(items []*domain.DownloadItem, item *domain.DownloadItem) ([]*domain.DownloadItem, bool) {
	i := indexOf(items, item)
	if i < 0 {
		return items, false
	}
	copy(items[i:], items[i+1:])
	items[len(items)-1] = nil
	return items[:len(items)-1], true
}
