package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"soulqueue/internal/domain"
	"soulqueue/internal/repository"
)

// HistoryService journals download outcomes. Writes are queued and applied by
// a single background writer so callers on the reconciliation path never wait
// on disk.
type HistoryService interface {
	Record(view domain.View)
	RecordOrganized(itemID, finalPath string)
	Get(ctx context.Context, itemID string) (*domain.HistoryEntry, error)
	List(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	// Flush blocks until every write queued before the call is applied.
	Flush(ctx context.Context) error
	Close()
}

type historyOp struct {
	entry     *domain.HistoryEntry
	itemID    string
	finalPath string
	at        time.Time
	flushed   chan struct{}
}

type historyService struct {
	repo   repository.HistoryRepository
	logger *logrus.Logger

	ops       chan historyOp
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

const historyQueueSize = 256

func NewHistoryService(repo repository.HistoryRepository, logger *logrus.Logger) HistoryService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &historyService{
		repo:   repo,
		logger: logger,
		ops:    make(chan historyOp, historyQueueSize),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *historyService) Record(view domain.View) {
	entry := domain.HistoryEntryFromView(view)
	s.enqueue(historyOp{entry: &entry})
}

func (s *historyService) RecordOrganized(itemID, finalPath string) {
	s.enqueue(historyOp{itemID: itemID, finalPath: finalPath, at: time.Now()})
}

func (s *historyService) enqueue(op historyOp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.logger.Warn("history queue full, dropping journal write")
	}
}

func (s *historyService) loop() {
	defer close(s.done)
	for op := range s.ops {
		s.apply(op)
	}
}

func (s *historyService) apply(op historyOp) {
	if op.flushed != nil {
		close(op.flushed)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case op.entry != nil:
		if err := s.repo.Upsert(ctx, op.entry); err != nil {
			s.logger.WithField("item_id", op.entry.ItemID).Errorf("journal outcome: %v", err)
		}
	case op.itemID != "":
		if err := s.repo.SetFinalPath(ctx, op.itemID, op.finalPath, op.at); err != nil {
			s.logger.WithField("item_id", op.itemID).Errorf("journal organized path: %v", err)
		}
	}
}

func (s *historyService) Get(ctx context.Context, itemID string) (*domain.HistoryEntry, error) {
	return s.repo.Get(ctx, itemID)
}

func (s *historyService) List(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	return s.repo.List(ctx, filter)
}

func (s *historyService) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	return s.repo.DeleteBefore(ctx, time.Now().Add(-olderThan))
}

func (s *historyService) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ops <- historyOp{flushed: flushed}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and stops the writer.
func (s *historyService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ops)
		s.mu.Unlock()
		<-s.done
	})
}
