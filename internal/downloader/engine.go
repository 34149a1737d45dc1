package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"soulqueue/internal/cleanup"
	"soulqueue/internal/completion"
	"soulqueue/internal/domain"
	"soulqueue/internal/events"
	"soulqueue/internal/metrics"
	"soulqueue/internal/queue"
	"soulqueue/internal/reconcile"
)

var (
	ErrNotFound       = errors.New("download not found")
	ErrNotRetryable   = errors.New("download cannot be retried")
	ErrInvalidRequest = errors.New("invalid download request")
	ErrClosed         = errors.New("download engine is shut down")
)

// Transfer is the part of the transfer daemon client the engine drives.
type Transfer interface {
	ListTransfers(ctx context.Context) ([]domain.TransferRecord, error)
	CancelTransfer(ctx context.Context, id, username string, remove bool) (bool, error)
	Enqueue(ctx context.Context, username string, files []domain.EnqueueFile) error
}

// Journal records outcomes. service.HistoryService implements it.
type Journal interface {
	Record(view domain.View)
	RecordOrganized(itemID, finalPath string)
}

// Engine owns the download queue and keeps it reconciled with the daemon.
type Engine interface {
	Start(ctx context.Context) error
	Shutdown()
	Add(ctx context.Context, req AddRequest) (domain.View, error)
	Cancel(ctx context.Context, id string) (domain.View, error)
	Retry(ctx context.Context, id string) (domain.View, error)
	ClearFinished(statuses ...domain.ItemStatus) int
	ClearFinishedBefore(cutoff time.Time) int
	BeginBulk()
	EndBulk()
	// Refresh runs a cycle now. ran is false when a cycle was already in
	// progress.
	Refresh(ctx context.Context) (res reconcile.Result, ran bool)
	Find(id string) (domain.View, error)
	Snapshot() Snapshot
	Subscribe() (<-chan events.Update, func())
}

type AddRequest struct {
	Username    string `json:"username"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	TrackNumber *int   `json:"track_number"`
	PostProcess bool   `json:"post_process"`
}

type Snapshot struct {
	Mode          string        `json:"mode"`
	Bulk          bool          `json:"bulk"`
	ActiveCount   int           `json:"active_count"`
	FinishedCount int           `json:"finished_count"`
	Active        []domain.View `json:"active"`
	Finished      []domain.View `json:"finished"`
}

type Config struct {
	Intervals        reconcile.Intervals
	QueueTimeout     time.Duration
	MissingThreshold int
	FetchTimeout     time.Duration
	PipelineWorkers  int
	PipelineTimeout  time.Duration
	Cleanup          cleanup.Config
	Logger           *logrus.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type engine struct {
	cfg      Config
	transfer Transfer
	journal  Journal

	store      *queue.Store
	poller     *reconcile.Poller
	cycle      *reconcile.Cycle
	dispatcher *completion.Dispatcher
	cleanup    *cleanup.Agent
	bus        *events.Bus

	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires the queue, poller, cycle and both background pipelines.
// organizer and journal may be nil.
func NewEngine(cfg Config, transfer Transfer, organizer completion.Organizer, journal Journal) Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cleanup.Logger == nil {
		cfg.Cleanup.Logger = cfg.Logger
	}

	e := &engine{
		cfg:      cfg,
		transfer: transfer,
		journal:  journal,
		poller:   reconcile.NewPoller(cfg.Intervals),
		bus:      events.NewBus(0),
	}
	e.store = queue.NewStore(
		queue.WithClock(cfg.Now),
		queue.WithSizeChangeHook(e.observeQueue),
	)

	var (
		cycleObserver   reconcile.Observer
		cleanupObserver cleanup.Observer
		pipeObserver    completion.Observer
	)
	if cfg.Metrics != nil {
		cycleObserver, cleanupObserver, pipeObserver = cfg.Metrics, cfg.Metrics, cfg.Metrics
		cfg.Metrics.SetMode(e.poller.Mode().String())
	}

	cleanupCfg := cfg.Cleanup
	cleanupCfg.Observer = cleanupObserver
	e.cleanup = cleanup.NewAgent(cleanupCfg, transfer, reconcile.IsCleanupState)

	var sink reconcile.CompletionSink
	if organizer != nil {
		e.dispatcher = completion.NewDispatcher(completion.Config{
			Workers:  cfg.PipelineWorkers,
			Timeout:  cfg.PipelineTimeout,
			Logger:   cfg.Logger,
			Observer: pipeObserver,
			OnDone:   e.organized,
		}, organizer)
		sink = e.dispatcher
	}

	e.cycle = reconcile.NewCycle(reconcile.Config{
		QueueTimeout:     cfg.QueueTimeout,
		MissingThreshold: cfg.MissingThreshold,
		FetchTimeout:     cfg.FetchTimeout,
		Logger:           cfg.Logger,
		Observer:         cycleObserver,
		OnTerminal:       e.terminal,
		Now:              cfg.Now,
	}, e.store, transfer, sink, e.cleanup)
	return e
}

func (e *engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(e.ctx, func(ctx context.Context) {
			e.runCycle(ctx)
		})
	}()
	e.cfg.Logger.Infof("reconciliation started, mode %s every %s", e.poller.Mode(), e.poller.Interval())
	return nil
}

// Shutdown stops reconciliation and both pipelines. Add, Cancel and Retry
// return ErrClosed afterwards.
func (e *engine) Shutdown() {
	e.closed.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	e.cleanup.Close()
	e.bus.Close()
	e.cfg.Logger.Info("reconciliation stopped")
}

// runCycle runs at most one cycle at a time; a tick that lands while a
// refresh is running is dropped.
func (e *engine) runCycle(ctx context.Context) (reconcile.Result, bool) {
	if !e.running.CompareAndSwap(false, true) {
		return reconcile.Result{}, false
	}
	defer e.running.Store(false)

	res := e.cycle.Run(ctx)
	mode, changed := e.poller.Update(res.Active)
	e.observeQueue(res.Active, res.Finished)
	if changed {
		e.observeMode(mode)
	}
	if !res.Skipped || changed {
		e.bus.Publish(events.Update{
			Kind:     events.KindCycle,
			Active:   res.Active,
			Finished: res.Finished,
			Mode:     mode.String(),
			ItemIDs:  res.Terminal,
		})
	}
	return res, true
}

func (e *engine) Refresh(ctx context.Context) (reconcile.Result, bool) {
	return e.runCycle(ctx)
}

func (e *engine) Add(ctx context.Context, req AddRequest) (domain.View, error) {
	if e.closed.Load() {
		return domain.View{}, ErrClosed
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Filename) == "" {
		return domain.View{}, fmt.Errorf("%w: username and filename are required", ErrInvalidRequest)
	}
	if req.Size < 0 {
		return domain.View{}, fmt.Errorf("%w: size must not be negative", ErrInvalidRequest)
	}
	item, err := domain.NewDownloadItem(domain.NewItemParams{
		Title:       req.Title,
		Artist:      req.Artist,
		Album:       req.Album,
		TrackNumber: req.TrackNumber,
		Username:    req.Username,
		FilePath:    req.Filename,
		Size:        req.Size,
		PostProcess: req.PostProcess,
	})
	if err != nil {
		return domain.View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := e.enqueue(ctx, item); err != nil {
		return domain.View{}, err
	}
	e.store.AddActive(item)
	e.cfg.Logger.WithField("item_id", item.ID).Infof("queued %s from %s", item.Title, item.Username)
	e.afterMutation(events.KindAdded, item.ID)
	return item.Snapshot(), nil
}

func (e *engine) enqueue(ctx context.Context, item *domain.DownloadItem) error {
	files := []domain.EnqueueFile{{Filename: item.FilePath(), Size: item.Size}}
	if err := e.transfer.Enqueue(ctx, item.Username, files); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.Title, err)
	}
	return nil
}

func (e *engine) Cancel(ctx context.Context, id string) (domain.View, error) {
	if e.closed.Load() {
		return domain.View{}, ErrClosed
	}
	item, ok := e.store.FindByID(id)
	if !ok {
		return domain.View{}, ErrNotFound
	}
	logger := e.cfg.Logger.WithField("item_id", id)
	if status := item.Status(); status.IsTerminal() {
		return item.Snapshot(), fmt.Errorf("%w: download already %s", ErrInvalidRequest, status)
	}

	if remoteID := item.RemoteTransferID(); remoteID != "" {
		if _, err := e.transfer.CancelTransfer(ctx, remoteID, item.Username, false); err != nil {
			logger.Warnf("cancel remote transfer %s: %v", remoteID, err)
		}
	}

	if !e.store.AtomicTransition(item, domain.StatusCancelled, e.cycle.HandleTransition) {
		// A cycle finished the item first.
		logger.Debugf("cancel lost to status %s", item.Status())
		return item.Snapshot(), nil
	}
	e.afterMutation(events.KindCancelled, id)
	return item.Snapshot(), nil
}

func (e *engine) Retry(ctx context.Context, id string) (domain.View, error) {
	if e.closed.Load() {
		return domain.View{}, ErrClosed
	}
	old, ok := e.store.FindByID(id)
	if !ok {
		return domain.View{}, ErrNotFound
	}
	if e.store.IsActive(old) {
		return domain.View{}, fmt.Errorf("%w: download is still active", ErrNotRetryable)
	}
	switch status := old.Status(); status {
	case domain.StatusFailed, domain.StatusCancelled:
	default:
		return domain.View{}, fmt.Errorf("%w: download is %s", ErrNotRetryable, status)
	}

	fresh, err := domain.NewDownloadItem(domain.NewItemParams{
		Title:       old.Title,
		Artist:      old.Artist,
		Album:       old.Album,
		TrackNumber: old.TrackNumber,
		Username:    old.Username,
		FilePath:    old.FilePath(),
		Size:        old.Size,
		PostProcess: old.PostProcess,
	})
	if err != nil {
		return domain.View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := e.enqueue(ctx, fresh); err != nil {
		return domain.View{}, err
	}
	if !e.store.RemoveFinished(old) {
		return domain.View{}, ErrNotFound
	}
	e.store.AddActive(fresh)
	e.cfg.Logger.WithField("item_id", fresh.ID).Infof("retrying %s (was %s)", fresh.Title, old.ID)
	e.afterMutation(events.KindRetried, old.ID, fresh.ID)
	return fresh.Snapshot(), nil
}

// ClearFinished evicts finished items with one of statuses, or every finished
// item when none are given.
func (e *engine) ClearFinished(statuses ...domain.ItemStatus) int {
	return e.clearFinished(func(item *domain.DownloadItem) bool {
		if len(statuses) == 0 {
			return true
		}
		status := item.Status()
		for _, s := range statuses {
			if s == status {
				return true
			}
		}
		return false
	})
}

func (e *engine) ClearFinishedBefore(cutoff time.Time) int {
	return e.clearFinished(func(item *domain.DownloadItem) bool {
		finished := item.FinishedAt()
		return !finished.IsZero() && finished.Before(cutoff)
	})
}

func (e *engine) clearFinished(match func(item *domain.DownloadItem) bool) int {
	var ids []string
	for _, item := range e.store.SnapshotFinished() {
		if match(item) && e.store.RemoveFinished(item) {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) > 0 {
		e.afterMutation(events.KindCleared, ids...)
	}
	return len(ids)
}

func (e *engine) BeginBulk() {
	e.bulkChanged(e.poller.BeginBulk())
}

func (e *engine) EndBulk() {
	e.bulkChanged(e.poller.EndBulk())
}

func (e *engine) bulkChanged(mode reconcile.Mode) {
	e.observeMode(mode)
	active, finished := e.store.Counts()
	e.bus.Publish(events.Update{Kind: events.KindMode, Active: active, Finished: finished, Mode: mode.String()})
}

func (e *engine) Find(id string) (domain.View, error) {
	item, ok := e.store.FindByID(id)
	if !ok {
		return domain.View{}, ErrNotFound
	}
	return item.Snapshot(), nil
}

func (e *engine) Snapshot() Snapshot {
	active := e.store.SnapshotActive()
	finished := e.store.SnapshotFinished()
	snap := Snapshot{
		Mode:          e.poller.Mode().String(),
		Bulk:          e.poller.Bulk(),
		ActiveCount:   len(active),
		FinishedCount: len(finished),
		Active:        make([]domain.View, 0, len(active)),
		Finished:      make([]domain.View, 0, len(finished)),
	}
	for _, item := range active {
		snap.Active = append(snap.Active, item.Snapshot())
	}
	for _, item := range finished {
		snap.Finished = append(snap.Finished, item.Snapshot())
	}
	return snap
}

func (e *engine) Subscribe() (<-chan events.Update, func()) {
	return e.bus.Subscribe()
}

// afterMutation refreshes the poll mode and gauges after a user operation
// and publishes one update for it.
func (e *engine) afterMutation(kind events.Kind, ids ...string) {
	active, finished := e.store.Counts()
	mode, changed := e.poller.Update(active)
	if changed {
		e.observeMode(mode)
	}
	e.observeQueue(active, finished)
	e.bus.Publish(events.Update{Kind: kind, Active: active, Finished: finished, Mode: mode.String(), ItemIDs: ids})
}

func (e *engine) terminal(item *domain.DownloadItem) {
	if e.journal != nil {
		e.journal.Record(item.Snapshot())
	}
}

func (e *engine) organized(item *domain.DownloadItem, finalPath string, err error) {
	if err == nil && e.journal != nil {
		e.journal.RecordOrganized(item.ID, finalPath)
	}
	active, finished := e.store.Counts()
	e.bus.Publish(events.Update{
		Kind:     events.KindPostProcess,
		Active:   active,
		Finished: finished,
		Mode:     e.poller.Mode().String(),
		ItemIDs:  []string{item.ID},
	})
}

func (e *engine) observeQueue(active, finished int) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetQueue(active, finished)
	}
}

func (e *engine) observeMode(mode reconcile.Mode) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetMode(mode.String())
	}
}

var _ Engine = (*engine)(nil)
