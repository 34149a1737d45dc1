// Package completion runs post-processing for completed downloads off the
// reconciliation goroutine.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"soulqueue/internal/domain"
)

// Organizer moves a finished download into its final place and returns the
// new path.
type Organizer interface {
	Organize(ctx context.Context, item *domain.DownloadItem) (string, error)
}

type Observer interface {
	PostProcessed(result string)
}

const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Config struct {
	Workers int
	// Timeout bounds one Organize call. Zero means no limit.
	Timeout time.Duration
	Logger  *logrus.Logger
	// Observer and OnDone are optional.
	Observer Observer
	OnDone   func(item *domain.DownloadItem, finalPath string, err error)
}

// Dispatcher runs at most Workers Organize calls at a time. Submit never
// blocks the caller.
type Dispatcher struct {
	cfg       Config
	organizer Organizer
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, organizer Organizer) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		organizer: organizer,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit schedules item for post-processing. The caller must already have
// won item.MarkCompletionProcessed.
func (d *Dispatcher) Submit(item *domain.DownloadItem) {
	if d.ctx.Err() != nil {
		d.cfg.Logger.WithField("item_id", item.ID).Warn("dispatcher closed, skipping post-processing")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.run(item)
	}()
}

func (d *Dispatcher) run(item *domain.DownloadItem) {
	logger := d.cfg.Logger.WithField("item_id", item.ID)
	ctx := d.ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	finalPath, err := d.organizer.Organize(ctx, item)
	if err != nil {
		// The download itself succeeded; the item keeps its original path.
		logger.Warnf("post-processing failed for %s: %v", item.Title, err)
		d.observe(ResultError)
		d.done(item, "", err)
		return
	}

	if finalPath != "" {
		item.SetFilePath(finalPath)
	}
	logger.Infof("organized %s -> %s", item.Title, finalPath)
	d.observe(ResultOK)
	d.done(item, finalPath, nil)
}

func (d *Dispatcher) observe(result string) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.PostProcessed(result)
	}
}

func (d *Dispatcher) done(item *domain.DownloadItem, finalPath string, err error) {
	if d.cfg.OnDone != nil {
		d.cfg.OnDone(item, finalPath, err)
	}
}

// Wait blocks until every submitted item has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work, cancels running Organize calls and waits for
// them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
