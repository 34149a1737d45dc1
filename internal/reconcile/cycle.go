// Package reconcile keeps local download items consistent with the transfer
// daemon's list of transfers.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"soulqueue/internal/domain"
	"soulqueue/internal/queue"
)

// Source lists the daemon's current transfers as a flat slice.
type Source interface {
	ListTransfers(ctx context.Context) ([]domain.TransferRecord, error)
}

// CompletionSink receives completed items whose post-processing slot the
// caller has already claimed.
type CompletionSink interface {
	Submit(item *domain.DownloadItem)
}

// CleanupSink receives failed and cancelled items for remote cleanup.
type CleanupSink interface {
	Schedule(item *domain.DownloadItem)
}

// Observer is told about cycle outcomes. internal/metrics implements it.
type Observer interface {
	CycleFinished(result string, elapsed time.Duration)
	Transitioned(to domain.ItemStatus)
	MissingFailure(reason string)
}

const (
	ResultOK      = "ok"
	ResultIdle    = "idle"
	ResultFetchKO = "fetch_error"

	ReasonQueueTimeout = "queue_timeout"
	ReasonMissing      = "missing"
)

type Config struct {
	QueueTimeout     time.Duration
	MissingThreshold int
	FetchTimeout     time.Duration
	Logger           *logrus.Logger
	Observer         Observer
	// OnTerminal runs after an item reached a terminal status and was moved
	// to the finished collection.
	OnTerminal func(item *domain.DownloadItem)
	Now        func() time.Time
}

// Result summarises one cycle for the presentation layer and the poller.
type Result struct {
	Skipped     bool
	Err         error
	Matched     int
	Missing     int
	Transitions int
	Terminal    []string
	Active      int
	Finished    int
}

// Cycle runs one reconciliation pass per call to Run. It holds no per-cycle
// state between calls and must not be run concurrently with itself.
type Cycle struct {
	cfg        Config
	store      *queue.Store
	source     Source
	completion CompletionSink
	cleanup    CleanupSink
}

func NewCycle(cfg Config, store *queue.Store, source Source, completion CompletionSink, cleanup CleanupSink) *Cycle {
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 180 * time.Second
	}
	if cfg.MissingThreshold <= 0 {
		cfg.MissingThreshold = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 12 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cycle{
		cfg:        cfg,
		store:      store,
		source:     source,
		completion: completion,
		cleanup:    cleanup,
	}
}

// Run performs one pass. A failed fetch aborts the pass without touching
// any item.
func (c *Cycle) Run(ctx context.Context) Result {
	started := c.cfg.Now()
	items := c.store.SnapshotActive()
	if len(items) == 0 {
		res := Result{Skipped: true}
		res.Active, res.Finished = c.store.Counts()
		c.cfg.Observer.CycleFinished(ResultIdle, time.Since(started))
		return res
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	records, err := c.source.ListTransfers(fetchCtx)
	cancel()
	if err != nil {
		c.cfg.Logger.Warnf("list transfers failed, skipping cycle: %v", err)
		res := Result{Skipped: true, Err: fmt.Errorf("list transfers: %w", err)}
		res.Active, res.Finished = c.store.Counts()
		c.cfg.Observer.CycleFinished(ResultFetchKO, time.Since(started))
		return res
	}

	now := c.cfg.Now()
	var res Result
	claimed := make(Claimed, len(records))
	matches := make(map[*domain.DownloadItem]domain.TransferRecord, len(items))

	for _, rule := range MatchRules {
		for _, item := range items {
			if _, done := matches[item]; done {
				continue
			}
			if rec, ok := rule(item, records, claimed); ok {
				claimed.Claim(rec)
				matches[item] = rec
			}
		}
	}

	for _, item := range items {
		if item.Status().IsTerminal() {
			// Cancelled by the user after the snapshot was taken.
			continue
		}
		if rec, ok := matches[item]; ok {
			res.Matched++
			res.Transitions += c.applyRecord(item, rec, now, &res)
			continue
		}
		res.Missing++
		res.Transitions += c.applyMissing(item, now, &res)
	}

	res.Active, res.Finished = c.store.Counts()
	c.cfg.Logger.Debugf("cycle: %d items, %d records, %d matched, %d missing, %d transitions",
		len(items), len(records), res.Matched, res.Missing, res.Transitions)
	c.cfg.Observer.CycleFinished(ResultOK, time.Since(started))
	return res
}

func (c *Cycle) applyRecord(item *domain.DownloadItem, rec domain.TransferRecord, now time.Time, res *Result) int {
	logger := c.cfg.Logger.WithField("item_id", item.ID)
	mapped := MapState(rec.State)

	item.TrackQueueDwell(mapped, now)
	item.ResetMissing()
	if rec.ID != "" {
		if prev := item.RemoteTransferID(); prev != rec.ID {
			if prev != "" {
				logger.Infof("remote transfer id changed %s -> %s", prev, rec.ID)
			}
			item.SetRemoteTransferID(rec.ID)
		}
	}
	if rec.Filename != "" {
		item.SetFilePath(rec.Filename)
	}
	item.ObserveProgress(rec.PercentComplete, rec.AverageSpeed)

	transitions := 0
	if mapped == domain.StatusCompleted && item.Status() == domain.StatusQueued {
		// Finished between two polls; pass through downloading so the
		// status graph is respected.
		if c.transition(item, domain.StatusDownloading, res) {
			transitions++
		}
	}
	if mapped == domain.StatusFailed {
		item.SetErrorMessage(rec.State)
	}
	if c.transition(item, mapped, res) {
		transitions++
	}
	return transitions
}

func (c *Cycle) applyMissing(item *domain.DownloadItem, now time.Time, res *Result) int {
	missing := item.IncrementMissing()
	dwell := item.QueueDwell(now)

	var reason, msg string
	switch {
	case dwell > c.cfg.QueueTimeout:
		reason = ReasonQueueTimeout
		msg = fmt.Sprintf("queued for %s without starting", dwell.Truncate(time.Second))
	case missing >= c.cfg.MissingThreshold:
		reason = ReasonMissing
		msg = fmt.Sprintf("missing from transfer list for %d cycles", missing)
	default:
		c.cfg.Logger.WithField("item_id", item.ID).Debugf("no transfer record (%d/%d)", missing, c.cfg.MissingThreshold)
		return 0
	}

	item.SetErrorMessage(msg)
	if !c.transition(item, domain.StatusFailed, res) {
		return 0
	}
	c.cfg.Observer.MissingFailure(reason)
	return 1
}

func (c *Cycle) transition(item *domain.DownloadItem, next domain.ItemStatus, res *Result) bool {
	return c.store.AtomicTransition(item, next, func(item *domain.DownloadItem, from, to domain.ItemStatus) {
		c.HandleTransition(item, from, to)
		if to.IsTerminal() && res != nil {
			res.Terminal = append(res.Terminal, item.ID)
		}
	})
}

// HandleTransition is the transition callback shared with user cancels:
// it logs, and for terminal statuses moves the item to finished and routes
// it to post-processing or remote cleanup.
func (c *Cycle) HandleTransition(item *domain.DownloadItem, from, to domain.ItemStatus) {
	logger := c.cfg.Logger.WithField("item_id", item.ID)
	c.cfg.Observer.Transitioned(to)
	if !to.IsTerminal() {
		logger.Debugf("status %s -> %s", from, to)
		return
	}

	if !c.store.MoveToFinished(item) {
		logger.Debug("item already left the active collection")
	}
	switch to {
	case domain.StatusCompleted:
		logger.Infof("download completed: %s", item.Title)
		if item.PostProcess && c.completion != nil && item.MarkCompletionProcessed() {
			c.completion.Submit(item)
		}
	case domain.StatusFailed:
		logger.Infof("download failed: %s (%s)", item.Title, item.ErrorMessage())
		if c.cleanup != nil {
			c.cleanup.Schedule(item)
		}
	case domain.StatusCancelled:
		logger.Infof("download cancelled: %s", item.Title)
		if c.cleanup != nil {
			c.cleanup.Schedule(item)
		}
	}
	if c.cfg.OnTerminal != nil {
		c.cfg.OnTerminal(item)
	}
}

type nopObserver struct{}

func (nopObserver) CycleFinished(string, time.Duration) {}
func (nopObserver) Transitioned(domain.ItemStatus)      {}
func (nopObserver) MissingFailure(string)               {}
