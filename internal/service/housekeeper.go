package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// HistoryPruner deletes journal rows older than a retention window.
type HistoryPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FinishedEvicter drops finished queue items that finished before cutoff.
type FinishedEvicter interface {
	ClearFinishedBefore(cutoff time.Time) int
}

type HousekeeperConfig struct {
	HistoryCron      string
	HistoryRetention time.Duration
	FinishedCron     string
	FinishedTTL      time.Duration
	Logger           *logrus.Logger
}

// Housekeeper runs periodic retention jobs on a cron schedule. An empty
// schedule or a non-positive window disables that job.
type Housekeeper struct {
	cfg      HousekeeperConfig
	cron     *cron.Cron
	history  HistoryPruner
	finished FinishedEvicter
	now      func() time.Time
}

func NewHousekeeper(cfg HousekeeperConfig, history HistoryPruner, finished FinishedEvicter) (*Housekeeper, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	h := &Housekeeper{
		cfg:      cfg,
		cron:     cron.New(cron.WithLogger(cron.PrintfLogger(cfg.Logger))),
		history:  history,
		finished: finished,
		now:      time.Now,
	}

	if history != nil && cfg.HistoryCron != "" && cfg.HistoryRetention > 0 {
		if _, err := h.cron.AddFunc(cfg.HistoryCron, func() { h.PruneHistory(context.Background()) }); err != nil {
			return nil, fmt.Errorf("history schedule %q: %w", cfg.HistoryCron, err)
		}
	}
	if finished != nil && cfg.FinishedCron != "" && cfg.FinishedTTL > 0 {
		if _, err := h.cron.AddFunc(cfg.FinishedCron, func() { h.EvictFinished() }); err != nil {
			return nil, fmt.Errorf("finished schedule %q: %w", cfg.FinishedCron, err)
		}
	}
	return h, nil
}

func (h *Housekeeper) Jobs() int {
	return len(h.cron.Entries())
}

func (h *Housekeeper) Start() {
	h.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish or ctx to end.
func (h *Housekeeper) Stop(ctx context.Context) {
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (h *Housekeeper) PruneHistory(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := h.history.Prune(ctx, h.cfg.HistoryRetention)
	if err != nil {
		h.cfg.Logger.Warnf("prune history: %v", err)
		return 0
	}
	if n > 0 {
		h.cfg.Logger.Infof("pruned %d history rows older than %s", n, h.cfg.HistoryRetention)
	}
	return n
}

func (h *Housekeeper) EvictFinished() int {
	n := h.finished.ClearFinishedBefore(h.now().Add(-h.cfg.FinishedTTL))
	if n > 0 {
		h.cfg.Logger.Infof("evicted %d finished items older than %s", n, h.cfg.FinishedTTL)
	}
	return n
}
