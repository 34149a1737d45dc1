// Package cleanup asks the transfer daemon to forget failed and cancelled
// transfers. It never changes local item state.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"soulqueue/internal/domain"
)

// Remote is the part of the transfer client cleanup needs.
type Remote interface {
	ListTransfers(ctx context.Context) ([]domain.TransferRecord, error)
	CancelTransfer(ctx context.Context, id, username string, remove bool) (bool, error)
}

type Observer interface {
	CleanupFinished(result string)
}

const (
	ResultOK     = "ok"
	ResultRetry  = "retry"
	ResultGaveUp = "gave_up"
	ResultSwept  = "swept"
	ResultSkip   = "skipped"
)

// StateFilter reports whether a remote record should be removed by the sweep.
type StateFilter func(state string) bool

type Config struct {
	// Delays is waited before each attempt; its length is the attempt count.
	Delays     []time.Duration
	SweepDelay time.Duration
	SweepBatch int
	// RateLimit paces remote calls across all workers, per second.
	RateLimit float64
	// CallTimeout bounds one remote call.
	CallTimeout time.Duration
	Logger      *logrus.Logger
	Observer    Observer
}

func DefaultConfig() Config {
	return Config{
		Delays:      []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		SweepDelay:  30 * time.Second,
		SweepBatch:  5,
		RateLimit:   4,
		CallTimeout: 10 * time.Second,
	}
}

type Agent struct {
	cfg     Config
	remote  Remote
	filter  StateFilter
	limiter *rate.Limiter

	sweepPending atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAgent(cfg Config, remote Remote, filter StateFilter) *Agent {
	def := DefaultConfig()
	if len(cfg.Delays) == 0 {
		cfg.Delays = def.Delays
	}
	if cfg.SweepDelay <= 0 {
		cfg.SweepDelay = def.SweepDelay
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:     cfg,
		remote:  remote,
		filter:  filter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule starts background cleanup for item and arms the fallback sweep.
func (a *Agent) Schedule(item *domain.DownloadItem) {
	if a.ctx.Err() != nil {
		return
	}
	id, username := item.RemoteTransferID(), item.Username
	logger := a.cfg.Logger.WithField("item_id", item.ID)

	if id == "" {
		// Never matched remotely; only the sweep can find it.
		logger.Debug("no remote transfer id, leaving cleanup to the sweep")
		a.observe(ResultSkip)
	} else {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.cleanupWithRetry(logger, id, username)
		}()
	}
	a.ScheduleSweep()
}

func (a *Agent) cleanupWithRetry(logger *logrus.Entry, id, username string) {
	for attempt, delay := range a.cfg.Delays {
		if !a.sleep(delay) {
			return
		}
		err := a.cancelRemote(id, username)
		if err == nil {
			logger.Debugf("remote transfer %s removed", id)
			a.observe(ResultOK)
			return
		}
		if a.ctx.Err() != nil {
			return
		}
		logger.Debugf("remote cleanup attempt %d/%d for %s failed: %v", attempt+1, len(a.cfg.Delays), id, err)
		a.observe(ResultRetry)
	}
	logger.Warnf("giving up remote cleanup of %s after %d attempts", id, len(a.cfg.Delays))
	a.observe(ResultGaveUp)
}

func (a *Agent) cancelRemote(id, username string) error {
	if err := a.limiter.Wait(a.ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.CallTimeout)
	defer cancel()
	_, err := a.remote.CancelTransfer(ctx, id, username, true)
	return err
}

// ScheduleSweep arms one delayed sweep. Calls while a sweep is pending are
// coalesced into it.
func (a *Agent) ScheduleSweep() {
	if a.ctx.Err() != nil || !a.sweepPending.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if !a.sleep(a.cfg.SweepDelay) {
			return
		}
		// Clear before sweeping so terminal items seen during the sweep arm
		// the next one.
		a.sweepPending.Store(false)
		a.Sweep(a.ctx)
	}()
}

// Sweep removes up to SweepBatch records the daemon still lists in a failed
// or cancelled state, and returns how many it removed.
func (a *Agent) Sweep(ctx context.Context) int {
	listCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	records, err := a.remote.ListTransfers(listCtx)
	cancel()
	if err != nil {
		a.cfg.Logger.Warnf("cleanup sweep: list transfers failed: %v", err)
		return 0
	}

	removed := 0
	for _, rec := range records {
		if removed >= a.cfg.SweepBatch {
			break
		}
		if rec.ID == "" || a.filter == nil || !a.filter(rec.State) {
			continue
		}
		if err := a.cancelRemote(rec.ID, rec.Username); err != nil {
			if ctx.Err() != nil {
				break
			}
			a.cfg.Logger.Debugf("cleanup sweep: remove %s failed: %v", rec.ID, err)
			continue
		}
		removed++
		a.observe(ResultSwept)
	}
	if removed > 0 {
		a.cfg.Logger.Infof("cleanup sweep removed %d stale transfers", removed)
	}
	return removed
}

func (a *Agent) sleep(d time.Duration) bool {
	if d <= 0 {
		return a.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Agent) observe(result string) {
	if a.cfg.Observer != nil {
		a.cfg.Observer.CleanupFinished(result)
	}
}

// Close abandons pending retries and sweeps and waits for workers to exit.
func (a *Agent) Close() {
	a.cancel()
	a.wg.Wait()
}
