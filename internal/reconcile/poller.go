package reconcile

import (
	"context"
	"sync"
	"time"
)

// Mode selects the polling interval.
type Mode int

const (
	ModeIdle Mode = iota
	ModeActive
	ModeBulkPause
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeBulkPause:
		return "bulk_pause"
	default:
		return "idle"
	}
}

// Intervals holds the fixed interval of each mode.
type Intervals struct {
	Active time.Duration
	Idle   time.Duration
	Bulk   time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Active: 2 * time.Second,
		Idle:   10 * time.Second,
		Bulk:   15 * time.Second,
	}
}

// Poller drives reconciliation ticks and adapts their interval to load.
type Poller struct {
	intervals Intervals

	mu         sync.Mutex
	mode       Mode
	bulk       int
	lastActive int
	ticker     *time.Ticker
}

func NewPoller(intervals Intervals) *Poller {
	def := DefaultIntervals()
	if intervals.Active <= 0 {
		intervals.Active = def.Active
	}
	if intervals.Idle <= 0 {
		intervals.Idle = def.Idle
	}
	if intervals.Bulk <= 0 {
		intervals.Bulk = def.Bulk
	}
	return &Poller{intervals: intervals, mode: ModeIdle}
}

// Mode returns the current mode.
func (p *Poller) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Interval returns the interval of the current mode.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalFor(p.mode)
}

// BeginBulk flags a bulk operation. Calls nest; polling stays slowed until
// every BeginBulk has a matching EndBulk.
func (p *Poller) BeginBulk() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bulk++
	p.recompute()
	return p.mode
}

func (p *Poller) EndBulk() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bulk > 0 {
		p.bulk--
	}
	p.recompute()
	return p.mode
}

func (p *Poller) Bulk() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bulk > 0
}

// Update recomputes the mode from the active item count and reprograms the
// ticker at once when the mode changed.
func (p *Poller) Update(activeCount int) (mode Mode, changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActive = activeCount
	changed = p.recompute()
	return p.mode, changed
}

// Run calls tick on every timer fire until ctx is done.
func (p *Poller) Run(ctx context.Context, tick func(ctx context.Context)) {
	p.mu.Lock()
	p.ticker = time.NewTicker(p.intervalFor(p.mode))
	ticker := p.ticker
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		ticker.Stop()
		p.ticker = nil
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// recompute must be called with mu held.
func (p *Poller) recompute() bool {
	next := ModeIdle
	switch {
	case p.bulk > 0:
		next = ModeBulkPause
	case p.lastActive > 0:
		next = ModeActive
	}
	if next == p.mode {
		return false
	}
	p.mode = next
	if p.ticker != nil {
		p.ticker.Reset(p.intervalFor(next))
	}
	return true
}

func (p *Poller) intervalFor(m Mode) time.Duration {
	switch m {
	case ModeActive:
		return p.intervals.Active
	case ModeBulkPause:
		return p.intervals.Bulk
	default:
		return p.intervals.Idle
	}
}
