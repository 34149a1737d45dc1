package domain

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DownloadItem is the local model of one requested file transfer.
//
// Identity and display metadata are immutable after construction. Everything
// the reconciliation cycle touches lives behind mu and is reached through
// accessors, so readers on other goroutines never see a torn update.
type DownloadItem struct {
	ID          string
	Title       string
	Artist      string
	Album       string
	TrackNumber *int
	Username    string
	Size        int64
	PostProcess bool
	CreatedAt   time.Time

	mu               sync.Mutex
	status           ItemStatus
	remoteTransferID string
	filePath         string
	progress         int
	speed            float64
	queueEnteredAt   time.Time
	apiMissingCount  int
	errorMessage     string
	finishedAt       time.Time

	completionProcessed atomic.Bool
}

// NewItemParams carries the caller-supplied fields for a new item.
type NewItemParams struct {
	Title       string
	Artist      string
	Album       string
	TrackNumber *int
	Username    string
	FilePath    string
	Size        int64
	PostProcess bool
	// Queued starts the item as queued instead of downloading, for requests
	// the daemon has accepted but not started. The queue-dwell clock starts
	// at creation.
	Queued bool
}

// NewDownloadItem validates params and returns an item in the downloading
// state, or queued when requested, with zero progress.
func NewDownloadItem(p NewItemParams) (*DownloadItem, error) {
	if strings.TrimSpace(p.Username) == "" {
		return nil, errors.New("username is required")
	}
	if strings.TrimSpace(p.FilePath) == "" {
		return nil, errors.New("file path is required")
	}
	if p.TrackNumber != nil && *p.TrackNumber <= 0 {
		return nil, errors.New("track number must be positive")
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = TitleFromPath(p.FilePath)
	}
	now := time.Now()
	item := &DownloadItem{
		ID:          uuid.NewString(),
		Title:       title,
		Artist:      strings.TrimSpace(p.Artist),
		Album:       strings.TrimSpace(p.Album),
		TrackNumber: p.TrackNumber,
		Username:    strings.TrimSpace(p.Username),
		Size:        p.Size,
		PostProcess: p.PostProcess,
		CreatedAt:   now,
		status:      StatusDownloading,
		filePath:    p.FilePath,
	}
	if p.Queued {
		item.status = StatusQueued
		item.queueEnteredAt = now
	}
	return item, nil
}

// Status returns the current status.
func (d *DownloadItem) Status() ItemStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus writes next if the move from the current status is legal and
// reports the previous status. changed is false for no-ops and illegal moves.
func (d *DownloadItem) SetStatus(next ItemStatus, now time.Time) (prev ItemStatus, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev = d.status
	if prev == next || !CanTransition(prev, next) {
		return prev, false
	}
	d.status = next
	if next == StatusCompleted {
		d.progress = 100
	}
	if next.IsTerminal() {
		d.finishedAt = now
		d.queueEnteredAt = time.Time{}
	}
	return prev, true
}

func (d *DownloadItem) RemoteTransferID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTransferID
}

func (d *DownloadItem) SetRemoteTransferID(id string) {
	d.mu.Lock()
	d.remoteTransferID = id
	d.mu.Unlock()
}

func (d *DownloadItem) FilePath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filePath
}

func (d *DownloadItem) SetFilePath(path string) {
	d.mu.Lock()
	d.filePath = path
	d.mu.Unlock()
}

func (d *DownloadItem) Progress() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// ObserveProgress records a remote percentage. Progress never moves backwards
// and is clamped to 0..100; a terminal item keeps its final value.
func (d *DownloadItem) ObserveProgress(percent float64, speed float64) {
	p := int(percent)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.IsTerminal() {
		return
	}
	if p > d.progress {
		d.progress = p
	}
	d.speed = speed
}

func (d *DownloadItem) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

func (d *DownloadItem) QueueEnteredAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueEnteredAt
}

// SetQueueEnteredAt overwrites the queue-dwell start; the zero time clears it.
func (d *DownloadItem) SetQueueEnteredAt(t time.Time) {
	d.mu.Lock()
	d.queueEnteredAt = t
	d.mu.Unlock()
}

// TrackQueueDwell starts the dwell clock when mapped is in the queued group
// and it is not already running, and stops it otherwise.
func (d *DownloadItem) TrackQueueDwell(mapped ItemStatus, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mapped.InQueueGroup() {
		if d.queueEnteredAt.IsZero() {
			d.queueEnteredAt = now
		}
		return
	}
	d.queueEnteredAt = time.Time{}
}

// QueueDwell returns how long the item has been queued, or zero when the
// dwell clock is not running.
func (d *DownloadItem) QueueDwell(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queueEnteredAt.IsZero() {
		return 0
	}
	return now.Sub(d.queueEnteredAt)
}

func (d *DownloadItem) APIMissingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiMissingCount
}

// IncrementMissing bumps the consecutive-missing counter and returns it.
func (d *DownloadItem) IncrementMissing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apiMissingCount++
	return d.apiMissingCount
}

func (d *DownloadItem) ResetMissing() {
	d.mu.Lock()
	d.apiMissingCount = 0
	d.mu.Unlock()
}

func (d *DownloadItem) ErrorMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorMessage
}

func (d *DownloadItem) SetErrorMessage(msg string) {
	d.mu.Lock()
	d.errorMessage = msg
	d.mu.Unlock()
}

func (d *DownloadItem) FinishedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finishedAt
}

// MarkCompletionProcessed claims the post-processing slot. Only the first
// caller gets true.
func (d *DownloadItem) MarkCompletionProcessed() bool {
	return d.completionProcessed.CompareAndSwap(false, true)
}

func (d *DownloadItem) CompletionProcessed() bool {
	return d.completionProcessed.Load()
}

// View is an immutable copy of an item for presentation and persistence.
type View struct {
	ID               string     `json:"id"`
	RemoteTransferID string     `json:"remote_transfer_id,omitempty"`
	Title            string     `json:"title"`
	Artist           string     `json:"artist"`
	Album            string     `json:"album,omitempty"`
	TrackNumber      *int       `json:"track_number,omitempty"`
	Username         string     `json:"username"`
	FilePath         string     `json:"file_path"`
	Size             int64      `json:"size"`
	Status           ItemStatus `json:"status"`
	Progress         int        `json:"progress"`
	Speed            float64    `json:"speed"`
	APIMissingCount  int        `json:"api_missing_count"`
	QueueEnteredAt   *time.Time `json:"queue_entered_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	PostProcess      bool       `json:"post_process"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Snapshot copies the item's current state.
func (d *DownloadItem) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := View{
		ID:               d.ID,
		RemoteTransferID: d.remoteTransferID,
		Title:            d.Title,
		Artist:           d.Artist,
		Album:            d.Album,
		TrackNumber:      d.TrackNumber,
		Username:         d.Username,
		FilePath:         d.filePath,
		Size:             d.Size,
		Status:           d.status,
		Progress:         d.progress,
		Speed:            d.speed,
		APIMissingCount:  d.apiMissingCount,
		ErrorMessage:     d.errorMessage,
		PostProcess:      d.PostProcess,
		CreatedAt:        d.CreatedAt,
	}
	if !d.queueEnteredAt.IsZero() {
		t := d.queueEnteredAt
		v.QueueEnteredAt = &t
	}
	if !d.finishedAt.IsZero() {
		t := d.finishedAt
		v.FinishedAt = &t
	}
	return v
}

// TitleFromPath derives a display title from a remote path, which may use
// either slash style.
func TitleFromPath(path string) string {
	base := BaseName(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.TrimSpace(base)
}

// BaseName returns the final element of a local or remote path.
func BaseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
