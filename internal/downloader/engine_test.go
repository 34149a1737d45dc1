package downloader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulqueue/internal/cleanup"
	"soulqueue/internal/domain"
	"soulqueue/internal/events"
	"soulqueue/internal/metrics"
	"soulqueue/internal/reconcile"
)

type cancelCall struct {
	id, username string
	remove       bool
}

type fakeTransfer struct {
	mu         sync.Mutex
	records    []domain.TransferRecord
	listErr    error
	enqueueErr error
	enqueued   []domain.EnqueueFile
	cancels    []cancelCall
}

func (f *fakeTransfer) ListTransfers(ctx context.Context) ([]domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.TransferRecord(nil), f.records...), nil
}

func (f *fakeTransfer) CancelTransfer(ctx context.Context, id, username string, remove bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelCall{id, username, remove})
	return true, nil
}

func (f *fakeTransfer) Enqueue(ctx context.Context, username string, files []domain.EnqueueFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, files...)
	return nil
}

func (f *fakeTransfer) setRecords(recs ...domain.TransferRecord) {
	f.mu.Lock()
	f.records = recs
	f.mu.Unlock()
}

func (f *fakeTransfer) cancelCalls() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancelCall(nil), f.cancels...)
}

type fakeOrganizer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeOrganizer) Organize(ctx context.Context, item *domain.DownloadItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, item.ID)
	return "/library/" + item.Title + ".flac", nil
}

func (f *fakeOrganizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJournal struct {
	mu        sync.Mutex
	recorded  map[string]domain.ItemStatus
	organized map[string]string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{recorded: map[string]domain.ItemStatus{}, organized: map[string]string{}}
}

func (f *fakeJournal) Record(view domain.View) {
	f.mu.Lock()
	f.recorded[view.ID] = view.Status
	f.mu.Unlock()
}

func (f *fakeJournal) RecordOrganized(itemID, finalPath string) {
	f.mu.Lock()
	f.organized[itemID] = finalPath
	f.mu.Unlock()
}

func (f *fakeJournal) status(id string) domain.ItemStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded[id]
}

func (f *fakeJournal) organizedPath(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.organized[id]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine    Engine
	transfer  *fakeTransfer
	organizer *fakeOrganizer
	journal   *fakeJournal
	clock     *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		transfer:  &fakeTransfer{},
		organizer: &fakeOrganizer{},
		journal:   newFakeJournal(),
		clock:     &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.engine = NewEngine(Config{
		Intervals: reconcile.Intervals{Active: 10 * time.Millisecond, Idle: 10 * time.Millisecond, Bulk: 10 * time.Millisecond},
		Cleanup: cleanup.Config{
			Delays:     []time.Duration{time.Millisecond},
			SweepDelay: time.Hour,
			RateLimit:  1000,
		},
		Logger:  logger,
		Metrics: metrics.New(),
		Now:     h.clock.Now,
	}, h.transfer, h.organizer, h.journal)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func (h *harness) add(t *testing.T, filename string, postProcess bool) domain.View {
	t.Helper()
	v, err := h.engine.Add(context.Background(), AddRequest{
		Username:    "alice",
		Filename:    filename,
		Size:        100,
		Artist:      "Artist",
		PostProcess: postProcess,
	})
	require.NoError(t, err)
	return v
}

func nextUpdate(t *testing.T, ch <-chan events.Update) events.Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("no update published")
		return events.Update{}
	}
}

func TestEngine_AddValidates(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Add(context.Background(), AddRequest{Username: "alice"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.engine.Add(context.Background(), AddRequest{Username: "alice", Filename: "a.flac", Size: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	zero := 0
	_, err = h.engine.Add(context.Background(), AddRequest{Username: "alice", Filename: "a.flac", TrackNumber: &zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, h.engine.Snapshot().ActiveCount)
}

func TestEngine_AddEnqueueFailureKeepsQueueEmpty(t *testing.T) {
	h := newHarness(t)
	h.transfer.enqueueErr = errors.New("peer offline")

	_, err := h.engine.Add(context.Background(), AddRequest{Username: "alice", Filename: `Music\a.flac`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer offline")
	assert.Zero(t, h.engine.Snapshot().ActiveCount)
}

func TestEngine_AddPublishesAndGoesActive(t *testing.T) {
	h := newHarness(t)
	updates, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	v := h.add(t, `Music\Album\Song.flac`, false)
	assert.Equal(t, domain.StatusDownloading, v.Status)
	assert.Equal(t, "Song", v.Title)

	u := nextUpdate(t, updates)
	assert.Equal(t, events.KindAdded, u.Kind)
	assert.Equal(t, 1, u.Active)
	assert.Equal(t, "active", u.Mode)
	assert.Equal(t, []string{v.ID}, u.ItemIDs)

	snap := h.engine.Snapshot()
	assert.Equal(t, "active", snap.Mode)
	require.Len(t, snap.Active, 1)
	assert.Len(t, h.transfer.enqueued, 1)
}

func TestEngine_RefreshCompletesAndPostProcesses(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Album\Song.flac`, true)
	h.transfer.setRecords(domain.TransferRecord{
		ID: "t1", Username: "alice", Filename: `Music\Album\Song.flac`, State: "Completed, Succeeded", PercentComplete: 100,
	})

	res, ran := h.engine.Refresh(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, []string{v.ID}, res.Terminal)
	assert.Equal(t, 0, res.Active)
	assert.Equal(t, 1, res.Finished)

	got, err := h.engine.Find(v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "t1", got.RemoteTransferID)
	assert.Equal(t, domain.StatusCompleted, h.journal.status(v.ID))

	assert.Eventually(t, func() bool {
		return h.journal.organizedPath(v.ID) == "/library/Song.flac"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.organizer.count())

	// A second refresh over the same record must not post-process again.
	_, _ = h.engine.Refresh(context.Background())
	assert.Equal(t, 1, h.organizer.count())
	assert.Equal(t, "idle", h.engine.Snapshot().Mode)
}

func TestEngine_RefreshSkipsWhileCycleRunning(t *testing.T) {
	h := newHarness(t)
	e := h.engine.(*engine)
	e.running.Store(true)
	_, ran := h.engine.Refresh(context.Background())
	assert.False(t, ran)
	e.running.Store(false)
	_, ran = h.engine.Refresh(context.Background())
	assert.True(t, ran)
}

func TestEngine_CycleFetchErrorPublishesNothing(t *testing.T) {
	h := newHarness(t)
	h.add(t, `Song.flac`, false)
	updates, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()
	h.transfer.listErr = errors.New("daemon down")

	res, ran := h.engine.Refresh(context.Background())
	require.True(t, ran)
	assert.True(t, res.Skipped)
	assert.Error(t, res.Err)

	select {
	case u := <-updates:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEngine_CancelRoutesToCleanup(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Song.flac`, false)
	h.transfer.setRecords(domain.TransferRecord{ID: "t9", Username: "alice", Filename: `Music\Song.flac`, State: "InProgress"})
	_, _ = h.engine.Refresh(context.Background())

	got, err := h.engine.Cancel(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.StatusCancelled, h.journal.status(v.ID))

	snap := h.engine.Snapshot()
	assert.Zero(t, snap.ActiveCount)
	assert.Equal(t, 1, snap.FinishedCount)

	assert.Eventually(t, func() bool {
		calls := h.transfer.cancelCalls()
		return len(calls) == 2 && calls[1].remove
	}, time.Second, 5*time.Millisecond)
	calls := h.transfer.cancelCalls()
	assert.Equal(t, cancelCall{"t9", "alice", false}, calls[0])

	_, err = h.engine.Cancel(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.engine.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_CancelWithoutRemoteID(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Song.flac`, false)

	got, err := h.engine.Cancel(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, h.transfer.cancelCalls())
}

func TestEngine_Retry(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Song.flac`, true)

	_, err := h.engine.Retry(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	h.transfer.setRecords(domain.TransferRecord{ID: "t1", Username: "alice", Filename: `Music\Song.flac`, State: "Completed, Errored"})
	_, _ = h.engine.Refresh(context.Background())
	failed, err := h.engine.Find(v.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "Completed, Errored", failed.ErrorMessage)

	fresh, err := h.engine.Retry(context.Background(), v.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v.ID, fresh.ID)
	assert.Equal(t, domain.StatusDownloading, fresh.Status)
	assert.Equal(t, v.Title, fresh.Title)
	assert.True(t, fresh.PostProcess)
	assert.Empty(t, fresh.RemoteTransferID)

	_, err = h.engine.Find(v.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	snap := h.engine.Snapshot()
	assert.Equal(t, 1, snap.ActiveCount)
	assert.Zero(t, snap.FinishedCount)

	_, err = h.engine.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RetryRejectsCompleted(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Song.flac`, false)
	h.transfer.setRecords(domain.TransferRecord{ID: "t1", Username: "alice", Filename: `Song.flac`, State: "Completed, Succeeded"})
	_, _ = h.engine.Refresh(context.Background())

	_, err := h.engine.Retry(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestEngine_ClearFinished(t *testing.T) {
	h := newHarness(t)
	a := h.add(t, `a.flac`, false)
	b := h.add(t, `b.flac`, false)
	c := h.add(t, `c.flac`, false)
	_, err := h.engine.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = h.engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Zero(t, h.engine.ClearFinished(domain.StatusCompleted))
	assert.Equal(t, 2, h.engine.ClearFinished(domain.StatusCancelled))

	_, err = h.engine.Find(c.ID)
	assert.NoError(t, err, "active items are never cleared")
	assert.Zero(t, h.engine.Snapshot().FinishedCount)
}

func TestEngine_ClearFinishedBefore(t *testing.T) {
	h := newHarness(t)
	old := h.add(t, `old.flac`, false)
	_, err := h.engine.Cancel(context.Background(), old.ID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	recent := h.add(t, `recent.flac`, false)
	_, err = h.engine.Cancel(context.Background(), recent.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.engine.ClearFinishedBefore(h.clock.Now().Add(-time.Hour)))
	_, err = h.engine.Find(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.Find(recent.ID)
	assert.NoError(t, err)

	assert.Equal(t, 1, h.engine.ClearFinished())
}

func TestEngine_BulkMode(t *testing.T) {
	h := newHarness(t)
	updates, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	h.engine.BeginBulk()
	h.engine.BeginBulk()
	u := nextUpdate(t, updates)
	assert.Equal(t, events.KindMode, u.Kind)
	assert.Equal(t, "bulk_pause", u.Mode)
	_ = nextUpdate(t, updates)

	h.engine.EndBulk()
	assert.Equal(t, "bulk_pause", h.engine.Snapshot().Mode)
	h.engine.EndBulk()
	assert.Equal(t, "idle", h.engine.Snapshot().Mode)
	assert.False(t, h.engine.Snapshot().Bulk)
}

func TestEngine_StartReconcilesInBackground(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Song.flac`, false)
	h.transfer.setRecords(domain.TransferRecord{ID: "t1", Username: "alice", Filename: `Music\Song.flac`, State: "Completed, Succeeded"})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Error(t, h.engine.Start(context.Background()))

	assert.Eventually(t, func() bool {
		got, err := h.engine.Find(v.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_MissingItemFailsAfterThreshold(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Gone.flac`, false)

	for i := 0; i < 2; i++ {
		_, _ = h.engine.Refresh(context.Background())
		got, err := h.engine.Find(v.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusDownloading, got.Status)
	}
	res, _ := h.engine.Refresh(context.Background())
	assert.Equal(t, []string{v.ID}, res.Terminal)
	assert.Equal(t, domain.StatusFailed, h.journal.status(v.ID))
}

func TestEngine_RefusesWorkAfterShutdown(t *testing.T) {
	h := newHarness(t)
	v := h.add(t, `Music\Song.flac`, false)
	h.engine.Shutdown()

	_, err := h.engine.Add(context.Background(), AddRequest{Username: "alice", Filename: "late.flac"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.engine.Cancel(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.engine.Retry(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Len(t, h.transfer.enqueued, 1, "nothing reaches the daemon after shutdown")
	got, err := h.engine.Find(v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, got.Status)
}
