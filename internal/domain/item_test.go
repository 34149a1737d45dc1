package domain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestItem(t *testing.T) *DownloadItem {
	t.Helper()
	item, err := NewDownloadItem(NewItemParams{
		Username: "alice",
		FilePath: `@@music\Artist\Album\01 Song.flac`,
	})
	require.NoError(t, err)
	return item
}

func TestNewDownloadItem(t *testing.T) {
	item := newTestItem(t)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StatusDownloading, item.Status())
	assert.Equal(t, 0, item.Progress())
	assert.Equal(t, "01 Song", item.Title)
	assert.Empty(t, item.RemoteTransferID())

	other := newTestItem(t)
	assert.NotEqual(t, item.ID, other.ID)
}

func TestNewDownloadItem_QueuedStartsDwellClock(t *testing.T) {
	before := time.Now()
	item, err := NewDownloadItem(NewItemParams{Username: "alice", FilePath: "a.flac", Queued: true})
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, item.Status())
	assert.False(t, item.QueueEnteredAt().IsZero())
	assert.False(t, item.QueueEnteredAt().Before(before))
	assert.Equal(t, item.CreatedAt, item.QueueEnteredAt())

	assert.True(t, newTestItem(t).QueueEnteredAt().IsZero())
}

func TestNewDownloadItem_Validation(t *testing.T) {
	zero := 0
	tests := []struct {
		name   string
		params NewItemParams
	}{
		{"missing username", NewItemParams{FilePath: "a.flac"}},
		{"missing path", NewItemParams{Username: "bob"}},
		{"non-positive track", NewItemParams{Username: "bob", FilePath: "a.flac", TrackNumber: &zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDownloadItem(tt.params)
			assert.Error(t, err)
		})
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]ItemStatus{
		{StatusQueued, StatusDownloading},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusCancelled},
		{StatusDownloading, StatusCompleted},
		{StatusDownloading, StatusFailed},
		{StatusDownloading, StatusCancelled},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	illegal := [][2]ItemStatus{
		{StatusDownloading, StatusQueued},
		{StatusQueued, StatusCompleted},
		{StatusCompleted, StatusDownloading},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusDownloading},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestSetStatus_TerminalIsFinal(t *testing.T) {
	item := newTestItem(t)
	now := time.Now()

	prev, changed := item.SetStatus(StatusCompleted, now)
	require.True(t, changed)
	assert.Equal(t, StatusDownloading, prev)
	assert.Equal(t, 100, item.Progress())
	assert.Equal(t, now, item.FinishedAt())

	for _, next := range []ItemStatus{StatusQueued, StatusDownloading, StatusFailed, StatusCancelled} {
		_, changed := item.SetStatus(next, now)
		assert.False(t, changed)
		assert.Equal(t, StatusCompleted, item.Status())
	}
}

func TestSetStatus_SameStatusIsNoop(t *testing.T) {
	item := newTestItem(t)
	_, changed := item.SetStatus(StatusDownloading, time.Now())
	assert.False(t, changed)
}

func TestObserveProgress_Monotonic(t *testing.T) {
	item := newTestItem(t)

	item.ObserveProgress(40, 1000)
	assert.Equal(t, 40, item.Progress())

	item.ObserveProgress(25, 500)
	assert.Equal(t, 40, item.Progress(), "progress must not move backwards")
	assert.Equal(t, 500.0, item.Speed())

	item.ObserveProgress(250, 0)
	assert.Equal(t, 100, item.Progress())

	item.ObserveProgress(-3, 0)
	assert.Equal(t, 100, item.Progress())
}

func TestTrackQueueDwell(t *testing.T) {
	item := newTestItem(t)
	start := time.Now()

	item.TrackQueueDwell(StatusQueued, start)
	assert.Equal(t, start, item.QueueEnteredAt())

	// A second queued observation keeps the original start.
	item.TrackQueueDwell(StatusQueued, start.Add(time.Minute))
	assert.Equal(t, start, item.QueueEnteredAt())
	assert.Equal(t, 2*time.Minute, item.QueueDwell(start.Add(2*time.Minute)))

	item.TrackQueueDwell(StatusDownloading, start.Add(3*time.Minute))
	assert.True(t, item.QueueEnteredAt().IsZero())
	assert.Zero(t, item.QueueDwell(start.Add(4*time.Minute)))
}

func TestMissingCounter(t *testing.T) {
	item := newTestItem(t)
	assert.Equal(t, 1, item.IncrementMissing())
	assert.Equal(t, 2, item.IncrementMissing())
	item.ResetMissing()
	assert.Equal(t, 0, item.APIMissingCount())
}

func TestMarkCompletionProcessed_Concurrent(t *testing.T) {
	item := newTestItem(t)

	const callers = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if item.MarkCompletionProcessed() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, item.CompletionProcessed())
}

func TestSnapshot(t *testing.T) {
	track := 3
	item, err := NewDownloadItem(NewItemParams{
		Title:       "Song",
		Artist:      "Artist",
		Album:       "Album",
		TrackNumber: &track,
		Username:    "alice",
		FilePath:    "/music/Song.flac",
	})
	require.NoError(t, err)
	item.SetRemoteTransferID("r1")

	v := item.Snapshot()
	assert.Equal(t, "r1", v.RemoteTransferID)
	assert.Equal(t, StatusDownloading, v.Status)
	assert.Nil(t, v.QueueEnteredAt)
	assert.Nil(t, v.FinishedAt)
	require.NotNil(t, v.TrackNumber)
	assert.Equal(t, 3, *v.TrackNumber)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "Song.flac", BaseName(`@@share\Artist\Song.flac`))
	assert.Equal(t, "Song.flac", BaseName("/a/b/Song.flac"))
	assert.Equal(t, "Song.flac", BaseName("Song.flac"))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}
