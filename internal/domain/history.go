package domain

import "time"

// HistoryEntry is the journaled outcome of one download item.
type HistoryEntry struct {
	ID               int64
	ItemID           string
	RemoteTransferID string
	Title            string
	Artist           string
	Album            string
	Username         string
	FilePath         string
	FinalPath        string
	Size             int64
	Status           ItemStatus
	ErrorMessage     string
	CreatedAt        time.Time
	FinishedAt       *time.Time
	OrganizedAt      *time.Time
	UpdatedAt        time.Time
}

// HistoryFilter narrows a history listing. Zero values mean no constraint.
type HistoryFilter struct {
	Statuses []ItemStatus
	Username string
	Limit    int
}

// HistoryEntryFromView converts an item snapshot into a journal row.
func HistoryEntryFromView(v View) HistoryEntry {
	return HistoryEntry{
		ItemID:           v.ID,
		RemoteTransferID: v.RemoteTransferID,
		Title:            v.Title,
		Artist:           v.Artist,
		Album:            v.Album,
		Username:         v.Username,
		FilePath:         v.FilePath,
		Size:             v.Size,
		Status:           v.Status,
		ErrorMessage:     v.ErrorMessage,
		CreatedAt:        v.CreatedAt,
		FinishedAt:       v.FinishedAt,
	}
}
