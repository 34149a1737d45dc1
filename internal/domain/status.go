package domain

import "fmt"

type ItemStatus string

const (
	StatusQueued      ItemStatus = "queued"
	StatusDownloading ItemStatus = "downloading"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusCancelled   ItemStatus = "cancelled"
)

// validTransitions lists the statuses reachable from each status in one step.
// Terminal statuses have no outgoing edges.
var validTransitions = map[ItemStatus][]ItemStatus{
	StatusQueued:      {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusCancelled:   {},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to ItemStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for completed, failed and cancelled.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InQueueGroup is true for statuses that count towards queue dwell time.
// The daemon's "Initializing" and "Requested" states map to queued.
func (s ItemStatus) InQueueGroup() bool {
	return s == StatusQueued
}

func (s ItemStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseStatus converts a status name, e.g. from a query string.
func ParseStatus(v string) (ItemStatus, error) {
	s := ItemStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}
