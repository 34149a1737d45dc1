package reconcile

import (
	"strings"

	"soulqueue/internal/domain"
)

// stateRule maps any remote state containing one of terms to status.
type stateRule struct {
	status domain.ItemStatus
	terms  []string
}

// stateRules are checked in order; the first rule with a matching term wins.
// Cancellation and failure come before completion because the daemon reports
// compound states such as "Completed, Cancelled" and "Completed, Errored".
var stateRules = []stateRule{
	{domain.StatusCancelled, []string{"cancel", "abort"}},
	{domain.StatusFailed, []string{"error", "fail", "reject", "timedout", "timed out"}},
	{domain.StatusCompleted, []string{"succeeded", "complete"}},
	{domain.StatusDownloading, []string{"inprogress", "in progress", "downloading", "transferring"}},
}

// MapState converts the daemon's free-text state into a canonical status.
// Unknown states, including "Requested", "Initializing" and the
// "Queued, ..." family, map to queued.
func MapState(state string) domain.ItemStatus {
	s := strings.ToLower(strings.TrimSpace(state))
	for _, rule := range stateRules {
		for _, term := range rule.terms {
			if strings.Contains(s, term) {
				return rule.status
			}
		}
	}
	return domain.StatusQueued
}

// IsCleanupState reports whether a remote record is in a state the cleanup
// sweep should remove.
func IsCleanupState(state string) bool {
	switch MapState(state) {
	case domain.StatusFailed, domain.StatusCancelled:
		return true
	}
	return false
}
