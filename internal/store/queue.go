package store

import (
	"sort"
	"time"

	"qbook/queue-engine/internal/models"
)

// minRemainingMinutes floors the remaining-time estimate for a token that is
// already being served, so a long-running service never subtracts below it.
const minRemainingMinutes = 1

// PriorityRank maps a priority class to its queue tier. Lower ranks are
// served first. Senior and disabled share a tier; ties inside a tier are
// broken by arrival order.
func PriorityRank(priority string) int {
	switch priority {
	case models.PriorityVIP:
		return 0
	case models.PrioritySenior, models.PriorityDisabled:
		return 1
	default:
		return 2
	}
}

func lessByQueueOrder(a, b models.Token) bool {
	ra, rb := PriorityRank(a.Priority), PriorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TokenID < b.TokenID
}

// SortWaiting orders waiting tokens by the queue key: priority tier, then
// creation time, then token id as a total-order tie break.
func SortWaiting(tokens []models.Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return lessByQueueOrder(tokens[i], tokens[j])
	})
}

// AssignPositions sorts the waiting list in place and stamps each token with
// its 1-based rank. Position is a pure function of the queue key, computed
// on every read; it is never written back to storage.
func AssignPositions(waiting []models.Token) {
	SortWaiting(waiting)
	for i := range waiting {
		waiting[i].Position = i + 1
	}
}

// PositionOf returns the 1-based rank of the token among the waiting list,
// or 0 when the token is not waiting there.
func PositionOf(waiting []models.Token, tokenID string) int {
	sorted := make([]models.Token, len(waiting))
	copy(sorted, waiting)
	SortWaiting(sorted)
	for i := range sorted {
		if sorted[i].TokenID == tokenID {
			return i + 1
		}
	}
	return 0
}

// EstimateWaitMinutes estimates how long the waiting token at index idx (in
// queue order) waits before being called: the sum of average service times
// of every token ahead of it, plus the remaining time of tokens currently
// at the center's counters. avgMinutes resolves a service id to its average
// service duration in minutes.
func EstimateWaitMinutes(waiting, inService []models.Token, avgMinutes func(serviceID string) int, now time.Time, idx int) int {
	if idx < 0 || idx >= len(waiting) {
		return 0
	}
	total := 0
	for i := 0; i < idx; i++ {
		total += avgMinutes(waiting[i].ServiceID)
	}
	for _, token := range inService {
		avg := avgMinutes(token.ServiceID)
		remaining := avg
		if token.ServiceStartAt != nil {
			elapsed := int(now.Sub(*token.ServiceStartAt) / time.Minute)
			remaining = avg - elapsed
		}
		if remaining < minRemainingMinutes {
			remaining = minRemainingMinutes
		}
		total += remaining
	}
	return total
}

// AnnotateQueue sorts the waiting list, stamps positions, and fills each
// waiting token's estimated wait. inService holds the center's tokens in
// called or serving state.
func AnnotateQueue(waiting, inService []models.Token, avgMinutes func(serviceID string) int, now time.Time) {
	AssignPositions(waiting)
	for i := range waiting {
		waiting[i].EstimatedWaitMinutes = EstimateWaitMinutes(waiting, inService, avgMinutes, now, i)
	}
}
