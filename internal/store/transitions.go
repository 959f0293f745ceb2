package store

import "qbook/queue-engine/internal/models"

// transitionMap is the single source of truth for the token state machine.
// Actions not listed, or attempted from a state not listed for them, are
// rejected before any write happens.
var transitionMap = map[string][]string{
	"call_next": {models.StatusWaiting},
	"arrive":    {models.StatusCalled},
	"complete":  {models.StatusServing},
	"cancel":    {models.StatusWaiting},
	"no_show":   {models.StatusCalled},
}

// TransitionSource returns the only state the action may depart from.
func TransitionSource(action string) (string, bool) {
	allowed, ok := transitionMap[action]
	if !ok || len(allowed) != 1 {
		return "", false
	}
	return allowed[0], true
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
