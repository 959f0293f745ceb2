package models

type Counter struct {
	CounterID      string   `json:"counter_id"`
	CenterID       string   `json:"center_id"`
	Name           string   `json:"name"`
	OperatorID     *string  `json:"operator_id,omitempty"`
	Status         string   `json:"status"`
	CurrentTokenID *string  `json:"current_token_id,omitempty"`
	Services       []string `json:"services,omitempty"`
}

const (
	CounterOffline   = "offline"
	CounterAvailable = "available"
	CounterServing   = "serving"
	CounterBreak     = "break"
)

func ValidCounterStatus(status string) bool {
	switch status {
	case CounterOffline, CounterAvailable, CounterServing, CounterBreak:
		return true
	default:
		return false
	}
}
