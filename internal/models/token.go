package models

import "time"

type Token struct {
	TokenID        string     `json:"token_id"`
	TokenNumber    string     `json:"token_number"`
	CustomerID     string     `json:"customer_id"`
	ServiceID      string     `json:"service_id"`
	CenterID       string     `json:"center_id"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	CounterID      *string    `json:"counter_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ArrivedAt      *time.Time `json:"arrived_at,omitempty"`
	ServiceStartAt *time.Time `json:"service_start_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExpireAt       *time.Time `json:"expire_at,omitempty"`

	// Derived on read, never persisted.
	Position             int `json:"position,omitempty"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
	StatusCancelled = "cancelled"
)

const (
	PriorityNormal   = "normal"
	PrioritySenior   = "senior"
	PriorityDisabled = "disabled"
	PriorityVIP      = "vip"
)

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityNormal, PrioritySenior, PriorityDisabled, PriorityVIP:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the states in which a token still occupies the queue
// or a counter. A customer may hold at most one active token per center.
var ActiveStatuses = []string{StatusWaiting, StatusCalled, StatusServing}

func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	default:
		return false
	}
}
