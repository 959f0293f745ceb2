package store

import (
	"context"
	"encoding/json"
	"time"

	"qbook/queue-engine/internal/models"
)

type BookTokenInput struct {
	CustomerID string
	ServiceID  string
	CenterID   string
	Priority   string
	CreatedAt  time.Time
}

type CallNextInput struct {
	CounterID string
	CalledAt  time.Time
}

type TokenActionInput struct {
	TokenID    string
	OccurredAt time.Time
}

type CancelTokenInput struct {
	TokenID string
	// CustomerID restricts the cancel to the owning customer; empty means
	// an operator or admin override.
	CustomerID string
	OccurredAt time.Time
}

// Snapshot is the consistent, read-time view of one center's queue. Waiting
// tokens carry computed positions and wait estimates; InService holds the
// tokens currently bound to counters (called or serving).
type Snapshot struct {
	CenterID    string         `json:"center_id"`
	Waiting     []models.Token `json:"waiting"`
	InService   []models.Token `json:"in_service"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type QueueEvent struct {
	EventID   string          `json:"event_id"`
	CenterID  string          `json:"center_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Session struct {
	SessionID  string
	UserID     string
	CustomerID string
	Role       string
	ExpiresAt  time.Time
}

type TokenStore interface {
	BookToken(ctx context.Context, input BookTokenInput) (models.Token, error)
	TokenStatus(ctx context.Context, tokenID string) (models.Token, error)
	CancelToken(ctx context.Context, input CancelTokenInput) (models.Token, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Token, models.Counter, error)
	MarkArrived(ctx context.Context, input TokenActionInput) (models.Token, error)
	CompleteToken(ctx context.Context, input TokenActionInput) (models.Token, error)
	MarkNoShow(ctx context.Context, input TokenActionInput) (models.Token, error)
	SweepExpired(ctx context.Context, asOf time.Time, batchSize int) (int, error)
	QueueSnapshot(ctx context.Context, centerID string) (Snapshot, error)
	ListCounters(ctx context.Context, centerID string) ([]models.Counter, error)
	UpdateCounterStatus(ctx context.Context, counterID, status string) error
	ListServices(ctx context.Context, centerID string) ([]models.Service, error)
	ListEvents(ctx context.Context, centerID string, after time.Time, limit int) ([]QueueEvent, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}
