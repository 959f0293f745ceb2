package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qbook/queue-engine/internal/models"
	"qbook/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenNumberPad = 3

const tokenColumns = `token_id, token_number, customer_id, service_id, center_id, priority, status,
	counter_id, created_at, called_at, arrived_at, service_start_at, completed_at, expire_at`

// priorityOrder mirrors store.PriorityRank so SQL-side selection and Go-side
// position ranking can never disagree about the queue order.
const priorityOrder = `CASE priority
	WHEN 'vip' THEN 0
	WHEN 'senior' THEN 1
	WHEN 'disabled' THEN 1
	ELSE 2
END`

// Notifier receives queue change events after the owning transaction has
// committed. Publishing is best effort; failures never roll back state.
type Notifier interface {
	Publish(ctx context.Context, centerID, eventType string, payload []byte)
}

type Store struct {
	pool          *pgxpool.Pool
	noShowTimeout time.Duration
	notifier      Notifier
}

type Options struct {
	NoShowTimeout time.Duration
	Notifier      Notifier
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.NoShowTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Store{
		pool:          pool,
		noShowTimeout: timeout,
		notifier:      options.Notifier,
	}
}

func (s *Store) BookToken(ctx context.Context, input store.BookTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	prefix, err := lookupCenterPrefix(ctx, tx, input.CenterID)
	if err != nil {
		return models.Token{}, err
	}
	if err = ensureServiceActive(ctx, tx, input.ServiceID, input.CenterID); err != nil {
		return models.Token{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	seq, err := nextTokenNumber(ctx, tx, input.CenterID, createdAt)
	if err != nil {
		return models.Token{}, err
	}
	formattedNumber := fmt.Sprintf("%s-%0*d", prefix, tokenNumberPad, seq)
	tokenID := uuid.NewString()

	var token models.Token
	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, token_number, customer_id, service_id, center_id, priority, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+tokenColumns+`
	`, tokenID, formattedNumber, input.CustomerID, input.ServiceID, input.CenterID, input.Priority, models.StatusWaiting, createdAt)
	if err = scanToken(row, &token); err != nil {
		if isActiveTokenConflict(err) {
			err = store.ErrDuplicateActiveToken
		}
		return models.Token{}, err
	}

	// Position and estimate are computed inside the transaction so the
	// response reflects the queue the insert actually joined.
	if err = s.annotateToken(ctx, tx, &token, createdAt); err != nil {
		return models.Token{}, err
	}

	payload, err := insertQueueEvent(ctx, tx, "token.created", token)
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.publish(ctx, token.CenterID, "token.created", payload)
	return token, nil
}

func (s *Store) TokenStatus(ctx context.Context, tokenID string) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.Token{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	token, err := getTokenByID(ctx, tx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusWaiting {
		if err := s.annotateToken(ctx, tx, &token, time.Now().UTC()); err != nil {
			return models.Token{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) CancelToken(ctx context.Context, input store.CancelTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	fromStatus, _ := store.TransitionSource("cancel")
	query := `
		UPDATE tokens
		SET status = 'cancelled'
		WHERE token_id = $1 AND status = $2
	`
	args := []interface{}{input.TokenID, fromStatus}
	if input.CustomerID != "" {
		query += " AND customer_id = $3"
		args = append(args, input.CustomerID)
	}
	query += " RETURNING " + tokenColumns

	var token models.Token
	row := tx.QueryRow(ctx, query, args...)
	if err = scanToken(row, &token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.explainCancelFailure(ctx, tx, input)
		}
		return models.Token{}, err
	}

	payload, err := insertQueueEvent(ctx, tx, "token.cancelled", token)
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.publish(ctx, token.CenterID, "token.cancelled", payload)
	return token, nil
}

func (s *Store) explainCancelFailure(ctx context.Context, tx pgx.Tx, input store.CancelTokenInput) error {
	var status, customerID string
	row := tx.QueryRow(ctx, `
		SELECT status, customer_id
		FROM tokens
		WHERE token_id = $1
	`, input.TokenID)
	if err := row.Scan(&status, &customerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	if input.CustomerID != "" && customerID != input.CustomerID {
		return store.ErrAccessDenied
	}
	return store.ErrInvalidTransition
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Token, models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := lockCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Token{}, models.Counter{}, err
	}
	if counter.Status != models.CounterAvailable {
		err = store.ErrCounterUnavailable
		return models.Token{}, models.Counter{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	expireAt := calledAt.Add(s.noShowTimeout)

	token, err := bindNextToken(ctx, tx, counter, calledAt, expireAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = tx.Commit(ctx); err != nil {
				return models.Token{}, models.Counter{}, err
			}
			return models.Token{}, models.Counter{}, store.ErrEmptyQueue
		}
		return models.Token{}, models.Counter{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = 'serving',
			current_token_id = $1
		WHERE counter_id = $2 AND status = 'available'
	`, token.TokenID, counter.CounterID)
	if err != nil {
		return models.Token{}, models.Counter{}, err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrConflict
		return models.Token{}, models.Counter{}, err
	}
	counter.Status = models.CounterServing
	counter.CurrentTokenID = &token.TokenID

	payload, err := insertQueueEvent(ctx, tx, "token.called", token)
	if err != nil {
		return models.Token{}, models.Counter{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, models.Counter{}, err
	}

	s.publish(ctx, token.CenterID, "token.called", payload)
	return token, counter, nil
}

func (s *Store) MarkArrived(ctx context.Context, input store.TokenActionInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	fromStatus, _ := store.TransitionSource("arrive")
	var token models.Token
	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = 'serving',
			arrived_at = $2,
			service_start_at = $2,
			expire_at = NULL
		WHERE token_id = $1 AND status = $3 AND expire_at > $2
		RETURNING `+tokenColumns+`
	`, input.TokenID, occurredAt, fromStatus)
	if err = scanToken(row, &token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.explainArrivalFailure(ctx, tx, input.TokenID, occurredAt)
		}
		return models.Token{}, err
	}

	payload, err := insertQueueEvent(ctx, tx, "token.serving", token)
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.publish(ctx, token.CenterID, "token.serving", payload)
	return token, nil
}

// explainArrivalFailure distinguishes an arrival past the deadline from a
// plain illegal transition, racing the sweeper either way.
func (s *Store) explainArrivalFailure(ctx context.Context, tx pgx.Tx, tokenID string, asOf time.Time) error {
	var status string
	var expireAt sql.NullTime
	row := tx.QueryRow(ctx, `
		SELECT status, expire_at
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	if err := row.Scan(&status, &expireAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	if status == models.StatusCalled && expireAt.Valid && !expireAt.Time.After(asOf) {
		return store.ErrExpired
	}
	return store.ErrInvalidTransition
}

func (s *Store) CompleteToken(ctx context.Context, input store.TokenActionInput) (models.Token, error) {
	return s.finishToken(ctx, input, "complete", models.StatusCompleted, "token.completed")
}

func (s *Store) MarkNoShow(ctx context.Context, input store.TokenActionInput) (models.Token, error) {
	return s.finishToken(ctx, input, "no_show", models.StatusNoShow, "token.no_show")
}

// finishToken handles the two counter-freeing terminal transitions. The old
// counter binding is captured with a locked pre-read so the counter can be
// released in the same transaction as the token's conditional update.
func (s *Store) finishToken(ctx context.Context, input store.TokenActionInput, action, toStatus, eventType string) (models.Token, error) {
	fromStatus, ok := store.TransitionSource(action)
	if !ok {
		return models.Token{}, store.ErrInvalidTransition
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	setCompleted := ""
	statusParam := "$3"
	args := []interface{}{input.TokenID, fromStatus}
	if toStatus == models.StatusCompleted {
		setCompleted = "completed_at = $3,"
		statusParam = "$4"
		args = append(args, occurredAt)
	}
	args = append(args, toStatus)

	var token models.Token
	var oldCounterID sql.NullString
	row := tx.QueryRow(ctx, `
		WITH current AS (
			SELECT token_id, counter_id
			FROM tokens
			WHERE token_id = $1 AND status = $2
			FOR UPDATE
		), updated AS (
			UPDATE tokens
			SET status = `+statusParam+`,
				`+setCompleted+`
				counter_id = NULL,
				expire_at = NULL
			FROM current
			WHERE tokens.token_id = current.token_id
			RETURNING `+prefixedTokenColumns("tokens")+`
		)
		SELECT `+prefixedTokenColumns("updated")+`, current.counter_id
		FROM updated
		JOIN current ON TRUE
	`, args...)
	if err = scanTokenWith(row, &token, &oldCounterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.explainTransitionFailure(ctx, tx, input.TokenID)
		}
		return models.Token{}, err
	}

	if oldCounterID.Valid {
		if err = freeCounter(ctx, tx, oldCounterID.String, input.TokenID); err != nil {
			return models.Token{}, err
		}
	}

	payload, err := insertQueueEvent(ctx, tx, eventType, token)
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.publish(ctx, token.CenterID, eventType, payload)
	return token, nil
}

func (s *Store) explainTransitionFailure(ctx context.Context, tx pgx.Tx, tokenID string) error {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	return store.ErrInvalidTransition
}

func (s *Store) SweepExpired(ctx context.Context, asOf time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE status = 'called' AND expire_at <= $1
		ORDER BY expire_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, asOf, batchSize)
	if err != nil {
		return 0, err
	}
	expired, err := collectTokens(rows)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	type outboxEvent struct {
		centerID string
		payload  []byte
	}
	var events []outboxEvent
	processed := 0
	for i := range expired {
		token := expired[i]
		tag, execErr := tx.Exec(ctx, `
			UPDATE tokens
			SET status = 'no_show',
				counter_id = NULL,
				expire_at = NULL
			WHERE token_id = $1 AND status = 'called'
		`, token.TokenID)
		if execErr != nil {
			err = execErr
			return 0, err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if token.CounterID != nil {
			if err = freeCounter(ctx, tx, *token.CounterID, token.TokenID); err != nil {
				return 0, err
			}
		}
		token.Status = models.StatusNoShow
		token.CounterID = nil
		token.ExpireAt = nil
		payload, evErr := insertQueueEvent(ctx, tx, "token.no_show", token)
		if evErr != nil {
			err = evErr
			return 0, err
		}
		events = append(events, outboxEvent{centerID: token.CenterID, payload: payload})
		processed++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	for _, event := range events {
		s.publish(ctx, event.centerID, "token.no_show", event.payload)
	}
	return processed, nil
}

func (s *Store) QueueSnapshot(ctx context.Context, centerID string) (store.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := ensureCenterExists(ctx, tx, centerID); err != nil {
		return store.Snapshot{}, err
	}

	now := time.Now().UTC()
	waiting, inService, err := loadCenterQueue(ctx, tx, centerID)
	if err != nil {
		return store.Snapshot{}, err
	}
	avg, err := loadServiceAverages(ctx, tx, centerID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}

	store.AnnotateQueue(waiting, inService, avg, now)
	return store.Snapshot{
		CenterID:    centerID,
		Waiting:     waiting,
		InService:   inService,
		GeneratedAt: now,
	}, nil
}

func (s *Store) ListCounters(ctx context.Context, centerID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, center_id, name, operator_id, status, current_token_id
		FROM counters
		WHERE center_id = $1
		ORDER BY name ASC
	`, centerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	index := map[string]int{}
	for rows.Next() {
		var counter models.Counter
		var operatorIDNull, currentTokenNull sql.NullString
		if err := rows.Scan(&counter.CounterID, &counter.CenterID, &counter.Name, &operatorIDNull, &counter.Status, &currentTokenNull); err != nil {
			return nil, err
		}
		counter.OperatorID = nullStringPtr(operatorIDNull)
		counter.CurrentTokenID = nullStringPtr(currentTokenNull)
		index[counter.CounterID] = len(counters)
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	serviceRows, err := s.pool.Query(ctx, `
		SELECT cs.counter_id, cs.service_id
		FROM counter_services cs
		JOIN counters c ON c.counter_id = cs.counter_id
		WHERE c.center_id = $1
		ORDER BY cs.service_id ASC
	`, centerID)
	if err != nil {
		return nil, err
	}
	defer serviceRows.Close()
	for serviceRows.Next() {
		var counterID, serviceID string
		if err := serviceRows.Scan(&counterID, &serviceID); err != nil {
			return nil, err
		}
		if i, ok := index[counterID]; ok {
			counters[i].Services = append(counters[i].Services, serviceID)
		}
	}
	if err := serviceRows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) UpdateCounterStatus(ctx context.Context, counterID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE counters
		SET status = $1
		WHERE counter_id = $2 AND current_token_id IS NULL
	`, status, counterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1)
	`, counterID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrCounterNotFound
	}
	return store.ErrCounterOccupied
}

func (s *Store) ListServices(ctx context.Context, centerID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, center_id, name, code, avg_service_minutes, active
		FROM services
		WHERE center_id = $1 AND active = TRUE
		ORDER BY name ASC
	`, centerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.CenterID, &svc.Name, &svc.Code, &svc.AvgServiceMinutes, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) ListEvents(ctx context.Context, centerID string, after time.Time, limit int) ([]store.QueueEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, center_id, type, payload_json, created_at
		FROM queue_events
		WHERE center_id = $1
	`
	args := []interface{}{centerID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.QueueEvent
	for rows.Next() {
		var event store.QueueEvent
		if err := rows.Scan(&event.EventID, &event.CenterID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	var customerIDNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, customer_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &customerIDNull, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	if customerIDNull.Valid {
		session.CustomerID = customerIDNull.String
	}
	return session, nil
}

// annotateToken computes the read-time position and wait estimate for a
// waiting token from its center's live queue.
func (s *Store) annotateToken(ctx context.Context, tx pgx.Tx, token *models.Token, now time.Time) error {
	waiting, inService, err := loadCenterQueue(ctx, tx, token.CenterID)
	if err != nil {
		return err
	}
	avg, err := loadServiceAverages(ctx, tx, token.CenterID)
	if err != nil {
		return err
	}
	store.AnnotateQueue(waiting, inService, avg, now)
	for i := range waiting {
		if waiting[i].TokenID == token.TokenID {
			token.Position = waiting[i].Position
			token.EstimatedWaitMinutes = waiting[i].EstimatedWaitMinutes
			return nil
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, centerID, eventType string, payload []byte) {
	if s.notifier == nil || len(payload) == 0 {
		return
	}
	s.notifier.Publish(ctx, centerID, eventType, payload)
}

// bindNextToken is the single atomic select-and-bind step: among waiting
// tokens at the counter's center that the counter is eligible to serve, lock
// and transition the one with the smallest ordering key. SKIP LOCKED keeps
// two concurrent call-next transactions from ever selecting the same row.
// A counter with no counter_services rows serves every service at its center.
func bindNextToken(ctx context.Context, tx pgx.Tx, counter models.Counter, calledAt, expireAt time.Time) (models.Token, error) {
	var token models.Token
	row := tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE center_id = $1 AND status = 'waiting'
				AND (
					NOT EXISTS (SELECT 1 FROM counter_services cs WHERE cs.counter_id = $2)
					OR EXISTS (
						SELECT 1 FROM counter_services cs
						WHERE cs.counter_id = $2 AND cs.service_id = tokens.service_id
					)
				)
			ORDER BY `+priorityOrder+`, created_at ASC, token_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = 'called',
			counter_id = $2,
			called_at = $3,
			expire_at = $4
		FROM next_token
		WHERE tokens.token_id = next_token.token_id
		RETURNING `+prefixedTokenColumns("tokens")+`
	`, counter.CenterID, counter.CounterID, calledAt, expireAt)
	if err := scanToken(row, &token); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	var operatorIDNull, currentTokenNull sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT counter_id, center_id, name, operator_id, status, current_token_id
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.CenterID, &counter.Name, &operatorIDNull, &counter.Status, &currentTokenNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	counter.OperatorID = nullStringPtr(operatorIDNull)
	counter.CurrentTokenID = nullStringPtr(currentTokenNull)
	return counter, nil
}

// freeCounter releases a counter whose bound token reached a terminal state.
// The current_token_id condition makes a double free from a racing sweep a
// harmless no-op.
func freeCounter(ctx context.Context, tx pgx.Tx, counterID, tokenID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = 'available',
			current_token_id = NULL
		WHERE counter_id = $1 AND current_token_id = $2
	`, counterID, tokenID)
	return err
}

func lookupCenterPrefix(ctx context.Context, tx pgx.Tx, centerID string) (string, error) {
	var prefix string
	row := tx.QueryRow(ctx, `
		SELECT prefix
		FROM service_centers
		WHERE center_id = $1 AND active = TRUE
	`, centerID)
	if err := row.Scan(&prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrCenterNotFound
		}
		return "", err
	}
	return prefix, nil
}

func ensureCenterExists(ctx context.Context, tx pgx.Tx, centerID string) error {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM service_centers WHERE center_id = $1)
	`, centerID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrCenterNotFound
	}
	return nil
}

func ensureServiceActive(ctx context.Context, tx pgx.Tx, serviceID, centerID string) error {
	var id string
	row := tx.QueryRow(ctx, `
		SELECT service_id
		FROM services
		WHERE service_id = $1 AND center_id = $2 AND active = TRUE
	`, serviceID, centerID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrServiceNotFound
		}
		return err
	}
	return nil
}

// nextTokenNumber allocates the next human-readable sequence for a center's
// calendar day. The upsert keeps concurrent bookings from ever observing the
// same number; the day key resets the count at midnight UTC.
func nextTokenNumber(ctx context.Context, tx pgx.Tx, centerID string, createdAt time.Time) (int64, error) {
	day := createdAt.UTC().Truncate(24 * time.Hour)
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (center_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (center_id, day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, centerID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func loadCenterQueue(ctx context.Context, tx pgx.Tx, centerID string) ([]models.Token, []models.Token, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE center_id = $1 AND status IN ('waiting', 'called', 'serving')
		ORDER BY created_at ASC
	`, centerID)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return nil, nil, err
	}

	var waiting, inService []models.Token
	for _, token := range tokens {
		if token.Status == models.StatusWaiting {
			waiting = append(waiting, token)
		} else {
			inService = append(inService, token)
		}
	}
	return waiting, inService, nil
}

const defaultAvgServiceMinutes = 10

func loadServiceAverages(ctx context.Context, tx pgx.Tx, centerID string) (func(serviceID string) int, error) {
	rows, err := tx.Query(ctx, `
		SELECT service_id, avg_service_minutes
		FROM services
		WHERE center_id = $1
	`, centerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	averages := map[string]int{}
	for rows.Next() {
		var serviceID string
		var minutes int
		if err := rows.Scan(&serviceID, &minutes); err != nil {
			return nil, err
		}
		averages[serviceID] = minutes
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return func(serviceID string) int {
		if minutes, ok := averages[serviceID]; ok && minutes > 0 {
			return minutes
		}
		return defaultAvgServiceMinutes
	}, nil
}

func getTokenByID(ctx context.Context, tx pgx.Tx, tokenID string) (models.Token, error) {
	var token models.Token
	row := tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	if err := scanToken(row, &token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func insertQueueEvent(ctx context.Context, tx pgx.Tx, eventType string, token models.Token) ([]byte, error) {
	payload := map[string]interface{}{
		"token_id":     token.TokenID,
		"token_number": token.TokenNumber,
		"status":       token.Status,
		"priority":     token.Priority,
		"center_id":    token.CenterID,
		"service_id":   token.ServiceID,
		"counter_id":   token.CounterID,
		"created_at":   token.CreatedAt,
		"called_at":    token.CalledAt,
		"expire_at":    token.ExpireAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_events (event_id, center_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), token.CenterID, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return payloadJSON, nil
}

func prefixedTokenColumns(alias string) string {
	return alias + `.token_id, ` + alias + `.token_number, ` + alias + `.customer_id, ` +
		alias + `.service_id, ` + alias + `.center_id, ` + alias + `.priority, ` + alias + `.status, ` +
		alias + `.counter_id, ` + alias + `.created_at, ` + alias + `.called_at, ` + alias + `.arrived_at, ` +
		alias + `.service_start_at, ` + alias + `.completed_at, ` + alias + `.expire_at`
}

func collectTokens(rows pgx.Rows) ([]models.Token, error) {
	defer rows.Close()
	var tokens []models.Token
	for rows.Next() {
		var token models.Token
		if err := scanToken(rows, &token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func scanToken(row pgx.Row, token *models.Token) error {
	return scanTokenWith(row, token)
}

func scanTokenWith(row pgx.Row, token *models.Token, extra ...interface{}) error {
	var counterIDNull sql.NullString
	var calledAtNull, arrivedAtNull, serviceStartNull, completedAtNull, expireAtNull sql.NullTime
	dest := []interface{}{
		&token.TokenID, &token.TokenNumber, &token.CustomerID, &token.ServiceID, &token.CenterID,
		&token.Priority, &token.Status, &counterIDNull, &token.CreatedAt, &calledAtNull,
		&arrivedAtNull, &serviceStartNull, &completedAtNull, &expireAtNull,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ArrivedAt = nullTimePtr(arrivedAtNull)
	token.ServiceStartAt = nullTimePtr(serviceStartNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.ExpireAt = nullTimePtr(expireAtNull)
	return nil
}

// isActiveTokenConflict matches the partial unique index that allows a
// customer at most one active token per center.
func isActiveTokenConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == "tokens_one_active_per_customer"
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
