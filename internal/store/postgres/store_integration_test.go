package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qbook/queue-engine/internal/models"
	"qbook/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)

	bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)
	bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, counterID := range []string{seed.counterA, seed.counterB} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			token, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: id})
			results <- callResult{tokenID: token.TokenID, err: err}
		}(counterID)
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.tokenID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("both counters bound the same token %s", ids[0])
	}
}

func TestCallNextPriorityOrder(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)

	normal := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)
	vip := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityVIP)
	senior := bookToken(t, ctx, st, seed, uuid.NewString(), models.PrioritySenior)

	want := []string{vip.TokenID, senior.TokenID, normal.TokenID}
	for i, expected := range want {
		token, counter, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if token.TokenID != expected {
			t.Fatalf("call %d returned %s, want %s", i, token.TokenID, expected)
		}
		if counter.Status != models.CounterServing {
			t.Fatalf("counter status %q after call, want serving", counter.Status)
		}
		finishCycle(t, ctx, st, token.TokenID)
	}

	_, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
	if !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue after draining, got %v", err)
	}
}

func TestCallNextSkipsIneligibleService(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)

	// A counter mapped only to a service nobody is waiting for.
	otherServiceID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO services (service_id, center_id, name, code, avg_service_minutes)
		VALUES ($1, $2, 'Other Service', 'OT', 10)
	`, otherServiceID, seed.centerID); err != nil {
		t.Fatalf("insert service: %v", err)
	}
	restrictedCounterID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, center_id, name, status) VALUES ($1, $2, 'Counter R', 'available')
	`, restrictedCounterID, seed.centerID); err != nil {
		t.Fatalf("insert counter: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO counter_services (counter_id, service_id) VALUES ($1, $2)
	`, restrictedCounterID, otherServiceID); err != nil {
		t.Fatalf("map counter: %v", err)
	}

	normal := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)
	vip := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityVIP)
	senior := bookToken(t, ctx, st, seed, uuid.NewString(), models.PrioritySenior)

	_, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: restrictedCounterID})
	if !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue for an ineligible counter, got %v", err)
	}

	snapshot, err := st.QueueSnapshot(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Waiting) != 3 {
		t.Fatalf("waiting=%d after rejected call, want 3", len(snapshot.Waiting))
	}
	want := []string{vip.TokenID, senior.TokenID, normal.TokenID}
	for i, expected := range want {
		got := snapshot.Waiting[i]
		if got.TokenID != expected || got.Status != models.StatusWaiting || got.Position != i+1 {
			t.Fatalf("position %d: %+v, want token %s still waiting", i+1, got, expected)
		}
	}
}

func TestCallNextUnmappedCounterServesAll(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)

	// No counter_services rows: the counter serves every service at its center.
	unmappedCounterID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, center_id, name, status) VALUES ($1, $2, 'Counter U', 'available')
	`, unmappedCounterID, seed.centerID); err != nil {
		t.Fatalf("insert counter: %v", err)
	}

	booked := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	called, counter, err := st.CallNext(ctx, store.CallNextInput{CounterID: unmappedCounterID})
	if err != nil {
		t.Fatalf("call next on unmapped counter: %v", err)
	}
	if called.TokenID != booked.TokenID {
		t.Fatalf("called %s, want %s", called.TokenID, booked.TokenID)
	}
	if counter.Status != models.CounterServing || counter.CurrentTokenID == nil || *counter.CurrentTokenID != booked.TokenID {
		t.Fatalf("counter not bound: %+v", counter)
	}
}

func TestQueueSnapshotPositionsShiftAfterCalls(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	normal := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)
	vip := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityVIP)
	senior := bookToken(t, ctx, st, seed, uuid.NewString(), models.PrioritySenior)

	called, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if called.TokenID != vip.TokenID {
		t.Fatalf("first call bound %s, want vip", called.TokenID)
	}

	snapshot, err := st.QueueSnapshot(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("snapshot after first call: %v", err)
	}
	if len(snapshot.Waiting) != 2 {
		t.Fatalf("waiting=%d, want 2", len(snapshot.Waiting))
	}
	if snapshot.Waiting[0].TokenID != senior.TokenID || snapshot.Waiting[0].Position != 1 {
		t.Fatalf("senior should lead after vip is called: %+v", snapshot.Waiting[0])
	}
	if snapshot.Waiting[1].TokenID != normal.TokenID || snapshot.Waiting[1].Position != 2 {
		t.Fatalf("normal should move up to 2: %+v", snapshot.Waiting[1])
	}

	called, _, err = st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterB})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if called.TokenID != senior.TokenID {
		t.Fatalf("second call bound %s, want senior", called.TokenID)
	}

	snapshot, err = st.QueueSnapshot(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("snapshot after second call: %v", err)
	}
	if len(snapshot.Waiting) != 1 {
		t.Fatalf("waiting=%d, want 1", len(snapshot.Waiting))
	}
	if snapshot.Waiting[0].TokenID != normal.TokenID || snapshot.Waiting[0].Position != 1 {
		t.Fatalf("normal should be head of the queue: %+v", snapshot.Waiting[0])
	}
}

func TestBookTokenRejectsDuplicateActive(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	customerID := uuid.NewString()

	first := bookToken(t, ctx, st, seed, customerID, models.PriorityNormal)
	if first.Position != 1 {
		t.Fatalf("first booking position=%d, want 1", first.Position)
	}

	_, err := st.BookToken(ctx, store.BookTokenInput{
		CustomerID: customerID,
		ServiceID:  seed.serviceID,
		CenterID:   seed.centerID,
		Priority:   models.PriorityNormal,
	})
	if !errors.Is(err, store.ErrDuplicateActiveToken) {
		t.Fatalf("expected ErrDuplicateActiveToken, got %v", err)
	}

	// Cancelling frees the slot for a fresh booking.
	if _, err := st.CancelToken(ctx, store.CancelTokenInput{TokenID: first.TokenID, CustomerID: customerID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := st.BookToken(ctx, store.BookTokenInput{
		CustomerID: customerID,
		ServiceID:  seed.serviceID,
		CenterID:   seed.centerID,
		Priority:   models.PriorityNormal,
	}); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
}

func TestCancelOwnership(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	token := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	_, err := st.CancelToken(ctx, store.CancelTokenInput{TokenID: token.TokenID, CustomerID: "someone-else"})
	if !errors.Is(err, store.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign cancel, got %v", err)
	}

	// Operator path carries no customer filter.
	cancelled, err := st.CancelToken(ctx, store.CancelTokenInput{TokenID: token.TokenID})
	if err != nil {
		t.Fatalf("operator cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status %q, want cancelled", cancelled.Status)
	}

	_, err = st.CancelToken(ctx, store.CancelTokenInput{TokenID: token.TokenID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on repeat cancel, got %v", err)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	booked := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	called, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TokenID != booked.TokenID {
		t.Fatalf("called %s, want %s", called.TokenID, booked.TokenID)
	}

	forceExpire(t, ctx, pool, called.TokenID)

	swept, err := st.SweepExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("first sweep expired %d tokens, want 1", swept)
	}

	swept, err = st.SweepExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("second sweep expired %d tokens, want 0", swept)
	}

	token, err := st.TokenStatus(ctx, called.TokenID)
	if err != nil {
		t.Fatalf("token status: %v", err)
	}
	if token.Status != models.StatusNoShow {
		t.Fatalf("status %q after sweep, want no_show", token.Status)
	}
	if token.CounterID != nil {
		t.Fatalf("counter binding survived the sweep")
	}

	counters, err := st.ListCounters(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	for _, counter := range counters {
		if counter.CounterID == seed.counterA && counter.Status != models.CounterAvailable {
			t.Fatalf("counter not freed after sweep: %q", counter.Status)
		}
	}
}

func TestMarkArrivedAfterDeadline(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	called, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	forceExpire(t, ctx, pool, called.TokenID)

	_, err = st.MarkArrived(ctx, store.TokenActionInput{TokenID: called.TokenID})
	if !errors.Is(err, store.ErrExpired) {
		t.Fatalf("expected ErrExpired for late arrival, got %v", err)
	}
}

func TestCompleteFreesCounter(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)

	called, _, err := st.CallNext(ctx, store.CallNextInput{CounterID: seed.counterA})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	serving, err := st.MarkArrived(ctx, store.TokenActionInput{TokenID: called.TokenID})
	if err != nil {
		t.Fatalf("mark arrived: %v", err)
	}
	if serving.ServiceStartAt == nil {
		t.Fatalf("service start not stamped")
	}

	done, err := st.CompleteToken(ctx, store.TokenActionInput{TokenID: called.TokenID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed token: %+v", done)
	}

	counters, err := st.ListCounters(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	for _, counter := range counters {
		if counter.CounterID == seed.counterA {
			if counter.Status != models.CounterAvailable || counter.CurrentTokenID != nil {
				t.Fatalf("counter not released: %+v", counter)
			}
		}
	}

	events, err := st.ListEvents(ctx, seed.centerID, time.Time{}, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	wantTypes := []string{"token.created", "token.called", "token.serving", "token.completed"}
	if len(types) != len(wantTypes) {
		t.Fatalf("event types %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event types %v, want %v", types, wantTypes)
		}
	}
}

func TestQueueSnapshotDerivesPositions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedCenter(t, ctx, pool)
	normal := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityNormal)
	vip := bookToken(t, ctx, st, seed, uuid.NewString(), models.PriorityVIP)

	snapshot, err := st.QueueSnapshot(ctx, seed.centerID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Waiting) != 2 {
		t.Fatalf("waiting=%d, want 2", len(snapshot.Waiting))
	}
	if snapshot.Waiting[0].TokenID != vip.TokenID || snapshot.Waiting[0].Position != 1 {
		t.Fatalf("vip not first: %+v", snapshot.Waiting[0])
	}
	if snapshot.Waiting[1].TokenID != normal.TokenID || snapshot.Waiting[1].Position != 2 {
		t.Fatalf("normal not second: %+v", snapshot.Waiting[1])
	}
	if snapshot.Waiting[1].EstimatedWaitMinutes < snapshot.Waiting[0].EstimatedWaitMinutes {
		t.Fatalf("estimates out of order: %+v", snapshot.Waiting)
	}
}

type callResult struct {
	tokenID string
	err     error
}

type seededCenter struct {
	centerID  string
	serviceID string
	counterA  string
	counterB  string
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{NoShowTimeout: 5 * time.Minute})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedCenter(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seededCenter {
	t.Helper()
	seed := seededCenter{
		centerID:  uuid.NewString(),
		serviceID: uuid.NewString(),
		counterA:  uuid.NewString(),
		counterB:  uuid.NewString(),
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO service_centers (center_id, name, prefix) VALUES ($1, 'Center', 'A')
	`, seed.centerID); err != nil {
		t.Fatalf("insert center: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO services (service_id, center_id, name, code, avg_service_minutes)
		VALUES ($1, $2, 'Service', 'SV', 10)
	`, seed.serviceID, seed.centerID); err != nil {
		t.Fatalf("insert service: %v", err)
	}
	for i, counterID := range []string{seed.counterA, seed.counterB} {
		if _, err := pool.Exec(ctx, `
			INSERT INTO counters (counter_id, center_id, name, status) VALUES ($1, $2, $3, 'available')
		`, counterID, seed.centerID, "Counter "+string(rune('A'+i))); err != nil {
			t.Fatalf("insert counter: %v", err)
		}
		if _, err := pool.Exec(ctx, `
			INSERT INTO counter_services (counter_id, service_id) VALUES ($1, $2)
		`, counterID, seed.serviceID); err != nil {
			t.Fatalf("map counter: %v", err)
		}
	}
	return seed
}

func bookToken(t *testing.T, ctx context.Context, st *Store, seed seededCenter, customerID, priority string) models.Token {
	t.Helper()
	token, err := st.BookToken(ctx, store.BookTokenInput{
		CustomerID: customerID,
		ServiceID:  seed.serviceID,
		CenterID:   seed.centerID,
		Priority:   priority,
	})
	if err != nil {
		t.Fatalf("book token: %v", err)
	}
	return token
}

func finishCycle(t *testing.T, ctx context.Context, st *Store, tokenID string) {
	t.Helper()
	if _, err := st.MarkArrived(ctx, store.TokenActionInput{TokenID: tokenID}); err != nil {
		t.Fatalf("mark arrived: %v", err)
	}
	if _, err := st.CompleteToken(ctx, store.TokenActionInput{TokenID: tokenID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func forceExpire(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tokenID string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		UPDATE tokens SET expire_at = NOW() - INTERVAL '1 minute' WHERE token_id = $1
	`, tokenID); err != nil {
		t.Fatalf("force expire: %v", err)
	}
}
