// Package persistence upserts a Call's row into PostgreSQL, grounded on
// original_source's apps/relay-server/src/db/supabase_client.py (persist_call,
// update_call_field) and spec.md §6's "Persisted state" field list, using
// github.com/jackc/pgx/v5 in place of the Supabase Python client.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// DebounceInterval is the incremental-update cadence named explicitly in
// spec.md §6: a call's row is upserted roughly every 5s while it is active,
// independent of the final upsert PersistFinal issues on cleanup.
const DebounceInterval = 5 * time.Second

// Schema is the DDL for the calls table. Run it once via Store.Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    call_id               TEXT PRIMARY KEY,
    call_sid              TEXT NOT NULL DEFAULT '',
    call_mode             TEXT NOT NULL DEFAULT '',
    source_language       TEXT NOT NULL DEFAULT '',
    target_language       TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT '',
    transcript_bilingual  JSONB NOT NULL DEFAULT '[]',
    cost_tokens           JSONB NOT NULL DEFAULT '{}',
    guardrail_events      JSONB NOT NULL DEFAULT '[]',
    recovery_events       JSONB NOT NULL DEFAULT '[]',
    function_call_logs    JSONB NOT NULL DEFAULT '[]',
    call_result           TEXT NOT NULL DEFAULT '',
    call_result_data      JSONB NOT NULL DEFAULT '{}',
    auto_ended            BOOLEAN NOT NULL DEFAULT false,
    duration_s            DOUBLE PRECISION,
    total_tokens          INTEGER NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool the Store needs, narrowed so tests can
// substitute a fake without standing up a real PostgreSQL connection.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists Call rows and runs the per-call debounce ticker. It
// satisfies callmanager.Persister.
type Store struct {
	db  DB
	log logging.Logger
}

// NewStore wraps an already-constructed DB (typically a *pgxpool.Pool).
func NewStore(db DB, log logging.Logger) *Store {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Store{db: db, log: log}
}

// Connect opens a pgxpool.Pool against dsn and wraps it in a Store.
// Callers own the returned pool's lifetime via Store.Close.
func Connect(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	return &Store{db: pool, log: logOrNoop(log)}, nil
}

func logOrNoop(log logging.Logger) logging.Logger {
	if log == nil {
		return logging.NoOpLogger{}
	}
	return log
}

// Migrate runs Schema. Safe to call repeatedly; every statement is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying pool, if the Store owns a *pgxpool.Pool.
func (s *Store) Close() {
	if pool, ok := s.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

const upsertQuery = `
INSERT INTO calls (
    call_id, call_sid, call_mode, source_language, target_language, status,
    transcript_bilingual, cost_tokens, guardrail_events, recovery_events,
    function_call_logs, call_result, call_result_data, auto_ended,
    duration_s, total_tokens, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now()
)
ON CONFLICT (call_id) DO UPDATE SET
    call_sid             = EXCLUDED.call_sid,
    call_mode             = EXCLUDED.call_mode,
    source_language       = EXCLUDED.source_language,
    target_language       = EXCLUDED.target_language,
    status                = EXCLUDED.status,
    transcript_bilingual  = EXCLUDED.transcript_bilingual,
    cost_tokens           = EXCLUDED.cost_tokens,
    guardrail_events      = EXCLUDED.guardrail_events,
    recovery_events       = EXCLUDED.recovery_events,
    function_call_logs    = EXCLUDED.function_call_logs,
    call_result           = EXCLUDED.call_result,
    call_result_data      = EXCLUDED.call_result_data,
    auto_ended            = EXCLUDED.auto_ended,
    duration_s            = EXCLUDED.duration_s,
    total_tokens          = EXCLUDED.total_tokens,
    updated_at            = now()
`

// upsert runs the single upsert statement shared by PersistFinal and the
// debounce tick, mirroring supabase_client.py's persist_call "upsert on
// call_id" shape.
func (s *Store) upsert(ctx context.Context, call *types.Call) error {
	call.Mu.Lock()
	transcript, err1 := json.Marshal(call.TranscriptBilingual)
	costTokens, err2 := json.Marshal(call.CostTokens)
	guardrails, err3 := json.Marshal(call.GuardrailEventsLog)
	recoveries, err4 := json.Marshal(call.RecoveryEvents)
	functionCalls, err5 := json.Marshal(call.FunctionCallLogs)
	resultData, err6 := json.Marshal(call.CallResultData)

	var durationS *float64
	if !call.StartedAt.IsZero() {
		end := call.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		d := end.Sub(call.StartedAt).Seconds()
		durationS = &d
	}

	row := struct {
		id, sid, mode, src, tgt, status string
		transcript, cost, guardrails    []byte
		recoveries, functionCalls       []byte
		result                          string
		resultData                     []byte
		autoEnded                       bool
		totalTokens                     int
	}{
		id:            call.ID,
		sid:           call.CallSID,
		mode:          string(call.Mode),
		src:           call.SourceLanguage,
		tgt:           call.TargetLanguage,
		status:        string(call.Status),
		transcript:    transcript,
		cost:          costTokens,
		guardrails:    guardrails,
		recoveries:    recoveries,
		functionCalls: functionCalls,
		result:        call.CallResult,
		resultData:    resultData,
		autoEnded:     call.AutoEnded,
		totalTokens:   call.CostTokens.Total(),
	}
	call.Mu.Unlock()

	if err := firstErr(err1, err2, err3, err4, err5, err6); err != nil {
		return fmt.Errorf("persistence: marshal call fields: %w", err)
	}

	_, err := s.db.Exec(ctx, upsertQuery,
		row.id, row.sid, row.mode, row.src, row.tgt, row.status,
		row.transcript, row.cost, row.guardrails, row.recoveries,
		row.functionCalls, row.result, row.resultData, row.autoEnded,
		durationS, row.totalTokens,
	)
	if err != nil {
		return fmt.Errorf("persistence: upsert call %s: %w", call.ID, err)
	}
	return nil
}

// PersistFinal implements callmanager.Persister: the final upsert issued as
// cleanup_call's last step, after the Call has been marked ended.
func (s *Store) PersistFinal(ctx context.Context, call *types.Call) error {
	if err := s.upsert(ctx, call); err != nil {
		s.log.Error("persist final call state failed", "call_id", call.ID, "error", err)
		return err
	}
	s.log.Info("call persisted", "call_id", call.ID)
	return nil
}

// StartDebounce launches a goroutine that upserts call's current state every
// DebounceInterval until ctx is cancelled, the supplemented incremental-save
// path named in spec.md §6 (distinct from the final PersistFinal on
// cleanup). The returned stop func cancels the ticker immediately; callers
// should also pass a context tied to the call's own lifetime so cleanup
// stops it automatically.
func (s *Store) StartDebounce(ctx context.Context, call *types.Call) (stop func()) {
	return s.startDebounce(ctx, call, DebounceInterval)
}

func (s *Store) startDebounce(ctx context.Context, call *types.Call, interval time.Duration) (stop func()) {
	tickCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if err := s.upsert(tickCtx, call); err != nil {
					s.log.Warn("incremental call persist failed", "call_id", call.ID, "error", err)
				}
			}
		}
	}()
	return cancel
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
