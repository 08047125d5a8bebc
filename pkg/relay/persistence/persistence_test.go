package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

type fakeDB struct {
	mu    sync.Mutex
	execs int
	last  []any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	f.last = args
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

func sampleCall() *types.Call {
	c := types.NewCall("call-1", types.ModeRelay, "ko", "en", types.CommVoiceToVoice)
	c.CallSID = "CA123"
	c.StartedAt = time.Now().Add(-30 * time.Second)
	c.AppendTranscript(types.TranscriptEntry{Role: "user", OriginalText: "hi"})
	return c
}

func TestPersistFinalUpsertsCallRow(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, nil)

	call := sampleCall()
	call.Status = types.CallEnded
	call.EndedAt = time.Now()

	if err := store.PersistFinal(context.Background(), call); err != nil {
		t.Fatalf("persist final failed: %v", err)
	}
	if db.count() != 1 {
		t.Fatalf("expected exactly one upsert, got %d", db.count())
	}
}

func TestPersistFinalMarshalsTranscriptAndStatus(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, nil)

	call := sampleCall()
	if err := store.PersistFinal(context.Background(), call); err != nil {
		t.Fatalf("persist final failed: %v", err)
	}

	if len(db.last) < 7 {
		t.Fatalf("expected upsert args to include transcript json, got %d args", len(db.last))
	}
	status, ok := db.last[5].(string)
	if !ok || status != string(types.CallPending) {
		t.Fatalf("expected status arg %q, got %v", types.CallPending, db.last[5])
	}
	transcriptJSON, ok := db.last[6].([]byte)
	if !ok || len(transcriptJSON) == 0 {
		t.Fatalf("expected non-empty transcript json, got %v", db.last[6])
	}
}

func TestStartDebounceTicksAtLeastOnce(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, nil)
	call := sampleCall()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := store.startDebounce(ctx, call, 20*time.Millisecond)
	defer stop()

	deadline := time.After(500 * time.Millisecond)
	for db.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one debounced upsert within 500ms")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartDebounceStopsOnCancel(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, nil)
	call := sampleCall()

	ctx, cancel := context.WithCancel(context.Background())
	stop := store.startDebounce(ctx, call, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	stop()
	cancel()

	n := db.count()
	time.Sleep(50 * time.Millisecond)
	if db.count() > n+1 {
		t.Fatalf("expected debounce ticker to stop, count grew from %d to %d", n, db.count())
	}
}
