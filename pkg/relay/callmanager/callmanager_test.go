package callmanager

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

type fakePipeline struct{ stopped int }

func (f *fakePipeline) Stop(context.Context) error { f.stopped++; return nil }

type fakeCarrier struct{ terminated []string }

func (f *fakeCarrier) TerminateCall(sid string) error {
	f.terminated = append(f.terminated, sid)
	return nil
}

type fakePersist struct{ persisted []*types.Call }

func (f *fakePersist) PersistFinal(_ context.Context, call *types.Call) error {
	f.persisted = append(f.persisted, call)
	return nil
}

type fakeAppSocket struct {
	statuses []string
	reasons  []string
	closed   bool
}

func (f *fakeAppSocket) SendCallStatus(status, reason string) {
	f.statuses = append(f.statuses, status)
	f.reasons = append(f.reasons, reason)
}

func (f *fakeAppSocket) Close() error { f.closed = true; return nil }

func sampleCall() *types.Call {
	return types.NewCall("test-001", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
}

func TestRegisterAndGet(t *testing.T) {
	m := New(nil)
	call := sampleCall()

	if !m.Register(call, EntryDeps{}) {
		t.Fatal("expected first registration to succeed")
	}
	if m.Register(call, EntryDeps{}) {
		t.Fatal("expected duplicate registration to fail")
	}

	got, ok := m.Get("test-001")
	if !ok || got != call {
		t.Fatal("expected Get to return the registered call")
	}
	if _, ok := m.Get("nonexistent"); ok {
		t.Fatal("expected Get of unknown id to report not-found")
	}
	if m.ActiveCallCount() != 1 {
		t.Fatalf("expected active call count 1, got %d", m.ActiveCallCount())
	}
}

func TestCleanupStopsPipeline(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	pipe := &fakePipeline{}
	m.Register(call, EntryDeps{Pipeline: pipe})

	m.Cleanup(context.Background(), "test-001", "test")

	if pipe.stopped != 1 {
		t.Fatalf("expected pipeline stopped once, got %d", pipe.stopped)
	}
	if _, ok := m.Get("test-001"); ok {
		t.Fatal("expected call removed from registry after cleanup")
	}
}

func TestCleanupTerminatesCarrierCall(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	call.CallSID = "CA_test"
	carrier := &fakeCarrier{}
	m.Register(call, EntryDeps{Carrier: carrier})

	m.Cleanup(context.Background(), "test-001", "test")

	if len(carrier.terminated) != 1 || carrier.terminated[0] != "CA_test" {
		t.Fatalf("expected carrier call terminated once, got %v", carrier.terminated)
	}
}

func TestCleanupNotifiesAndClosesAppSocket(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	app := &fakeAppSocket{}
	m.Register(call, EntryDeps{AppSocket: app})

	m.Cleanup(context.Background(), "test-001", "user_hangup")

	if len(app.statuses) != 1 || app.statuses[0] != "ended" || app.reasons[0] != "user_hangup" {
		t.Fatalf("expected one ended/user_hangup notification, got %v/%v", app.statuses, app.reasons)
	}
	if !app.closed {
		t.Fatal("expected app socket closed")
	}
}

func TestCleanupPersistsFinalCallAsEnded(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	persist := &fakePersist{}
	m.Register(call, EntryDeps{Persist: persist})

	m.Cleanup(context.Background(), "test-001", "test")

	if len(persist.persisted) != 1 {
		t.Fatalf("expected exactly one persist call, got %d", len(persist.persisted))
	}
	if persist.persisted[0].Status != types.CallEnded {
		t.Fatalf("expected persisted call status Ended, got %v", persist.persisted[0].Status)
	}
}

func TestCleanupCancelsCallContext(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	cancelled := false
	m.Register(call, EntryDeps{Cancel: func() { cancelled = true }})

	m.Cleanup(context.Background(), "test-001", "test")

	if !cancelled {
		t.Fatal("expected the call's context to be cancelled")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	pipe := &fakePipeline{}
	m.Register(call, EntryDeps{Pipeline: pipe})

	m.Cleanup(context.Background(), "test-001", "first")
	m.Cleanup(context.Background(), "test-001", "second")

	if pipe.stopped != 1 {
		t.Fatalf("expected pipeline stopped exactly once across both calls, got %d", pipe.stopped)
	}
	if m.ActiveCallCount() != 0 {
		t.Fatalf("expected no active calls remaining, got %d", m.ActiveCallCount())
	}
}

func TestCleanupNonexistentCallIsNoop(t *testing.T) {
	m := New(nil)
	m.Cleanup(context.Background(), "nonexistent", "test") // must not panic
}

func TestShutdownAllCleansUpEveryCall(t *testing.T) {
	m := New(nil)
	m.Register(types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice), EntryDeps{})
	m.Register(types.NewCall("c2", types.ModeRelay, "en", "ko", types.CommVoiceToVoice), EntryDeps{})

	m.ShutdownAll(context.Background())

	if m.ActiveCallCount() != 0 {
		t.Fatalf("expected all calls cleaned up, got %d remaining", m.ActiveCallCount())
	}
}

func TestArmDurationTimerFiresWarningThenTimeout(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	app := &fakeAppSocket{}
	m.Register(call, EntryDeps{AppSocket: app})

	m.ArmDurationTimer("test-001", 10*time.Millisecond, 30*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	if len(app.statuses) < 2 || app.statuses[0] != "warning" || app.statuses[1] != "timeout" {
		t.Fatalf("expected warning then timeout statuses, got %v", app.statuses)
	}
	if m.ActiveCallCount() != 0 {
		t.Fatal("expected timeout to drive cleanup and remove the call")
	}
}

func TestArmDurationTimerCancelledByCleanup(t *testing.T) {
	m := New(nil)
	call := sampleCall()
	app := &fakeAppSocket{}
	m.Register(call, EntryDeps{AppSocket: app})

	m.ArmDurationTimer("test-001", 20*time.Millisecond, 40*time.Millisecond)
	m.Cleanup(context.Background(), "test-001", "user_hangup")
	time.Sleep(60 * time.Millisecond)

	for _, s := range app.statuses {
		if s == "warning" || s == "timeout" {
			t.Fatalf("expected duration timers cancelled by early cleanup, got status %v", s)
		}
	}
}
