package sessionb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

type fakeTimer struct {
	scheduled bool
	dur       time.Duration
	fn        func()
}

func (f *fakeTimer) Schedule(d time.Duration, fn func()) {
	f.scheduled = true
	f.dur = d
	f.fn = fn
}

func (f *fakeTimer) Cancel() {
	f.scheduled = false
}

func (f *fakeTimer) fire() {
	if f.scheduled && f.fn != nil {
		fn := f.fn
		f.scheduled = false
		fn()
	}
}

func newEchoServer(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, raw, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var parsed map[string]any
			if json.Unmarshal(raw, &parsed) == nil {
				received <- parsed
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func newHandler(t *testing.T, received chan<- map[string]any) (*Handler, *fakeTimer, *fakeTimer, func()) {
	t.Helper()
	srv := newEchoServer(t, received)
	rt := session.New("SessionB", types.SessionConfig{Modalities: []string{"audio"}}, wsURL(srv.URL), nil, nil, nil)
	debounce := &fakeTimer{}
	silence := &fakeTimer{}
	h := New(rt, WithTimers(debounce, silence), WithMinSpeechMs(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-received // drain session.update
	go rt.Listen(ctx)

	return h, debounce, silence, srv.Close
}

func TestSpeechStartedSchedulesSilenceTimerAndClearsBuffer(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, debounce, silence, closeSrv := newHandler(t, received)
	defer closeSrv()

	startedFired := false
	h.OnSpeechStarted = func() { startedFired = true }

	h.NotifySpeechStarted()

	if !silence.scheduled {
		t.Fatalf("expected silence timer scheduled on speech start")
	}
	if debounce.scheduled {
		t.Fatalf("expected debounce timer cancelled on speech start")
	}
	if !startedFired {
		t.Fatalf("expected OnSpeechStarted callback to fire")
	}

	msg := <-received
	if msg["type"] != "input_audio_buffer.clear" {
		t.Fatalf("expected input_audio_buffer.clear sent, got %v", msg["type"])
	}
}

func TestSpeechStoppedSchedulesDebounceAndCancelsSilence(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, debounce, silence, closeSrv := newHandler(t, received)
	defer closeSrv()

	h.NotifySpeechStarted()
	<-received // buffer.clear
	silence.scheduled = true

	h.NotifySpeechStopped()

	if !debounce.scheduled {
		t.Fatalf("expected debounce timer scheduled on speech stop")
	}
	if silence.scheduled {
		t.Fatalf("expected silence timer cancelled on speech stop")
	}
}

func TestDebounceFireCommitsAudio(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, debounce, _, closeSrv := newHandler(t, received)
	defer closeSrv()

	h.NotifySpeechStarted()
	<-received // buffer.clear
	h.NotifySpeechStopped()

	debounce.fire()

	first := <-received
	if first["type"] != "input_audio_buffer.commit" {
		t.Fatalf("expected commit message, got %v", first["type"])
	}
	second := <-received
	if second["type"] != "response.create" {
		t.Fatalf("expected response.create message, got %v", second["type"])
	}
}

func TestSilenceTimeoutForcesCommitAndSetsFlag(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, _, silence, closeSrv := newHandler(t, received)
	defer closeSrv()

	h.NotifySpeechStarted()
	<-received // buffer.clear

	silence.fire()

	if !h.TimeoutForced {
		t.Fatalf("expected TimeoutForced to be set")
	}
	first := <-received
	if first["type"] != "input_audio_buffer.commit" {
		t.Fatalf("expected commit message, got %v", first["type"])
	}
}

func TestShortUtteranceBelowFloorSkipsDebounce(t *testing.T) {
	received := make(chan map[string]any, 10)
	srv := newEchoServer(t, received)
	defer srv.Close()

	rt := session.New("SessionB", types.SessionConfig{Modalities: []string{"audio"}}, wsURL(srv.URL), nil, nil, nil)
	debounce := &fakeTimer{}
	silence := &fakeTimer{}
	h := New(rt, WithTimers(debounce, silence), WithMinSpeechMs(10000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-received // drain session.update
	go rt.Listen(ctx)

	h.NotifySpeechStarted()
	<-received // buffer.clear
	h.NotifySpeechStopped()

	if debounce.scheduled {
		t.Fatalf("expected no debounced commit for an utterance below the minimum speech floor")
	}
}

func TestUtteranceAtOrAboveFloorSchedulesDebounce(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, debounce, _, closeSrv := newHandler(t, received)
	defer closeSrv()

	h.NotifySpeechStarted()
	<-received // buffer.clear
	h.NotifySpeechStopped()

	if !debounce.scheduled {
		t.Fatalf("expected debounced commit scheduled for an utterance at/above the minimum speech floor")
	}
}

func TestOutputSuppressionQueuesAndFlushesInOrder(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, _, _, closeSrv := newHandler(t, received)
	defer closeSrv()

	var outOrder [][]byte
	h.OnAudioOut = func(a []byte) { outOrder = append(outOrder, a) }

	h.SetOutputSuppressed(true)
	h.onAudioDelta(session.Event{Raw: map[string]any{"delta": session.EncodeAudio([]byte("a"))}})
	h.onAudioDelta(session.Event{Raw: map[string]any{"delta": session.EncodeAudio([]byte("b"))}})

	if len(outOrder) != 0 {
		t.Fatalf("expected no output while suppressed, got %d", len(outOrder))
	}
	if h.PendingCount() != 2 {
		t.Fatalf("expected 2 pending items, got %d", h.PendingCount())
	}

	h.SetOutputSuppressed(false)

	if len(outOrder) != 2 || string(outOrder[0]) != "a" || string(outOrder[1]) != "b" {
		t.Fatalf("expected flushed output in order [a b], got %v", outOrder)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained after flush")
	}
}

func TestTurnDoneAndTranscriptCompletedRecordLatencySamples(t *testing.T) {
	received := make(chan map[string]any, 10)
	srv := newEchoServer(t, received)
	defer srv.Close()

	rt := session.New("SessionB", types.SessionConfig{Modalities: []string{"audio"}}, wsURL(srv.URL), nil, nil, nil)
	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
	h := New(rt, WithCall(call), WithTimers(&fakeTimer{}, &fakeTimer{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-received // drain session.update

	h.NotifySpeechStarted()
	<-received // buffer.clear

	h.onTranscriptCompleted(session.Event{Raw: map[string]any{"transcript": "hello"}})
	h.onTurnDone(session.Event{Raw: map[string]any{"transcript": "hola"}})

	if len(call.LatencySamples) != 2 {
		t.Fatalf("expected 2 latency samples (STT + end-to-end), got %d", len(call.LatencySamples))
	}
	for _, s := range call.LatencySamples {
		if s.Label != "B" {
			t.Fatalf("expected label B, got %q", s.Label)
		}
	}
}

func TestClearPendingDiscardsWithoutEmitting(t *testing.T) {
	received := make(chan map[string]any, 10)
	h, _, _, closeSrv := newHandler(t, received)
	defer closeSrv()

	fired := false
	h.OnAudioOut = func(a []byte) { fired = true }
	h.SetOutputSuppressed(true)
	h.onAudioDelta(session.Event{Raw: map[string]any{"delta": session.EncodeAudio([]byte("a"))}})
	h.ClearPending()
	h.SetOutputSuppressed(false)

	if fired {
		t.Fatalf("expected no emission after ClearPending")
	}
}
