package sessiona

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

// newScriptedServer accepts one WS connection and sends the given raw JSON
// messages to it after the client's first message (session.update) arrives.
func newScriptedServer(t *testing.T, messages []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		for _, m := range messages {
			b, _ := json.Marshal(m)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		// keep reading (and discarding) so CommitUserAudio etc. don't block
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestOnAudioDeltaDecodesAndInvokesCallback(t *testing.T) {
	srv := newScriptedServer(t, []map[string]any{
		{"type": "response.audio.delta", "delta": session.EncodeAudio([]byte("hi"))},
		{"type": "response.done"},
	})
	defer srv.Close()

	rt := session.New("SessionA", types.SessionConfig{Modalities: []string{"audio"}}, wsURL(srv.URL), nil, nil, nil)
	h := New(rt)

	received := make(chan []byte, 1)
	h.OnAudioDelta = func(audio []byte) { received <- audio }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	go rt.Listen(ctx)

	select {
	case audio := <-received:
		if string(audio) != "hi" {
			t.Fatalf("expected decoded audio 'hi', got %q", audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio delta")
	}
}

func TestResponseDoneTransitionsToIdleAndUnblocksWait(t *testing.T) {
	srv := newScriptedServer(t, []map[string]any{
		{"type": "response.done"},
	})
	defer srv.Close()

	rt := session.New("SessionA", types.SessionConfig{Modalities: []string{"text"}}, wsURL(srv.URL), nil, nil, nil)
	h := New(rt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.beginGeneration()
	go rt.Listen(ctx)

	if err := h.WaitForDone(ctx); err != nil {
		t.Fatalf("wait for done failed: %v", err)
	}
	if h.State() != StateIdle {
		t.Fatalf("expected state idle after response.done, got %v", h.State())
	}
}

func TestFunctionCallArgumentsAccumulateAndExecute(t *testing.T) {
	srv := newScriptedServer(t, []map[string]any{
		{"type": "response.function_call_arguments.delta", "call_id": "call1", "name": "lookup", "delta": `{"q":`},
		{"type": "response.function_call_arguments.delta", "call_id": "call1", "delta": `"x"}`},
		{"type": "response.function_call_arguments.done", "call_id": "call1", "name": "lookup"},
	})
	defer srv.Close()

	rt := session.New("SessionA", types.SessionConfig{Modalities: []string{"text"}}, wsURL(srv.URL), nil, nil, nil)
	h := New(rt)

	executed := make(chan string, 1)
	h.Executor = executorFunc(func(ctx context.Context, name, args string) (string, error) {
		executed <- args
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	go rt.Listen(ctx)

	select {
	case args := <-executed:
		if args != `{"q":"x"}` {
			t.Fatalf("expected accumulated arguments, got %q", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for function call execution")
	}
}

type executorFunc func(ctx context.Context, name, args string) (string, error)

func (f executorFunc) Execute(ctx context.Context, name, args string) (string, error) {
	return f(ctx, name, args)
}

// fakeGuardrail reports whatever blocking state the test sets, standing in
// for guardrail.Checker's live CurrentLevel-driven classification.
type fakeGuardrail struct{ blocking bool }

func (g *fakeGuardrail) Feed(text string) {}
func (g *fakeGuardrail) IsBlocking() bool { return g.blocking }

func TestOnAudioDeltaWithholdsAudioWhileGuardrailBlocking(t *testing.T) {
	srv := newScriptedServer(t, []map[string]any{
		{"type": "response.audio.delta", "delta": session.EncodeAudio([]byte("blocked"))},
		{"type": "response.done"},
	})
	defer srv.Close()

	g := &fakeGuardrail{blocking: true}
	rt := session.New("SessionA", types.SessionConfig{Modalities: []string{"audio"}}, wsURL(srv.URL), nil, nil, nil)
	h := New(rt, WithGuardrail(g))

	received := make(chan []byte, 1)
	h.OnAudioDelta = func(audio []byte) { received <- audio }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	go rt.Listen(ctx)

	select {
	case audio := <-received:
		t.Fatalf("expected audio to be withheld while blocking, got %q", audio)
	case <-time.After(500 * time.Millisecond):
	}

	if err := h.WaitForDone(ctx); err != nil {
		t.Fatalf("wait for done failed: %v", err)
	}
}
