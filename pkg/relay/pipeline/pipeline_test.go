package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/echogate"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/recovery"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessiona"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessionb"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/vad"
)

func loudUlawFrame() []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = 0x00
	}
	return f
}

type fakeClient struct {
	guardrailEvents []string
}

func (f *fakeClient) SendCaption(role, text, direction string)          {}
func (f *fakeClient) SendCaptionOriginal(text, language string)         {}
func (f *fakeClient) SendCaptionTranslated(text, language string)       {}
func (f *fakeClient) SendRecipientAudio(audio []byte)                   {}
func (f *fakeClient) SendCallStatus(status, message string)             {}
func (f *fakeClient) SendInterruptAlert()                               {}
func (f *fakeClient) SendRecovery(status, label string, gapMs int64, message string) {}
func (f *fakeClient) SendGuardrailTriggered(level types.GuardrailLevel, original, corrected string, correctionTimeMs int64) {
	f.guardrailEvents = append(f.guardrailEvents, original)
}
func (f *fakeClient) SendTranslationState(state, direction string) {}
func (f *fakeClient) SendError(message string)                     {}

type fakeTelephony struct{ sent [][]byte }

func (f *fakeTelephony) SendMedia(audio []byte) error { f.sent = append(f.sent, audio); return nil }
func (f *fakeTelephony) ClearPlayback() error          { return nil }

func newRecordingServer(t *testing.T, recorded chan<- map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var parsed map[string]any
			if json.Unmarshal(raw, &parsed) == nil {
				recorded <- parsed
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(types.CommunicationMode("bogus"), Deps{Call: types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)})
	if err == nil {
		t.Fatal("expected error for unknown communication mode")
	}
}

func TestNewConstructsAllFourModes(t *testing.T) {
	modes := []types.CommunicationMode{types.CommVoiceToVoice, types.CommVoiceToText, types.CommTextToVoice, types.CommFullAgent}
	for _, m := range modes {
		call := types.NewCall("c1", types.ModeRelay, "en", "ko", m)
		p, err := New(m, Deps{Call: call, Client: &fakeClient{}, Telephony: &fakeTelephony{}})
		if err != nil {
			t.Fatalf("mode %s: unexpected error: %v", m, err)
		}
		if p == nil {
			t.Fatalf("mode %s: expected non-nil pipeline", m)
		}
	}
}

func TestSendRelayTextSendsItemThenOverrideResponse(t *testing.T) {
	recorded := make(chan map[string]any, 4)
	srv := newRecordingServer(t, recorded)
	defer srv.Close()

	rt := session.New("SessionA", types.SessionConfig{Modalities: []string{"text"}}, wsURL(srv.URL), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-recorded // drain session.update

	dual := &session.DualSessionManager{SessionA: rt, SessionB: session.New("SessionB", types.SessionConfig{}, wsURL(srv.URL), nil, nil, nil)}
	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommTextToVoice)

	b := newBase(Deps{
		Call:     call,
		Dual:     dual,
		SessionA: sessiona.New(rt),
		Client:   &fakeClient{},
	})

	if err := b.sendRelayText(context.Background(), "hello"); err != nil {
		t.Fatalf("sendRelayText failed: %v", err)
	}

	itemMsg := <-recorded
	if itemMsg["type"] != "conversation.item.create" {
		t.Fatalf("expected conversation.item.create first, got %v", itemMsg["type"])
	}
	responseMsg := <-recorded
	if responseMsg["type"] != "response.create" {
		t.Fatalf("expected response.create second, got %v", responseMsg["type"])
	}
	respBody, ok := responseMsg["response"].(map[string]any)
	if !ok {
		t.Fatalf("expected response.create to carry instructions override, got %v", responseMsg)
	}
	if instr, _ := respBody["instructions"].(string); instr == "" {
		t.Fatalf("expected non-empty instruction override")
	}
}

func TestOnSessionATTSActivatesEchoGateAndForwardsToTelephony(t *testing.T) {
	tel := &fakeTelephony{}
	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
	b := newBase(Deps{Call: call, Telephony: tel, EchoGate: echogate.New(echogate.DefaultConfig(), nil)})

	b.onSessionATTS([]byte{1, 2, 3})

	if !b.EchoGate.InEchoWindow() {
		t.Fatal("expected echo gate window open after Session A TTS audio")
	}
	if len(tel.sent) != 1 {
		t.Fatalf("expected one frame forwarded to telephony, got %d", len(tel.sent))
	}
}

// TestHandleTwilioAudioCommonDrivesLocalVADIntoSessionB feeds the kind of
// sustained loud frames a speaking recipient produces through
// handleTwilioAudioCommon and checks LocalVAD's speech-start transition
// reaches Session B: NotifySpeechStarted clears the upstream's input audio
// buffer, which is the first observable side effect on the wire.
func TestHandleTwilioAudioCommonDrivesLocalVADIntoSessionB(t *testing.T) {
	recorded := make(chan map[string]any, 8)
	srv := newRecordingServer(t, recorded)
	defer srv.Close()

	rt := session.New("SessionB", types.SessionConfig{}, wsURL(srv.URL), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "prompt", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-recorded // drain session.update

	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
	cfg := vad.DefaultConfig()
	cfg.MinSpeechFrames = 2
	b := newBase(Deps{
		Call:     call,
		Dual:     &session.DualSessionManager{SessionA: session.New("SessionA", types.SessionConfig{}, wsURL(srv.URL), nil, nil, nil), SessionB: rt},
		SessionB: sessionb.New(rt),
		VadB:     vad.New(cfg, vad.RMSOnlyModel{}),
	})

	for i := 0; i < 4; i++ {
		b.handleTwilioAudioCommon(loudUlawFrame())
	}

	// Each iteration also sends an input_audio_buffer.append; the clear
	// issued by NotifySpeechStarted is interleaved once the transition
	// fires, so scan for it rather than assuming it is the next message.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-recorded:
			if msg["type"] == "input_audio_buffer.clear" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for LocalVAD to drive Session B's speech-started notification")
		}
	}
}

type fakeReconnectClient struct {
	fakeClient
	statuses []string
}

func (f *fakeReconnectClient) SendRecovery(status, label string, gapMs int64, message string) {
	f.statuses = append(f.statuses, status)
}

// TestOnSessionDisconnectReportsRecoveredStatus drives a Manager through
// HandleDisconnect with an always-succeeding Reconnect and checks the
// client hears exactly disconnected then recovered.
func TestOnSessionDisconnectReportsRecoveredStatus(t *testing.T) {
	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
	rec := recovery.New(recovery.DefaultConfig(), "A", call, nil, nil, nil, nil)
	rec.Reconnect = func(ctx context.Context) error { return nil }

	client := &fakeReconnectClient{}
	b := &base{Deps: Deps{Call: call, Client: client}}

	b.onSessionDisconnect(context.Background(), rec, "A")

	if got := client.statuses; len(got) != 2 || got[0] != "disconnected" || got[1] != "recovered" {
		t.Fatalf("expected [disconnected recovered], got %v", got)
	}
}
