// Command relay runs the HTTP/WebSocket server for the bilingual
// voice-translation relay, wiring every pkg/relay component together per
// call: a client-app WebSocket endpoint, a carrier media-stream WebSocket
// endpoint, and a health check, per spec.md §4.17. Outbound call placement
// and Twilio webhook routes stay out of scope, matching original_source's
// routes/calls.py and routes/twilio_webhook.py only in the parts spec.md
// §4.17 keeps: this command never originates a call, it only answers one
// already placed elsewhere.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/callmanager"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/clientws"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/config"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/contextmgr"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/echogate"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/fallbackstt"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/firstmessage"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/guardrail"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/interrupt"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/metrics"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/persistence"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/pipeline"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/recovery"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/ringbuffer"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessiona"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessionb"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/telephony"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/tools"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/tracing"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/vad"
)

const realtimeUpstreamURL = "wss://api.openai.com/v1/realtime"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.NewSlogLogger()

	metricsReg := metrics.NewRegistry()
	shutdownTracing := tracing.InitProvider(nil)
	defer func() { _ = shutdownTracing(context.Background()) }()

	var store *persistence.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s, err := persistence.Connect(ctx, cfg.DatabaseURL, log)
		cancel()
		if err != nil {
			log.Warn("persistence unavailable, continuing without it", "error", err.Error())
		} else {
			store = s
		}
	}

	var carrier *telephony.TwilioCarrier
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		carrier = telephony.NewTwilioCarrier(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	}

	srv := &server{
		cfg:       cfg,
		log:       log,
		metrics:   metricsReg,
		store:     store,
		carrier:   carrier,
		manager:   callmanager.New(log),
		calls:     map[string]*callBootstrap{},
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/relay/calls/start", srv.handleStartCall).Methods(http.MethodPost)
	r.HandleFunc("/relay/calls/{call_id}/end", srv.handleEndCall).Methods(http.MethodPost)
	r.HandleFunc("/relay/calls/{call_id}/stream", srv.handleClientStream)
	r.HandleFunc("/relay/calls/{call_id}/media-stream", srv.handleMediaStream)

	addr := cfg.RelayServerHost + ":" + itoa(cfg.RelayServerPort)
	httpSrv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info("relay server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err.Error())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down", "active_calls", srv.manager.ActiveCallCount())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.manager.ShutdownAll(ctx)
	_ = httpSrv.Shutdown(ctx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// server holds the process-wide collaborators shared by every call.
type server struct {
	cfg     config.Config
	log     logging.Logger
	metrics *metrics.Registry
	store   *persistence.Store
	carrier *telephony.TwilioCarrier
	manager *callmanager.Manager

	startedAt time.Time

	mu    sync.Mutex
	calls map[string]*callBootstrap
}

// handleHealth matches original_source's routes/health.py shape: status,
// the number of active calls, and process uptime in seconds.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.manager.ActiveCallCount(),
		"uptime":          int(time.Since(s.startedAt).Seconds()),
	})
}

type startCallRequest struct {
	CallID            string `json:"call_id"`
	Mode              string `json:"mode"`
	CommunicationMode string `json:"communication_mode"`
	SourceLanguage    string `json:"source_language"`
	TargetLanguage    string `json:"target_language"`
}

type startCallResponse struct {
	CallID          string `json:"call_id"`
	ClientStreamURL string `json:"client_stream_url"`
	MediaStreamURL  string `json:"media_stream_url"`
}

// handleStartCall registers a pending call and returns the two WebSocket
// paths the client application and the carrier each dial, matching
// routes/calls.py's CallStartResponse shape minus call_sid (this module
// never places the outbound PSTN leg itself, per spec.md §4.17).
func (s *server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	comm := types.CommunicationMode(req.CommunicationMode)
	if comm == "" {
		comm = types.CommVoiceToVoice
	}
	mode := types.ModeRelay
	if req.Mode == string(types.ModeAgent) {
		mode = types.ModeAgent
	}

	call := types.NewCall(req.CallID, mode, req.SourceLanguage, req.TargetLanguage, comm)
	boot := newCallBootstrap(s, call, comm)

	s.mu.Lock()
	s.calls[call.ID] = boot
	s.mu.Unlock()

	resp := startCallResponse{
		CallID:          call.ID,
		ClientStreamURL: "/relay/calls/" + call.ID + "/stream",
		MediaStreamURL:  "/relay/calls/" + call.ID + "/media-stream",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEndCall drives the same idempotent teardown path a warning/duration
// timeout or a client end_call message triggers, matching routes/calls.py's
// POST /calls/{call_id}/end.
func (s *server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	s.manager.Cleanup(r.Context(), callID, "explicit_end_request")
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

var wsAcceptOptions = &websocket.AcceptOptions{InsecureSkipVerify: true}

func (s *server) lookupBootstrap(callID string) (*callBootstrap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.calls[callID]
	return b, ok
}

// handleClientStream upgrades the client application's WebSocket, matching
// original_source's routes/stream.py "/calls/{call_id}/stream" endpoint.
func (s *server) handleClientStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	boot, ok := s.lookupBootstrap(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, wsAcceptOptions)
	if err != nil {
		return
	}
	handler := clientws.New(conn, s.log)
	boot.attachClient(handler)
	handler.Listen(r.Context())
}

// handleMediaStream upgrades the carrier's media-stream WebSocket, matching
// routes/stream.py's "/calls/{call_id}/media-stream" endpoint (the comment
// there notes it is routed separately by a Twilio-stream prefix; here it is
// just a second mux route on the same call id).
func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	boot, ok := s.lookupBootstrap(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, wsAcceptOptions)
	if err != nil {
		return
	}
	handler := telephony.New(conn, s.log)
	boot.attachTelephony(handler)
	handler.Listen(r.Context())
}

// callBootstrap assembles one call's full component tree the first time
// both the client-app socket and the carrier media-stream socket have
// attached, mirroring routes/stream.py's "waiting" call_status message sent
// while the Twilio leg hasn't connected yet.
type callBootstrap struct {
	srv  *server
	call *types.Call
	comm types.CommunicationMode

	mu      sync.Mutex
	client  *clientws.Handler
	tel     *telephony.Handler
	started bool
}

func newCallBootstrap(srv *server, call *types.Call, comm types.CommunicationMode) *callBootstrap {
	return &callBootstrap{srv: srv, call: call, comm: comm}
}

func (b *callBootstrap) attachClient(h *clientws.Handler) {
	b.mu.Lock()
	b.client = h
	ready := b.maybeReady()
	b.mu.Unlock()

	h.SendCallStatus("waiting", "")
	if ready {
		b.start()
	}
}

func (b *callBootstrap) attachTelephony(h *telephony.Handler) {
	b.mu.Lock()
	b.tel = h
	ready := b.maybeReady()
	b.mu.Unlock()

	if ready {
		b.start()
	}
}

// maybeReady reports whether both legs are attached. Caller holds b.mu.
func (b *callBootstrap) maybeReady() bool {
	return !b.started && b.client != nil && b.tel != nil
}

// start builds the per-call component tree and hands it to pipeline.New,
// grounded on original_source's routes/calls.py start_call handler (prompt
// generation and DualSessionManager construction) and call_manager.py's
// register_session/register_router/register_app_ws trio.
func (b *callBootstrap) start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	client, tel := b.client, b.tel
	b.mu.Unlock()

	cfg := b.srv.cfg
	log := b.srv.log.With("call_id", b.call.ID)
	ctx, cancel := context.WithCancel(context.Background())

	ctx, callSpan := tracing.StartCall(ctx, b.call.ID, string(b.comm), b.call.SourceLanguage, b.call.TargetLanguage)
	go func() {
		<-ctx.Done()
		callSpan.End()
	}()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dual := session.NewDualSessionManager(b.call.Mode, b.call.SourceLanguage, b.call.TargetLanguage, types.VadServer, realtimeUpstreamURL, header, nil, log, []string{"text", "audio"})

	recorder := b.srv.metrics.NewCallRecorder()

	ringA := ringbuffer.New(cfg.RingBufferCapacitySlots)
	ringB := ringbuffer.New(cfg.RingBufferCapacitySlots)

	recoveryCfg := recovery.Config{
		HeartbeatInterval: cfg.HeartbeatIntervalS,
		HeartbeatTimeout:  cfg.HeartbeatTimeoutS,
		MaxAttempts:       cfg.RecoveryMaxAttempts,
		InitialBackoff:    cfg.RecoveryInitialBackoffS,
		MaxBackoff:        cfg.RecoveryMaxBackoffS,
		Multiplier:        cfg.RecoveryBackoffMultiplier,
		ReconnectTimeout:  cfg.RecoveryTimeoutS,
	}
	whisper := fallbackstt.New(cfg.OpenAIAPIKey)
	fallbackA := fallbackstt.NewRecoveryAdapter(whisper, b.call.SourceLanguage)
	fallbackB := fallbackstt.NewRecoveryAdapter(whisper, b.call.TargetLanguage)

	recoveryA := recovery.New(recoveryCfg, "A", b.call, ringA, fallbackA, dual.SessionA, log)
	recoveryB := recovery.New(recoveryCfg, "B", b.call, ringB, fallbackB, dual.SessionB, log)

	fallback := guardrail.NewFallbackLLM(cfg.OpenAIAPIKey, cfg.GuardrailFallbackModel, time.Duration(cfg.GuardrailFallbackTimeoutMs)*time.Millisecond, log)
	checker := guardrail.NewChecker(b.call.TargetLanguage, cfg.GuardrailEnabled, fallback, log)

	sessA := sessiona.New(dual.SessionA, sessiona.WithCall(b.call), sessiona.WithGuardrail(checker))
	sessB := sessionb.New(dual.SessionB, sessionb.WithCall(b.call), sessionb.WithMinSpeechMs(int64(cfg.MinSpeechMs)))

	vadB := vad.New(vad.Config{
		RMSThreshold:     cfg.LocalVADRMSThreshold,
		SpeechThreshold:  float32(cfg.LocalVADSpeechThreshold),
		SilenceThreshold: float32(cfg.LocalVADSilenceThreshold),
		MinSpeechFrames:  cfg.LocalVADMinSpeechFrames,
		MinSilenceFrames: cfg.LocalVADMinSilenceFrames,
	}, vad.RMSOnlyModel{})

	executor := tools.NewExecutor(b.call, func(result string, data map[string]any) {
		b.srv.manager.Cleanup(context.Background(), b.call.ID, "call_result:"+result)
	})
	sessA.Executor = executor

	gate := echogate.New(echogate.Config{
		BreakthroughRMS:  cfg.EchoBreakthroughRMS,
		RoundTripMarginS: 500 * time.Millisecond,
		CooldownCeilingS: cfg.EchoCooldownCeilingS,
	}, nil)
	gate.OnBreakthrough = recorder.RecordEchoBreakthrough

	firstMsg := firstmessage.New(firstmessage.ModeGenerated, "", sessA)

	deps := pipeline.Deps{
		Call:         b.call,
		Dual:         dual,
		SessionA:     sessA,
		SessionB:     sessB,
		RingA:        ringA,
		RingB:        ringB,
		RecoveryA:    recoveryA,
		RecoveryB:    recoveryB,
		VadB:         vadB,
		FirstMessage: firstMsg,
		Interrupt:    interrupt.New(),
		EchoGate:     gate,
		Context:      contextmgr.New(),
		Guardrail:    checker,
		Executor:     executor,
		Client:       client,
		Telephony:    tel,
		Log:          log,
	}

	pl, err := pipeline.New(b.comm, deps)
	if err != nil {
		log.Error("failed to construct pipeline", "error", err.Error())
		cancel()
		return
	}

	client.SetOnConnectionLost(func() {
		b.srv.manager.Cleanup(context.Background(), b.call.ID, "client_disconnect")
	})
	tel.SetOnConnectionLost(func() {
		b.srv.manager.Cleanup(context.Background(), b.call.ID, "carrier_disconnect")
	})
	client.OnEndCall = func() {
		b.srv.manager.Cleanup(context.Background(), b.call.ID, "explicit_end_request")
	}

	entryDeps := callmanager.EntryDeps{
		Pipeline:  pl,
		AppSocket: client,
		Cancel:    cancel,
	}
	// Carrier/Persist are assigned only when configured: a nil *TwilioCarrier
	// or *persistence.Store boxed into a non-nil interface would otherwise
	// pass callmanager's "!= nil" check and panic on the nil receiver call.
	if b.srv.carrier != nil {
		entryDeps.Carrier = b.srv.carrier
	}
	if b.srv.store != nil {
		entryDeps.Persist = b.srv.store
	}
	b.srv.manager.Register(b.call, entryDeps)
	b.srv.manager.ArmDurationTimer(b.call.ID, time.Duration(cfg.CallWarningMs)*time.Millisecond, time.Duration(cfg.MaxCallDurationMs)*time.Millisecond)

	if b.srv.store != nil {
		b.srv.store.StartDebounce(ctx, b.call)
	}

	if err := pl.Start(ctx); err != nil {
		log.Error("pipeline start failed", "error", err.Error())
		b.srv.manager.Cleanup(ctx, b.call.ID, "pipeline_start_failed")
		return
	}
	go b.pushMetrics(ctx, client, recorder)
	client.SendCallStatus("active", "")
}

// pushMetrics periodically pushes the call's metrics snapshot to the client
// app (the "metrics" event named in spec.md §6) until the call ends, then
// releases the recorder's CallsActive slot.
func (b *callBootstrap) pushMetrics(ctx context.Context, client *clientws.Handler, recorder *metrics.CallRecorder) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	defer recorder.Finish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.SendMetrics(recorder.Snapshot())
		}
	}
}
