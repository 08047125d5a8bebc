// Package types holds the shared data model for a relay call: the Call
// aggregate, its append-only logs, and the closed enumerations that drive
// mode selection across the rest of the module.
package types

import (
	"sync"
	"time"
)

// CallStatus is the lifecycle state of a Call.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallDialing   CallStatus = "dialing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallFailed    CallStatus = "failed"
)

// CallMode distinguishes a plain relay call from an autonomous agent call.
type CallMode string

const (
	ModeRelay CallMode = "relay"
	ModeAgent CallMode = "agent"
)

// CommunicationMode selects one of the four Pipeline variants.
type CommunicationMode string

const (
	CommVoiceToVoice CommunicationMode = "voice_to_voice"
	CommTextToVoice  CommunicationMode = "text_to_voice"
	CommVoiceToText  CommunicationMode = "voice_to_text"
	CommFullAgent    CommunicationMode = "full_agent"
)

// VadMode selects who decides end-of-utterance for a given session.
type VadMode string

const (
	VadClient     VadMode = "client"
	VadServer     VadMode = "server"
	VadPushToTalk VadMode = "push_to_talk"
)

// SessionState is a RealtimeSession's liveness state as tracked by RecoveryManager.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionReconnecting SessionState = "reconnecting"
	SessionDegraded     SessionState = "degraded"
)

// RecoveryEventType enumerates the recovery state machine's observable steps.
type RecoveryEventType string

const (
	RecoverySessionDisconnected RecoveryEventType = "session_disconnected"
	RecoveryReconnectAttempt    RecoveryEventType = "reconnect_attempt"
	RecoveryReconnectSuccess    RecoveryEventType = "reconnect_success"
	RecoveryReconnectFailed     RecoveryEventType = "reconnect_failed"
	RecoveryCatchupStarted      RecoveryEventType = "catchup_started"
	RecoveryCatchupCompleted    RecoveryEventType = "catchup_completed"
	RecoveryDegradedEntered     RecoveryEventType = "degraded_mode_entered"
	RecoveryDegradedExited      RecoveryEventType = "degraded_mode_exited"
	RecoveryNormalRestored      RecoveryEventType = "normal_restored"
)

// GuardrailLevel is the content-safety classification of a streamed translation.
type GuardrailLevel int

const (
	GuardrailPass    GuardrailLevel = 1
	GuardrailCorrect GuardrailLevel = 2
	GuardrailBlock   GuardrailLevel = 3
)

// TranscriptEntry is one append-only line of the bilingual transcript.
type TranscriptEntry struct {
	Role           string // "user" | "recipient"
	OriginalText   string
	TranslatedText string
	Language       string
	Timestamp      time.Time
}

// SessionConfig describes how a RealtimeSession should be configured on connect.
type SessionConfig struct {
	Label                   string // "A" or "B"
	Mode                    CallMode
	SourceLanguage          string
	TargetLanguage          string
	InputAudioFormat        string // "pcm16" | "g711_ulaw"
	OutputAudioFormat       string
	VadMode                 VadMode
	InputAudioTranscription map[string]string // e.g. {"model": "whisper-1", "language": "ko"}
	Modalities              []string          // e.g. {"text"} or {"text", "audio"}
}

// RecoveryEvent is one append-only entry in a Call's recovery log.
type RecoveryEvent struct {
	Type         RecoveryEventType
	SessionLabel string
	GapMs        int
	Attempt      int
	Status       string
	Detail       string
	Timestamp    time.Time
}

// CostTokens accumulates OpenAI-Realtime-style token usage across a Call.
type CostTokens struct {
	AudioInput  int
	AudioOutput int
	TextInput   int
	TextOutput  int
}

func (c *CostTokens) Add(other CostTokens) {
	c.AudioInput += other.AudioInput
	c.AudioOutput += other.AudioOutput
	c.TextInput += other.TextInput
	c.TextOutput += other.TextOutput
}

func (c CostTokens) Total() int {
	return c.AudioInput + c.AudioOutput + c.TextInput + c.TextOutput
}

// GuardrailEvent is one append-only guardrail classification log entry.
type GuardrailEvent struct {
	Level             GuardrailLevel
	Original          string
	Corrected         string
	CorrectionTimeMs  int64
	Timestamp         time.Time
}

// FunctionCallLog is one append-only record of a tool invocation in agent mode.
type FunctionCallLog struct {
	CallID    string
	Name      string
	Arguments string
	Result    string
	Timestamp time.Time
}

// LatencySample is one per-turn latency observation for a session direction.
type LatencySample struct {
	Label     string // "A" or "B"
	Millis    int64
	Timestamp time.Time
}

// Call is the per-call aggregate. It is mutated by exactly one Pipeline for
// its whole lifetime; callers must hold Mu for any field not otherwise
// documented as single-writer.
type Call struct {
	Mu sync.Mutex

	ID      string
	CallSID string

	Mode              CallMode
	SourceLanguage    string
	TargetLanguage    string
	CommunicationMode CommunicationMode
	Status            CallStatus

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	TranscriptBilingual []TranscriptEntry
	CostTokens          CostTokens
	LatencySamples      []LatencySample

	EchoActivations      int
	EchoGateBreakthroughs int
	GuardrailEventsLog    []GuardrailEvent
	VADFalseTriggers      int
	FunctionCallLogs      []FunctionCallLog

	FirstMessageSent      bool
	FirstMessageLatencyMs int64

	SessionAID    string
	SessionBID    string
	SessionAState SessionState
	SessionBState SessionState

	RecoveryEvents []RecoveryEvent

	CollectedData map[string]any
	CallResult    string
	CallResultData map[string]any
	AutoEnded     bool

	StreamSID string
}

// NewCall constructs a Call in CallPending status.
func NewCall(id string, mode CallMode, source, target string, comm CommunicationMode) *Call {
	return &Call{
		ID:                id,
		Mode:              mode,
		SourceLanguage:    source,
		TargetLanguage:    target,
		CommunicationMode: comm,
		Status:            CallPending,
		CreatedAt:         time.Now(),
		SessionAState:     SessionConnected,
		SessionBState:     SessionConnected,
		CollectedData:     map[string]any{},
		CallResultData:    map[string]any{},
	}
}

// AppendTranscript appends one TranscriptEntry under the Call's lock.
func (c *Call) AppendTranscript(e TranscriptEntry) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.TranscriptBilingual = append(c.TranscriptBilingual, e)
}

// AppendRecoveryEvent appends one RecoveryEvent under the Call's lock.
func (c *Call) AppendRecoveryEvent(e RecoveryEvent) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.RecoveryEvents = append(c.RecoveryEvents, e)
}

// AppendGuardrailEvent appends one GuardrailEvent under the Call's lock.
func (c *Call) AppendGuardrailEvent(e GuardrailEvent) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.GuardrailEventsLog = append(c.GuardrailEventsLog, e)
}

// AppendLatencySample appends one LatencySample under the Call's lock.
func (c *Call) AppendLatencySample(s LatencySample) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.LatencySamples = append(c.LatencySamples, s)
}

// AddTokens adds token usage to the Call's running total under its lock.
func (c *Call) AddTokens(t CostTokens) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.CostTokens.Add(t)
}
