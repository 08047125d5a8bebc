package session

// EventType names the upstream realtime-LLM JSON event types consumed
// downstream, enumerated in spec.md §4.4.
const (
	EventSessionCreated                          = "session.created"
	EventSessionUpdated                          = "session.updated"
	EventResponseAudioDelta                      = "response.audio.delta"
	EventResponseAudioTranscriptDelta             = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone              = "response.audio_transcript.done"
	EventResponseTextDelta                        = "response.text.delta"
	EventResponseTextDone                         = "response.text.done"
	EventResponseDone                             = "response.done"
	EventInputAudioBufferSpeechStarted            = "input_audio_buffer.speech_started"
	EventInputAudioBufferSpeechStopped            = "input_audio_buffer.speech_stopped"
	EventInputAudioBufferCommitted                = "input_audio_buffer.committed"
	EventConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseFunctionCallArgumentsDelta       = "response.function_call_arguments.delta"
	EventResponseFunctionCallArgumentsDone        = "response.function_call_arguments.done"
	EventError                                    = "error"
)

// IgnorableErrorCodes are upstream error codes that are harmless timing
// races rather than real session failures (spec.md §4.4/§7), supplemented
// from original_source's recovery.py _IGNORABLE_ERROR_CODES.
var IgnorableErrorCodes = map[string]bool{
	"response_cancel_not_active":                  true,
	"conversation_already_has_active_response":    true,
	"input_audio_buffer_commit_empty":              true,
}

// Event is a parsed upstream JSON event. Raw carries the undecoded message
// so handlers can pull additional fields without a second full unmarshal.
type Event struct {
	Type string
	Raw  map[string]any
}

// Handler is invoked for every registered event of a given type.
type Handler func(Event)
