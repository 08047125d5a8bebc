// Package recovery implements RecoveryManager: heartbeat monitoring,
// exponential-backoff reconnection, fallback-STT catch-up for the audio
// missed during an outage, and a degraded mode when recovery is exhausted,
// grounded on original_source's realtime/recovery.py and spec.md §4.12.
package recovery

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/ringbuffer"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// Config tunes heartbeat and backoff behavior; defaults mirror spec.md §4.12.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Multiplier        float64
	ReconnectTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		Multiplier:        2.0,
		ReconnectTimeout:  15 * time.Second,
	}
}

// Reconnector reconnects a session; returns an error if the attempt fails.
type Reconnector func(ctx context.Context) error

// Transcriber performs batch speech-to-text over raw audio bytes for the
// catch-up window, decoupling this package from any concrete STT client.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// ContextInjector delivers recovered catch-up text back into the live
// session as conversation context, matching contextmgr.Sender's shape.
type ContextInjector interface {
	SendContextItem(ctx context.Context, text string) error
}

// Manager watches one session's liveness and drives reconnect/catch-up.
type Manager struct {
	cfg    Config
	label  string
	log    logging.Logger
	call   *types.Call
	ring   *ringbuffer.RingBuffer
	fallback Transcriber
	inject   ContextInjector

	mu           sync.Mutex
	state        types.SessionState
	lastHeartbeat time.Time
	heartbeatStop chan struct{}

	Reconnect Reconnector
}

// New constructs a Manager for one session label ("A" or "B").
func New(cfg Config, label string, call *types.Call, ring *ringbuffer.RingBuffer, fallback Transcriber, inject ContextInjector, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Manager{
		cfg:      cfg,
		label:    label,
		log:      log,
		call:     call,
		ring:     ring,
		fallback: fallback,
		inject:   inject,
		state:    types.SessionConnected,
	}
}

// State returns the current session liveness state.
func (m *Manager) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s types.SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Heartbeat marks that the session produced activity just now, resetting
// the liveness timer.
func (m *Manager) Heartbeat() {
	m.mu.Lock()
	m.lastHeartbeat = time.Now()
	m.mu.Unlock()
}

// StartHeartbeatMonitor polls for heartbeat staleness until ctx is
// cancelled or Stop is called, invoking onTimeout when the session has
// gone silent for longer than HeartbeatTimeout.
func (m *Manager) StartHeartbeatMonitor(ctx context.Context, onTimeout func()) {
	m.mu.Lock()
	m.lastHeartbeat = time.Now()
	m.heartbeatStop = make(chan struct{})
	stop := m.heartbeatStop
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := time.Since(m.lastHeartbeat) > m.cfg.HeartbeatTimeout
			m.mu.Unlock()
			if stale {
				onTimeout()
				return
			}
		}
	}
}

// Stop halts the heartbeat monitor goroutine, if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// HandleDisconnect is invoked when a session's connection is lost; it logs
// the disconnect, runs the exponential-backoff reconnect loop, and on
// success performs catch-up over the audio buffered while disconnected.
// On exhaustion it enters degraded mode.
func (m *Manager) HandleDisconnect(ctx context.Context) error {
	disconnectedAt := time.Now()
	m.setState(types.SessionDisconnected)
	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoverySessionDisconnected,
		SessionLabel: m.label,
		Timestamp:    disconnectedAt,
	})

	m.setState(types.SessionReconnecting)
	backoff := m.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.call.AppendRecoveryEvent(types.RecoveryEvent{
			Type:         types.RecoveryReconnectAttempt,
			SessionLabel: m.label,
			Attempt:      attempt,
			Timestamp:    time.Now(),
		})

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ReconnectTimeout)
		err := m.Reconnect(attemptCtx)
		cancel()
		if err == nil {
			m.call.AppendRecoveryEvent(types.RecoveryEvent{
				Type:         types.RecoveryReconnectSuccess,
				SessionLabel: m.label,
				Attempt:      attempt,
				GapMs:        int(time.Since(disconnectedAt).Milliseconds()),
				Timestamp:    time.Now(),
			})
			m.setState(types.SessionConnected)
			m.catchUp(ctx)
			m.call.AppendRecoveryEvent(types.RecoveryEvent{
				Type:         types.RecoveryNormalRestored,
				SessionLabel: m.label,
				Timestamp:    time.Now(),
			})
			return nil
		}

		lastErr = err
		m.call.AppendRecoveryEvent(types.RecoveryEvent{
			Type:         types.RecoveryReconnectFailed,
			SessionLabel: m.label,
			Attempt:      attempt,
			Detail:       err.Error(),
			Timestamp:    time.Now(),
		})

		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff)*m.cfg.Multiplier, float64(m.cfg.MaxBackoff)))
	}

	m.enterDegraded()
	return lastErr
}

// catchUp transcribes the audio buffered in the ring buffer during the
// outage and injects it back into the session as context, so the model has
// continuity across the gap (spec.md §4.12).
func (m *Manager) catchUp(ctx context.Context) {
	if m.fallback == nil || m.inject == nil || m.ring == nil {
		return
	}
	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoveryCatchupStarted,
		SessionLabel: m.label,
		Timestamp:    time.Now(),
	})

	audio := m.ring.UnsentBytes()
	if len(audio) == 0 {
		m.call.AppendRecoveryEvent(types.RecoveryEvent{
			Type:         types.RecoveryCatchupCompleted,
			SessionLabel: m.label,
			Status:       "empty",
			Timestamp:    time.Now(),
		})
		return
	}

	text, err := m.fallback.Transcribe(ctx, audio)
	status := "ok"
	if err != nil {
		status = "failed"
		m.log.Warn("catch-up transcription failed", "label", m.label, "error", err.Error())
	} else if text != "" {
		if injectErr := m.inject.SendContextItem(ctx, text); injectErr != nil {
			status = "inject_failed"
		}
	}

	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoveryCatchupCompleted,
		SessionLabel: m.label,
		Status:       status,
		Timestamp:    time.Now(),
	})
}

// enterDegraded marks the session as degraded after recovery is exhausted;
// spec.md §4.12's degraded mode batches input over a longer window instead
// of relying on the disconnected realtime session.
func (m *Manager) enterDegraded() {
	m.setState(types.SessionDegraded)
	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoveryDegradedEntered,
		SessionLabel: m.label,
		Timestamp:    time.Now(),
	})
}

// ExitDegraded is called once a later opportunistic reconnect succeeds.
func (m *Manager) ExitDegraded() {
	m.setState(types.SessionConnected)
	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoveryDegradedExited,
		SessionLabel: m.label,
		Timestamp:    time.Now(),
	})
	m.call.AppendRecoveryEvent(types.RecoveryEvent{
		Type:         types.RecoveryNormalRestored,
		SessionLabel: m.label,
		Timestamp:    time.Now(),
	})
}

// AttemptExitDegraded makes one opportunistic reconnect attempt while the
// session is degraded; on success it runs catch-up over whatever audio the
// ring buffer still holds and transitions back to CONNECTED via
// ExitDegraded. A no-op if the session isn't currently degraded, per
// spec.md §4.12's exit_degraded_mode.
func (m *Manager) AttemptExitDegraded(ctx context.Context) error {
	if m.State() != types.SessionDegraded {
		return nil
	}
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ReconnectTimeout)
	defer cancel()
	if err := m.Reconnect(attemptCtx); err != nil {
		return err
	}
	m.catchUp(ctx)
	m.ExitDegraded()
	return nil
}

// DegradedRetryInterval is how often a caller should retry
// AttemptExitDegraded while a session sits in degraded mode; reuses the
// heartbeat cadence rather than introducing a separate tunable.
func (m *Manager) DegradedRetryInterval() time.Duration {
	return m.cfg.HeartbeatInterval
}
