// Package callmanager implements the central per-call registry and
// idempotent teardown, grounded on original_source's
// apps/relay-server/src/call_manager.py and spec.md §4.13/§4.16.
package callmanager

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// CallPipeline is the subset of Pipeline cleanup needs: stop the per-call
// session/audio routing without depending on the concrete pipeline package.
type CallPipeline interface {
	Stop(ctx context.Context) error
}

// CarrierTerminator ends the PSTN leg of a call (step 0 of cleanup_call).
type CarrierTerminator interface {
	TerminateCall(callSID string) error
}

// AppSocket is the client application WebSocket's outbound half, notified
// and closed by cleanup after the pipeline stops and before the call leaves
// the registry.
type AppSocket interface {
	SendCallStatus(status, reason string)
	Close() error
}

// Persister finalizes a Call row on cleanup (spec.md §6's "Persisted state").
type Persister interface {
	PersistFinal(ctx context.Context, call *types.Call) error
}

// EntryDeps bundles the per-call collaborators CallManager owns and tears
// down, mirroring call_manager.py's register_session/register_router/
// register_app_ws trio plus the cancel func rooting the call's goroutine
// tree (spec.md §5).
type EntryDeps struct {
	Pipeline  CallPipeline
	Carrier   CarrierTerminator
	Persist   Persister
	AppSocket AppSocket
	Cancel    context.CancelFunc
}

type entry struct {
	call *types.Call
	deps EntryDeps

	cleanupOnce sync.Once

	timerMu       sync.Mutex
	warningTimer  *time.Timer
	durationTimer *time.Timer
}

// Manager is the central per-call registry. The zero value is not usable;
// construct with New.
type Manager struct {
	mu    sync.RWMutex
	calls map[string]*entry

	log logging.Logger
}

// New constructs an empty Manager.
func New(log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Manager{calls: map[string]*entry{}, log: log}
}

// Register inserts a new Call entry. It is an error to register the same
// call id twice without an intervening Cleanup, matching spec.md §4.16's
// "entries may only be inserted at start time and removed exactly once by
// cleanup".
func (m *Manager) Register(call *types.Call, deps EntryDeps) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[call.ID]; exists {
		return false
	}
	m.calls[call.ID] = &entry{call: call, deps: deps}
	return true
}

// Get returns the registered Call, if any.
func (m *Manager) Get(callID string) (*types.Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return e.call, true
}

// ActiveCallCount is the number of calls currently registered.
func (m *Manager) ActiveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// ArmDurationTimer schedules the two-stage warning/timeout ladder described
// in spec.md §4.16: at warningAt the manager notifies the client of
// "warning" status; at maxDuration it notifies "timeout" and drives cleanup
// with reason "call_duration_exceeded". Both timers are cancelled by
// Cleanup, matching spec.md §5's "all timers accept cancellation".
func (m *Manager) ArmDurationTimer(callID string, warningAt, maxDuration time.Duration) {
	m.mu.RLock()
	e, ok := m.calls[callID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	e.warningTimer = time.AfterFunc(warningAt, func() {
		if e.deps.AppSocket != nil {
			e.deps.AppSocket.SendCallStatus("warning", "")
		}
	})
	e.durationTimer = time.AfterFunc(maxDuration, func() {
		if e.deps.AppSocket != nil {
			e.deps.AppSocket.SendCallStatus("timeout", "")
		}
		m.Cleanup(context.Background(), callID, "call_duration_exceeded")
	})
}

func (e *entry) cancelTimers() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.warningTimer != nil {
		e.warningTimer.Stop()
	}
	if e.durationTimer != nil {
		e.durationTimer.Stop()
	}
}

// Cleanup tears down every component of a call exactly once, in the order
// carried verbatim from call_manager.py's cleanup_call: carrier call
// termination, pipeline stop, app socket notify+close, removal from the
// registry, then persist final state. A second Cleanup call for the same id,
// in any interleaving, is a no-op.
func (m *Manager) Cleanup(ctx context.Context, callID string, reason string) {
	m.mu.RLock()
	e, ok := m.calls[callID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.cleanupOnce.Do(func() {
		m.log.Info("cleaning up call", "call_id", callID, "reason", reason)
		e.cancelTimers()

		if e.deps.Cancel != nil {
			e.deps.Cancel()
		}

		if e.deps.Carrier != nil && e.call.CallSID != "" {
			if err := e.deps.Carrier.TerminateCall(e.call.CallSID); err != nil {
				m.log.Warn("failed to terminate carrier call", "call_id", callID, "error", err.Error())
			}
		}

		if e.deps.Pipeline != nil {
			if err := e.deps.Pipeline.Stop(ctx); err != nil {
				m.log.Warn("error stopping pipeline", "call_id", callID, "error", err.Error())
			}
		}

		if e.deps.AppSocket != nil {
			e.deps.AppSocket.SendCallStatus("ended", reason)
			_ = e.deps.AppSocket.Close()
		}

		e.call.Mu.Lock()
		e.call.Status = types.CallEnded
		e.call.EndedAt = time.Now()
		e.call.Mu.Unlock()

		m.mu.Lock()
		delete(m.calls, callID)
		m.mu.Unlock()

		if e.deps.Persist != nil {
			if err := e.deps.Persist.PersistFinal(ctx, e.call); err != nil {
				m.log.Warn("failed to persist call", "call_id", callID, "error", err.Error())
			}
		}

		m.log.Info("cleanup complete", "call_id", callID)
	})
}

// ShutdownAll cleans up every active call, used on server shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cleanup(ctx, id, "server_shutdown")
	}
}
