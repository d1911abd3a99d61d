// Package sessionmgr implements the session manager: a single-owner
// actor over the in-memory SessionKey->(SessionId, ControlChannel) map.
// A command-queue actor replaces a lock-protected shared map outright,
// carrying strict command ordering that a mutex-guarded map alone
// cannot express at the source level — Register must always be
// visible to the next Terminate for the same key.
package sessionmgr

import (
	"context"
	"time"

	"github.com/primal-host/classroom-presence/internal/model"
)

// ControlMessage is sent by the manager to exactly one connection
// handler over its control channel.
type ControlMessage int

const (
	// ControlClose means the session was displaced by a newer
	// connection; the handler must close with a Replaced error and
	// skip the history move.
	ControlClose ControlMessage = iota
	// ControlTerminate means the replica is shutting down; the handler
	// notifies the client with a recoverable Terminated error but keeps
	// serving until the client disconnects.
	ControlTerminate
)

// Entry is what Register stores for a live session.
type Entry struct {
	SessionId model.SessionId
	CtrlTx    chan<- ControlMessage
}

// TerminateResult is the one-shot reply to Terminate/Delete.
type TerminateResult struct {
	Found     bool
	SessionId model.SessionId
}

// Manager is the C4 actor. The command channel is sized generously
// rather than truly unbounded — Go has no unbounded channel primitive —
// which is sufficient because every producer here is a connection
// handler issuing at most a handful of commands over its lifetime.
type Manager struct {
	cmds          chan any
	activeGauge   func(delta int)
}

type registerCmd struct {
	key   model.SessionKey
	entry Entry
}

type terminateCmd struct {
	key    model.SessionKey
	delete bool // Delete vs Terminate — same effect, different reply shape at the HTTP layer
	reply  chan TerminateResult
}

type shutdownCmd struct {
	grace time.Duration
	done  chan struct{}
}

// New creates a Manager. activeGauge, if non-nil, is called with +1/-1
// as entries are registered and removed, feeding
// internal/metrics.Registry.SessionsActive.
func New(activeGauge func(delta int)) *Manager {
	return &Manager{
		cmds:        make(chan any, 4096),
		activeGauge: activeGauge,
	}
}

// Run executes the actor loop until Shutdown is called.
func (m *Manager) Run(ctx context.Context) {
	sessions := make(map[model.SessionKey]Entry)

	for raw := range m.cmds {
		switch cmd := raw.(type) {
		case registerCmd:
			if _, existed := sessions[cmd.key]; !existed && m.activeGauge != nil {
				m.activeGauge(1)
			}
			sessions[cmd.key] = cmd.entry

		case terminateCmd:
			entry, found := sessions[cmd.key]
			if found {
				delete(sessions, cmd.key)
				if m.activeGauge != nil {
					m.activeGauge(-1)
				}
				select {
				case entry.CtrlTx <- ControlClose:
				default:
				}
			}
			cmd.reply <- TerminateResult{Found: found, SessionId: entry.SessionId}

		case shutdownCmd:
			for _, entry := range sessions {
				select {
				case entry.CtrlTx <- ControlTerminate:
				default:
				}
			}
			m.drainDuring(cmd.grace, sessions)
			close(cmd.done)
			return
		}
	}
}

// drainDuring keeps serving Terminate/Delete commands for grace, so peer
// replicas mid-takeover against this one still get a reply (see
// DESIGN.md's shutdown-grace config-key decision).
func (m *Manager) drainDuring(grace time.Duration, sessions map[model.SessionKey]Entry) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return
		case raw := <-m.cmds:
			if cmd, ok := raw.(terminateCmd); ok {
				entry, found := sessions[cmd.key]
				if found {
					delete(sessions, cmd.key)
					if m.activeGauge != nil {
						m.activeGauge(-1)
					}
					select {
					case entry.CtrlTx <- ControlClose:
					default:
					}
				}
				cmd.reply <- TerminateResult{Found: found, SessionId: entry.SessionId}
			}
		}
	}
}

// Register inserts or overwrites the map entry for key. Fire-and-forget.
func (m *Manager) Register(key model.SessionKey, entry Entry) {
	m.cmds <- registerCmd{key: key, entry: entry}
}

// Terminate removes key if present, signals its control channel, and
// reports what it found. Used by the owning connection handler's own
// exit path and by the local takeover path.
func (m *Manager) Terminate(ctx context.Context, key model.SessionKey) (TerminateResult, error) {
	return m.sendTerminate(ctx, key, false)
}

// Delete is Terminate's twin for the internal peer-replica endpoint; the
// spec gives it a distinct reply shape at the HTTP layer, but the
// manager-level effect is identical.
func (m *Manager) Delete(ctx context.Context, key model.SessionKey) (TerminateResult, error) {
	return m.sendTerminate(ctx, key, true)
}

func (m *Manager) sendTerminate(ctx context.Context, key model.SessionKey, isDelete bool) (TerminateResult, error) {
	reply := make(chan TerminateResult, 1)
	cmd := terminateCmd{key: key, delete: isDelete, reply: reply}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return TerminateResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return TerminateResult{}, ctx.Err()
	}
}

// Shutdown sends Terminate to every live entry, then keeps serving
// commands for grace before returning. Blocks until the grace period
// elapses and Run has exited.
func (m *Manager) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	m.cmds <- shutdownCmd{grace: grace, done: done}
	<-done
}
