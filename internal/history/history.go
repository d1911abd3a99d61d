// Package history implements the history mover: transactional migration
// from agent_session to agent_session_history, both for a single
// session and for a replica-wide sweep. The mover holds no per-session
// state, only the ledger and an optional metrics callback fixed at
// construction, and runs its writes inside an explicit pgx.Tx.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/primal-host/classroom-presence/internal/ledger"
	"github.com/primal-host/classroom-presence/internal/model"
)

// MoveKind distinguishes the two outcomes for metrics/logging: an
// existing history row was extended, or a fresh one was inserted.
type MoveKind string

const (
	MoveExtended MoveKind = "extended"
	MoveInserted MoveKind = "inserted"
)

// MoveCounter is called with the number of sessions moved under kind,
// feeding internal/metrics.Registry.HistoryMovesTotal. May be nil.
type MoveCounter func(kind MoveKind, n int)

// Mover holds no per-session state; the *ledger.Ledger it works on is
// set once by NewMover.
type Mover struct {
	ledger  *ledger.Ledger
	counter MoveCounter
}

// NewMover builds a Mover. counter, if non-nil, is called once per move
// call with the count of sessions handled under each kind.
func NewMover(l *ledger.Ledger, counter MoveCounter) *Mover {
	return &Mover{ledger: l, counter: counter}
}

// MoveSingleSession runs the one-session move in a single transaction:
// load the row, extend or insert its history, then delete the row.
// Re-running against an already-moved session is a
// no-op because the row is already gone — GetSession returns
// ledger.ErrNotFound, which this treats as success.
func (m *Mover) MoveSingleSession(ctx context.Context, id model.SessionId) (MoveKind, error) {
	var kind MoveKind
	moved := false

	err := m.ledger.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		session, err := m.ledger.GetSession(ctx, id)
		if err != nil {
			if err == ledger.ErrNotFound {
				kind = MoveExtended // nothing to do; treated as a completed no-op
				return nil
			}
			return fmt.Errorf("history: load session: %w", err)
		}
		moved = true

		now := time.Now()
		started := time.UnixMicro(session.StartedAt)

		existing, overlaps, err := m.ledger.CheckLifetimeOverlap(ctx, tx, session.Key(), started, now)
		if err != nil {
			return fmt.Errorf("history: check overlap: %w", err)
		}

		if overlaps {
			if err := m.ledger.UpdateHistoryLifetime(ctx, tx, existing.Id, time.UnixMicro(existing.Start), now); err != nil {
				return fmt.Errorf("history: update lifetime: %w", err)
			}
			kind = MoveExtended
		} else {
			if err := m.ledger.InsertHistory(ctx, tx, session, now); err != nil {
				return fmt.Errorf("history: insert: %w", err)
			}
			kind = MoveInserted
		}

		if err := m.ledger.DeleteSessionsByReplica(ctx, tx, session.ReplicaId, []model.SessionId{session.Id}); err != nil {
			return fmt.Errorf("history: delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if moved && m.counter != nil {
		m.counter(kind, 1)
	}
	return kind, nil
}

// MoveAllSessions sweeps every session owned by replica in one
// transaction: extend overlapping histories, insert fresh ones for the
// rest, then delete the union. Called at startup (draining a prior
// incarnation with the same ReplicaId) and at shutdown (after the
// internal listener has quiesced).
func (m *Mover) MoveAllSessions(ctx context.Context, replica model.ReplicaId) (extended, inserted int, err error) {
	now := time.Now()

	txErr := m.ledger.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		extendedIds, err := m.ledger.UpdateHistoryLifetimesByReplica(ctx, tx, replica, now)
		if err != nil {
			return fmt.Errorf("history: bulk extend: %w", err)
		}

		insertedIds, err := m.ledger.InsertHistoriesFromSessions(ctx, tx, replica, extendedIds, now)
		if err != nil {
			return fmt.Errorf("history: bulk insert: %w", err)
		}

		all := append(append([]model.SessionId{}, extendedIds...), insertedIds...)
		if err := m.ledger.DeleteSessionsByReplica(ctx, tx, replica, all); err != nil {
			return fmt.Errorf("history: bulk delete: %w", err)
		}

		extended = len(extendedIds)
		inserted = len(insertedIds)
		return nil
	})
	if txErr != nil {
		return 0, 0, txErr
	}
	if m.counter != nil {
		if extended > 0 {
			m.counter(MoveExtended, extended)
		}
		if inserted > 0 {
			m.counter(MoveInserted, inserted)
		}
	}
	return extended, inserted, nil
}
