// Package ledger implements the session ledger: the persistent
// agent_session / agent_session_history / replica tables, and the
// uniqueness and lifetime invariants that make cross-replica takeover
// possible. Every multi-statement operation runs inside an explicit
// pgx.Tx rather than as loose standalone statements.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/classroom-presence/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("ledger: not found")

// ErrUniqueViolation is the first-class return for InsertSession's
// takeover-trigger branch — never an exception, a value the caller
// switches on.
var ErrUniqueViolation = errors.New("ledger: unique violation")

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// helpers that take it (insertSession, checkLifetimeOverlap) run either
// standalone or inside a caller-managed transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the C1 session ledger, backed by a pgx connection pool.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, bootstraps the schema, and returns a ready
// Ledger.
func Open(ctx context.Context, connString string) (*Ledger, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: bootstrap schema: %w", err)
	}

	return &Ledger{pool: pool}, nil
}

func (l *Ledger) Close() { l.pool.Close() }

func (l *Ledger) Pool() *pgxpool.Pool { return l.pool }

// WithTx runs fn inside a transaction, committing on success and
// rolling back on any error fn returns.
func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation matches Postgres error code 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- agent_session operations -------------------------------------------------

// InsertSession inserts a new agent_session row. Returns ErrUniqueViolation
// (not wrapped as a generic error) when the (agent, classroom) key is
// already live somewhere in the cluster — the takeover trigger.
func (l *Ledger) InsertSession(ctx context.Context, agent model.AgentId, classroom model.ClassroomId, replica model.ReplicaId, startedAt time.Time) (model.AgentSession, error) {
	return insertSession(ctx, l.pool, agent, classroom, replica, startedAt)
}

func insertSession(ctx context.Context, q queryer, agent model.AgentId, classroom model.ClassroomId, replica model.ReplicaId, startedAt time.Time) (model.AgentSession, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO agent_session (agent_label, account_subject, account_audience, classroom_id, replica_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		agent.Label, agent.Account.Subject, agent.Account.Audience, classroom.String(), replica.String(), startedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return model.AgentSession{}, ErrUniqueViolation
		}
		return model.AgentSession{}, fmt.Errorf("ledger: insert session: %w", err)
	}

	return model.AgentSession{
		Id:        model.SessionId(id),
		Agent:     agent,
		Classroom: classroom,
		ReplicaId: replica,
		StartedAt: startedAt.UnixMicro(),
	}, nil
}

// DeleteSessionsByReplica bulk-deletes rows already copied to history.
func (l *Ledger) DeleteSessionsByReplica(ctx context.Context, tx pgx.Tx, replica model.ReplicaId, ids []model.SessionId) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	_, err := tx.Exec(ctx, `DELETE FROM agent_session WHERE replica_id = $1 AND id = ANY($2)`, replica.String(), raw)
	if err != nil {
		return fmt.Errorf("ledger: delete sessions by replica: %w", err)
	}
	return nil
}

// GetSession loads a single row by id.
func (l *Ledger) GetSession(ctx context.Context, id model.SessionId) (model.AgentSession, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT id, agent_label, account_subject, account_audience, classroom_id, replica_id, started_at
		FROM agent_session WHERE id = $1`, int64(id))
	return scanSession(row)
}

func scanSession(row pgx.Row) (model.AgentSession, error) {
	var (
		id                            int64
		label, subject, audience, cls string
		replicaStr                    string
		startedAt                     time.Time
	)
	if err := row.Scan(&id, &label, &subject, &audience, &cls, &replicaStr, &startedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentSession{}, ErrNotFound
		}
		return model.AgentSession{}, fmt.Errorf("ledger: scan session: %w", err)
	}
	classroom, err := model.ParseClassroomId(cls)
	if err != nil {
		return model.AgentSession{}, fmt.Errorf("ledger: scan session: %w", err)
	}
	replica, err := model.ParseReplicaId(replicaStr)
	if err != nil {
		return model.AgentSession{}, fmt.Errorf("ledger: scan session: %w", err)
	}
	return model.AgentSession{
		Id:        model.SessionId(id),
		Agent:     model.AgentId{Label: label, Account: model.AccountId{Subject: subject, Audience: audience}},
		Classroom: classroom,
		ReplicaId: replica,
		StartedAt: startedAt.UnixMicro(),
	}, nil
}

// UpdateSessionReplica moves ownership of a row to a new replica without
// changing its SessionId (see DESIGN.md's takeover-retry resolution).
func (l *Ledger) UpdateSessionReplica(ctx context.Context, id model.SessionId, newReplica model.ReplicaId) error {
	tag, err := l.pool.Exec(ctx, `UPDATE agent_session SET replica_id = $1 WHERE id = $2`, newReplica.String(), int64(id))
	if err != nil {
		return fmt.Errorf("ledger: update session replica: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentRow is one entry of a roster listing.
type AgentRow struct {
	Id    model.SessionId
	Agent model.AgentId
}

// ListAgents returns up to limit agents present in classroom, ordered by
// ascending session id, starting strictly after offset.
func (l *Ledger) ListAgents(ctx context.Context, classroom model.ClassroomId, offset model.SessionId, limit int) ([]AgentRow, error) {
	if limit > 1000 {
		limit = 1000
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, agent_label, account_subject, account_audience
		FROM agent_session
		WHERE classroom_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, classroom.String(), int64(offset), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		var id int64
		var label, subject, audience string
		if err := rows.Scan(&id, &label, &subject, &audience); err != nil {
			return nil, fmt.Errorf("ledger: list agents scan: %w", err)
		}
		out = append(out, AgentRow{
			Id:    model.SessionId(id),
			Agent: model.AgentId{Label: label, Account: model.AccountId{Subject: subject, Audience: audience}},
		})
	}
	return out, rows.Err()
}

// CountAgents returns the live participant count per requested classroom.
// Classrooms with zero participants are present in the result with value 0.
func (l *Ledger) CountAgents(ctx context.Context, classrooms []model.ClassroomId) (map[model.ClassroomId]int64, error) {
	out := make(map[model.ClassroomId]int64, len(classrooms))
	for _, c := range classrooms {
		out[c] = 0
	}
	if len(classrooms) == 0 {
		return out, nil
	}

	ids := make([]string, len(classrooms))
	for i, c := range classrooms {
		ids[i] = c.String()
	}

	rows, err := l.pool.Query(ctx, `
		SELECT classroom_id, COUNT(*) FROM agent_session
		WHERE classroom_id = ANY($1)
		GROUP BY classroom_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: count agents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cls string
		var count int64
		if err := rows.Scan(&cls, &count); err != nil {
			return nil, fmt.Errorf("ledger: count agents scan: %w", err)
		}
		classroom, err := model.ParseClassroomId(cls)
		if err != nil {
			return nil, fmt.Errorf("ledger: count agents: %w", err)
		}
		out[classroom] = count
	}
	return out, rows.Err()
}

// FindReplicaIpForSessionKey resolves the IP of the replica currently
// owning key, via a join to the replica table.
func (l *Ledger) FindReplicaIpForSessionKey(ctx context.Context, key model.SessionKey) (string, error) {
	var ip string
	err := l.pool.QueryRow(ctx, `
		SELECT r.ip FROM agent_session s
		JOIN replica r ON r.id = s.replica_id
		WHERE s.agent_label = $1 AND s.account_subject = $2 AND s.account_audience = $3 AND s.classroom_id = $4`,
		key.Agent.Label, key.Agent.Account.Subject, key.Agent.Account.Audience, key.Classroom.String(),
	).Scan(&ip)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ledger: find replica ip: %w", err)
	}
	return ip, nil
}

// --- agent_session_history operations ------------------------------------

// CheckLifetimeOverlap reports whether an existing history row for the
// same key has a lifetime intersecting [start, now).
func (l *Ledger) CheckLifetimeOverlap(ctx context.Context, tx pgx.Tx, key model.SessionKey, start time.Time, now time.Time) (model.AgentSessionHistory, bool, error) {
	return checkLifetimeOverlap(ctx, tx, key, start, now)
}

func checkLifetimeOverlap(ctx context.Context, q queryer, key model.SessionKey, start, now time.Time) (model.AgentSessionHistory, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT id, lifetime_start, lifetime_end FROM agent_session_history
		WHERE agent_label = $1 AND account_subject = $2 AND account_audience = $3 AND classroom_id = $4
		  AND lifetime_start < $6 AND lifetime_end > $5
		LIMIT 1`,
		key.Agent.Label, key.Agent.Account.Subject, key.Agent.Account.Audience, key.Classroom.String(), start, now)

	var id int64
	var s, e time.Time
	err := row.Scan(&id, &s, &e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentSessionHistory{}, false, nil
		}
		return model.AgentSessionHistory{}, false, fmt.Errorf("ledger: check lifetime overlap: %w", err)
	}
	return model.AgentSessionHistory{
		Id:        model.SessionId(id),
		Agent:     key.Agent,
		Classroom: key.Classroom,
		Start:     s.UnixMicro(),
		End:       e.UnixMicro(),
	}, true, nil
}

// InsertHistory writes a new history row with lifetime [session.StartedAt, now).
func (l *Ledger) InsertHistory(ctx context.Context, tx pgx.Tx, session model.AgentSession, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO agent_session_history (id, agent_label, account_subject, account_audience, classroom_id, lifetime_start, lifetime_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(session.Id), session.Agent.Label, session.Agent.Account.Subject, session.Agent.Account.Audience,
		session.Classroom.String(), time.UnixMicro(session.StartedAt), now)
	if err != nil {
		return fmt.Errorf("ledger: insert history: %w", err)
	}
	return nil
}

// UpdateHistoryLifetime extends an existing history row's end to now,
// optionally also pulling its start backward to newStart.
func (l *Ledger) UpdateHistoryLifetime(ctx context.Context, tx pgx.Tx, historyId model.SessionId, newStart time.Time, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE agent_session_history SET lifetime_start = $1, lifetime_end = $2 WHERE id = $3`,
		newStart, now, int64(historyId))
	if err != nil {
		return fmt.Errorf("ledger: update history lifetime: %w", err)
	}
	return nil
}

// UpdateHistoryLifetimesByReplica extends every history row that overlaps
// a still-live session owned by replica, returning the session ids handled.
func (l *Ledger) UpdateHistoryLifetimesByReplica(ctx context.Context, tx pgx.Tx, replica model.ReplicaId, now time.Time) ([]model.SessionId, error) {
	rows, err := tx.Query(ctx, `
		UPDATE agent_session_history h SET lifetime_end = $2
		FROM agent_session s
		WHERE s.replica_id = $1
		  AND h.agent_label = s.agent_label AND h.account_subject = s.account_subject
		  AND h.account_audience = s.account_audience AND h.classroom_id = s.classroom_id
		  AND h.lifetime_start < $2 AND h.lifetime_end > s.started_at
		RETURNING s.id`, replica.String(), now)
	if err != nil {
		return nil, fmt.Errorf("ledger: update history lifetimes by replica: %w", err)
	}
	defer rows.Close()

	var ids []model.SessionId
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: update history lifetimes by replica scan: %w", err)
		}
		ids = append(ids, model.SessionId(id))
	}
	return ids, rows.Err()
}

// InsertHistoriesFromSessions bulk-inserts history rows for every session
// of replica whose key has no existing overlapping history row, excluding
// the given already-handled ids.
func (l *Ledger) InsertHistoriesFromSessions(ctx context.Context, tx pgx.Tx, replica model.ReplicaId, except []model.SessionId, now time.Time) ([]model.SessionId, error) {
	exceptRaw := make([]int64, len(except))
	for i, id := range except {
		exceptRaw[i] = int64(id)
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO agent_session_history (id, agent_label, account_subject, account_audience, classroom_id, lifetime_start, lifetime_end)
		SELECT id, agent_label, account_subject, account_audience, classroom_id, started_at, $3
		FROM agent_session
		WHERE replica_id = $1 AND NOT (id = ANY($2))
		RETURNING id`, replica.String(), exceptRaw, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert histories from sessions: %w", err)
	}
	defer rows.Close()

	var ids []model.SessionId
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: insert histories from sessions scan: %w", err)
		}
		ids = append(ids, model.SessionId(id))
	}
	return ids, rows.Err()
}
