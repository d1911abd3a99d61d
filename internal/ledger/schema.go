package ledger

// Schema contains the SQL statements bootstrapping the session ledger's
// three tables as an embedded constant, applied once at startup.
const Schema = `
-- replica: one row per live process of this service. label is unique;
-- registration is an upsert-on-label that refreshes ip.
CREATE TABLE IF NOT EXISTS replica (
    id    UUID PRIMARY KEY,
    label VARCHAR(255) UNIQUE NOT NULL,
    ip    VARCHAR(64) NOT NULL
);

-- agent_session: at most one row cluster-wide per (agent_label,
-- account_subject, account_audience, classroom_id). The unique index
-- below is the takeover trigger: a second INSERT for the same key fails
-- with a unique violation rather than silently overwriting.
CREATE TABLE IF NOT EXISTS agent_session (
    id                BIGSERIAL PRIMARY KEY,
    agent_label       VARCHAR(255) NOT NULL,
    account_subject   VARCHAR(255) NOT NULL,
    account_audience  VARCHAR(255) NOT NULL,
    classroom_id      UUID NOT NULL,
    replica_id        UUID NOT NULL REFERENCES replica(id) ON DELETE CASCADE,
    started_at        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_session_key
    ON agent_session (agent_label, account_subject, account_audience, classroom_id);

CREATE INDEX IF NOT EXISTS idx_agent_session_replica ON agent_session (replica_id);
CREATE INDEX IF NOT EXISTS idx_agent_session_classroom ON agent_session (classroom_id);

-- agent_session_history: audit trail of past sessions. id equals the
-- originating agent_session.id. For a given key, lifetimes may touch
-- but not overlap — enforced at the application layer via
-- CheckLifetimeOverlap, never by a database constraint, because the
-- move-to-history procedure needs to distinguish "extend" from
-- "insert" before writing.
CREATE TABLE IF NOT EXISTS agent_session_history (
    id                BIGINT PRIMARY KEY,
    agent_label       VARCHAR(255) NOT NULL,
    account_subject   VARCHAR(255) NOT NULL,
    account_audience  VARCHAR(255) NOT NULL,
    classroom_id      UUID NOT NULL,
    lifetime_start    TIMESTAMPTZ NOT NULL,
    lifetime_end      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_session_history_key
    ON agent_session_history (agent_label, account_subject, account_audience, classroom_id);
`
