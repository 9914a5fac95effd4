package database

// Embedded schemas keyed by database name. Applied by Migrate on boot.
// All statements are idempotent so repeated application is a no-op.
var schemas = map[string]string{
	"core":  coreSchema,
	"audit": auditSchema,
	"cache": cacheSchema,
}

// coreSchema holds mutable control-plane state: who the tenants are, which
// trading profiles they own, and the live position/trade mirror per profile.
const coreSchema = `
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL UNIQUE,
    role          TEXT NOT NULL DEFAULT 'operator',
    tier          TEXT NOT NULL DEFAULT 'free',
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL REFERENCES tenants(id),
    name            TEXT NOT NULL,
    broker          TEXT NOT NULL DEFAULT 'mt5',
    account_number  TEXT NOT NULL,
    server          TEXT NOT NULL DEFAULT '',
    timezone        TEXT NOT NULL DEFAULT 'UTC',
    trading_enabled INTEGER NOT NULL DEFAULT 0,
    gate_config     TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'active',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profiles_tenant ON profiles(tenant_id);

CREATE TABLE IF NOT EXISTS positions (
    id            TEXT PRIMARY KEY,
    profile_id    TEXT NOT NULL REFERENCES profiles(id),
    ticket        INTEGER NOT NULL,
    symbol        TEXT NOT NULL,
    side          TEXT NOT NULL,
    volume        REAL NOT NULL,
    open_price    REAL NOT NULL,
    current_price REAL NOT NULL DEFAULT 0,
    stop_loss     REAL NOT NULL DEFAULT 0,
    take_profit   REAL NOT NULL DEFAULT 0,
    profit        REAL NOT NULL DEFAULT 0,
    swap          REAL NOT NULL DEFAULT 0,
    commission    REAL NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'open',
    opened_at     TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    UNIQUE(profile_id, ticket)
);

CREATE INDEX IF NOT EXISTS idx_positions_profile_status ON positions(profile_id, status);

CREATE TABLE IF NOT EXISTS trade_history (
    id           TEXT PRIMARY KEY,
    profile_id   TEXT NOT NULL REFERENCES profiles(id),
    ticket       INTEGER NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    volume       REAL NOT NULL,
    open_price   REAL NOT NULL,
    close_price  REAL NOT NULL DEFAULT 0,
    profit       REAL NOT NULL DEFAULT 0,
    swap         REAL NOT NULL DEFAULT 0,
    commission   REAL NOT NULL DEFAULT 0,
    close_reason TEXT NOT NULL DEFAULT '',
    opened_at    TEXT NOT NULL,
    closed_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_history_profile ON trade_history(profile_id, closed_at);

CREATE TABLE IF NOT EXISTS account_snapshots (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    profile_id   TEXT NOT NULL REFERENCES profiles(id),
    balance      REAL NOT NULL,
    equity       REAL NOT NULL,
    margin       REAL NOT NULL DEFAULT 0,
    free_margin  REAL NOT NULL DEFAULT 0,
    margin_level REAL NOT NULL DEFAULT 0,
    leverage     INTEGER NOT NULL DEFAULT 0,
    currency     TEXT NOT NULL DEFAULT 'USD',
    taken_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_account_snapshots_profile ON account_snapshots(profile_id, taken_at);

CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    profile_id      TEXT,
    tenant_id       TEXT,
    severity        TEXT NOT NULL DEFAULT 'info',
    kind            TEXT NOT NULL,
    source          TEXT NOT NULL DEFAULT '',
    message         TEXT NOT NULL,
    details         TEXT NOT NULL DEFAULT '{}',
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_by TEXT,
    acknowledged_at TEXT,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(acknowledged, created_at);
`

// auditSchema is the append-only decision trail. Rows are never updated after
// the decision is sealed, except for the status transitions the expiration
// reconciler and execution reporting are allowed to make.
const auditSchema = `
CREATE TABLE IF NOT EXISTS decisions (
    id              TEXT PRIMARY KEY,
    signal_id       TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    profile_id      TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    direction       TEXT NOT NULL,
    source          TEXT NOT NULL DEFAULT 'strategy',
    priority        TEXT NOT NULL DEFAULT 'normal',
    confidence      REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    decision_hash   TEXT NOT NULL,
    chain_id        TEXT NOT NULL DEFAULT '',
    decision_reason TEXT NOT NULL DEFAULT '',
    gate_checks     TEXT NOT NULL DEFAULT '[]',
    request         TEXT NOT NULL DEFAULT '{}',
    received_at     TEXT NOT NULL,
    decided_at      TEXT NOT NULL,
    valid_until     TEXT,
    processing_ms   INTEGER NOT NULL DEFAULT 0,
    executed_at     TEXT,
    error           TEXT,
    UNIQUE(profile_id, signal_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_profile ON decisions(profile_id, received_at);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_idem ON decisions(profile_id, idempotency_key);

CREATE TABLE IF NOT EXISTS decision_chains (
    chain_id      TEXT PRIMARY KEY,
    context_id    TEXT NOT NULL,
    profile_id    TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    completed_at  TEXT,
    final_outcome TEXT NOT NULL DEFAULT '',
    chain_hash    TEXT NOT NULL DEFAULT '',
    node_count    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_decision_chains_context ON decision_chains(context_id);

CREATE TABLE IF NOT EXISTS decision_nodes (
    node_id        TEXT PRIMARY KEY,
    chain_id       TEXT NOT NULL REFERENCES decision_chains(chain_id),
    decision_type  TEXT NOT NULL,
    source         TEXT NOT NULL,
    timestamp      TEXT NOT NULL,
    input_data     TEXT NOT NULL DEFAULT '{}',
    output_data    TEXT NOT NULL DEFAULT '{}',
    rationale      TEXT NOT NULL DEFAULT '',
    confidence     REAL NOT NULL DEFAULT 0,
    parent_node_id TEXT,
    node_hash      TEXT NOT NULL,
    created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_nodes_chain ON decision_nodes(chain_id);

CREATE TABLE IF NOT EXISTS system_events (
    id         TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    profile_id TEXT,
    severity   TEXT NOT NULL DEFAULT 'info',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_system_events_profile ON system_events(profile_id, created_at);
`

// cacheSchema holds ephemeral operational data that can be rebuilt at any
// time. Synchronous(OFF) makes losing it on a crash acceptable.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS worker_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    worker      TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    success     INTEGER NOT NULL DEFAULT 1,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_worker_runs_worker ON worker_runs(worker, started_at);
`
