package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    type TEXT NOT NULL,
    channel TEXT NOT NULL,
    ip_address TEXT,
    country TEXT,
    device_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id, timestamp);
`

// One decision per transaction id: the primary key is the idempotency guard.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    transaction_id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    fraud_score REAL NOT NULL,
    is_fraud INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    outcome TEXT NOT NULL,
    factors TEXT NOT NULL,
    approximate INTEGER NOT NULL DEFAULT 0,
    escalations TEXT,
    policy_version TEXT NOT NULL,
    model_version TEXT NOT NULL,
    model_scores TEXT,
    schema_version TEXT NOT NULL,
    processing_ms REAL NOT NULL,
    scored_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_user ON decisions(user_id, scored_at);
CREATE INDEX IF NOT EXISTS idx_decisions_merchant ON decisions(merchant_id, scored_at);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
`

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    seq BIGINT NOT NULL,
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL,
    resource TEXT,
    action TEXT,
    status TEXT,
    payload TEXT,
    timestamp TIMESTAMP NOT NULL,
    UNIQUE (subject, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_user ON audit_events(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
`

const schemaChainHeads = `
CREATE TABLE IF NOT EXISTS chain_heads (
    subject TEXT PRIMARY KEY,
    last_hash TEXT NOT NULL,
    seq BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    kind TEXT NOT NULL,
    artifact TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    metrics TEXT NOT NULL,
    is_trained INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    activated_at TIMESTAMP,
    UNIQUE (name, version)
);

CREATE INDEX IF NOT EXISTS idx_models_active ON models(is_active);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    version TEXT PRIMARY KEY,
    high_threshold REAL NOT NULL,
    review_threshold REAL NOT NULL,
    combiner TEXT NOT NULL,
    weights TEXT NOT NULL,
    escalations TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_created ON policies(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaDecisions,
		schemaAuditEvents,
		schemaChainHeads,
		schemaModels,
		schemaPolicies,
	}
}
