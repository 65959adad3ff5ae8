package repository

// Schema definitions for the Talon fact warehouse.
// Compatible with both SQLite and PostgreSQL. Money is stored as TEXT
// and read back through decimal.Decimal.

const schemaFlaggedSummaries = `
CREATE TABLE IF NOT EXISTS flagged_summaries (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    flagged_count INTEGER NOT NULL,
    flagged_amount TEXT NOT NULL,
    total_tx_count INTEGER NOT NULL,
    total_received TEXT NOT NULL,
    reference_date TIMESTAMP,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id)
);
`

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    creation_date TIMESTAMP,
    age_days INTEGER,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id)
);
`

// account_tags keeps the raw field of each tag source; it is parsed on read.
const schemaAccountTags = `
CREATE TABLE IF NOT EXISTS account_tags (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    source TEXT NOT NULL,
    tags TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id, source)
);
`

const schemaMoneyEvents = `
CREATE TABLE IF NOT EXISTS money_events (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    source_table TEXT,
    PRIMARY KEY (tenant_id, account_id, id)
);

CREATE INDEX IF NOT EXISTS idx_money_events_time ON money_events(tenant_id, account_id, occurred_at);
`

const schemaContactCases = `
CREATE TABLE IF NOT EXISTS contact_cases (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    subtype TEXT NOT NULL,
    opened_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id, case_id)
);

CREATE INDEX IF NOT EXISTS idx_contact_cases_subtype ON contact_cases(tenant_id, account_id, subtype, opened_at);
`

const schemaGraphSnapshots = `
CREATE TABLE IF NOT EXISTS graph_snapshots (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id)
);
`

const schemaFraudProximity = `
CREATE TABLE IF NOT EXISTS fraud_proximity (
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    user_count INTEGER NOT NULL,
    confirmed_count INTEGER NOT NULL,
    almost_count INTEGER NOT NULL,
    maybe_count INTEGER NOT NULL,
    ato_count INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, account_id)
);
`

const schemaReviewRules = `
CREATE TABLE IF NOT EXISTS review_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_review_rules_enabled ON review_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFlaggedSummaries,
		schemaAccounts,
		schemaAccountTags,
		schemaMoneyEvents,
		schemaContactCases,
		schemaGraphSnapshots,
		schemaFraudProximity,
		schemaReviewRules,
	}
}
