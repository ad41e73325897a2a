package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the audit database schema.
// The triggers make the entries table append-only at the database level.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    tenant TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    kind TEXT NOT NULL,

    -- Denormalised query columns, also bound into the payload hash
    policy_code TEXT NOT NULL DEFAULT '',
    subject_id TEXT NOT NULL DEFAULT '',
    record_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',

    prev_hash TEXT NOT NULL,
    payload TEXT NOT NULL,
    entry_hash TEXT NOT NULL,
    timestamp TEXT NOT NULL,

    PRIMARY KEY (tenant, sequence)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_policy_subject ON audit_entries(tenant, policy_code, subject_id);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_entries(tenant, kind);
CREATE INDEX IF NOT EXISTS idx_audit_record_id ON audit_entries(record_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;
`

// InsertSchemaVersion inserts the schema version into the schema_version table.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version from the database.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const entryColumns = `tenant, sequence, kind, policy_code, subject_id, record_id, status,
    prev_hash, payload, entry_hash, timestamp`
