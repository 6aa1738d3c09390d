package audit

// SchemaVersion is the current audit database schema version.
const SchemaVersion = 1

// Schema creates the audit log tables.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    mode TEXT NOT NULL,
    query TEXT,
    result_message TEXT,

    -- JSON encoded
    affected_document_ids TEXT,
    details TEXT,

    -- Unix milliseconds
    query_timestamp INTEGER NOT NULL,
    epoch_timestamp INTEGER
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_query_timestamp ON audit_entries(query_timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_mode ON audit_entries(mode);
`

// InsertSchemaVersion records the schema version.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion reads the newest schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`
