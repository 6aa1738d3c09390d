package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tillpoint/evictor/pkg/retention"
)

// SQLiteConfig contains configuration for the SQLite audit log.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WALMode enables Write-Ahead Logging.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:        "data/audit.db",
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	}
}

// SQLiteLog implements Log using SQLite.
type SQLiteLog struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteLog opens the audit database, creating the schema if needed.
func NewSQLiteLog(config *SQLiteConfig) (*SQLiteLog, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "audit.sqlite")

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, retention.NewStoreError("sqlite", "mkdir", err)
		}
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("audit log initialized", "path", config.Path, "wal_mode", config.WALMode)
	return l, nil
}

func (l *SQLiteLog) initialize() error {
	if l.config.WALMode {
		if _, err := l.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return retention.NewStoreError("sqlite", "enable_wal", err)
		}
	}

	if _, err := l.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", l.config.BusyTimeout.Milliseconds())); err != nil {
		return retention.NewStoreError("sqlite", "set_busy_timeout", err)
	}

	if _, err := l.db.Exec(Schema); err != nil {
		return retention.NewStoreError("sqlite", "create_schema", err)
	}

	if _, err := l.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return retention.NewStoreError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := l.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return retention.NewStoreError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return retention.NewStoreError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, entry *retention.AuditEntry) error {
	affected, err := json.Marshal(nonNil(entry.AffectedDocumentIDs))
	if err != nil {
		return retention.NewStoreError("sqlite", "append_encode", err)
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return retention.NewStoreError("sqlite", "append_encode", err)
	}

	var epoch any
	if !entry.EpochTimestamp.IsZero() {
		epoch = entry.EpochTimestamp.UnixMilli()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, title, mode, query, result_message,
			affected_document_ids, details,
			query_timestamp, epoch_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Title, string(entry.Mode), entry.Query, entry.ResultMessage,
		string(affected), string(details),
		entry.QueryTimestamp.UnixMilli(), epoch,
	)
	if err != nil {
		return retention.NewStoreError("sqlite", "append", err)
	}
	return nil
}

// All implements Log.
func (l *SQLiteLog) All(ctx context.Context) ([]*retention.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, title, mode, query, result_message,
		       affected_document_ids, details,
		       query_timestamp, epoch_timestamp
		FROM audit_entries ORDER BY seq`)
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "all", err)
	}
	defer rows.Close()

	entries := []*retention.AuditEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, retention.NewStoreError("sqlite", "scan", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStoreError("sqlite", "all", err)
	}
	return entries, nil
}

// Clear implements Log.
func (l *SQLiteLog) Clear(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_entries")
	if err != nil {
		return 0, retention.NewStoreError("sqlite", "clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, retention.NewStoreError("sqlite", "clear", err)
	}
	l.logger.Info("audit log cleared", "entries", n)
	return n, nil
}

// Ping checks that the audit database is reachable.
func (l *SQLiteLog) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return retention.NewStoreError("sqlite", "ping", err)
	}
	return nil
}

// Close implements Log.
func (l *SQLiteLog) Close() error {
	if err := l.db.Close(); err != nil {
		return retention.NewStoreError("sqlite", "close", err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (*retention.AuditEntry, error) {
	var (
		entry                   retention.AuditEntry
		mode                    string
		query, result           sql.NullString
		affectedJSON, detailsJS sql.NullString
		queryMs                 int64
		epochMs                 sql.NullInt64
	)
	if err := rows.Scan(&entry.ID, &entry.Title, &mode, &query, &result,
		&affectedJSON, &detailsJS, &queryMs, &epochMs); err != nil {
		return nil, err
	}

	entry.Mode = retention.Mode(mode)
	entry.Query = query.String
	entry.ResultMessage = result.String
	entry.QueryTimestamp = time.UnixMilli(queryMs).UTC()
	if epochMs.Valid {
		entry.EpochTimestamp = time.UnixMilli(epochMs.Int64).UTC()
	}

	entry.AffectedDocumentIDs = []string{}
	if affectedJSON.Valid && affectedJSON.String != "" {
		if err := json.Unmarshal([]byte(affectedJSON.String), &entry.AffectedDocumentIDs); err != nil {
			return nil, fmt.Errorf("decode affected ids: %w", err)
		}
	}
	if detailsJS.Valid && detailsJS.String != "" && detailsJS.String != "null" {
		if err := json.Unmarshal([]byte(detailsJS.String), &entry.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &entry, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
