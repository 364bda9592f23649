package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_chain (
    tenant             TEXT    NOT NULL,
    chain_index        INTEGER NOT NULL,
    ts                 TEXT    NOT NULL,
    actor_identity     TEXT    NOT NULL,
    action_type        TEXT    NOT NULL,
    artifact_signature TEXT    NOT NULL,
    previous_hash      TEXT    NOT NULL,
    lock_hash          TEXT    NOT NULL,
    PRIMARY KEY (tenant, chain_index)
);`

// SQLiteStore implements LinkStore on an embedded SQLite database
type SQLiteStore struct {
	sqlDB    *sql.DB
	tenantID string
}

// NewSQLiteStore opens (or creates) the database file at path.
// The special path ":memory:" gives a throwaway database.
func NewSQLiteStore(path string, tenantID string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	sqlDB.SetMaxOpenConns(1)

	if err = sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err = sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create audit_chain table: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, tenantID: tenantID}, nil
}

// NewSQLiteStoreFromConfig creates a SQLiteStore from StoreConfig
func NewSQLiteStoreFromConfig(config StoreConfig, tenantID string) (*SQLiteStore, error) {
	path, ok := stringOption(config, "path")
	if !ok {
		return nil, fmt.Errorf("sqlite storage requires 'path' in config")
	}
	return NewSQLiteStore(path, tenantID)
}

func (s *SQLiteStore) AppendLink(ctx context.Context, record LinkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO audit_chain
		(tenant, chain_index, ts, actor_identity, action_type, artifact_signature, previous_hash, lock_hash)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM audit_chain WHERE tenant = ?) >= ?`,
		s.tenantID, int64(record.Index), record.Timestamp, record.ActorIdentity, record.ActionType,
		record.ArtifactSignature, record.PreviousHash, record.LockHash,
		s.tenantID, int64(record.Index))
	if err != nil {
		if isSQLiteConstraintError(err) {
			return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
		}
		return fmt.Errorf("insert link record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert link record: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("index gap: record %d is ahead of the stored chain", record.Index)
	}
	return nil
}

func (s *SQLiteStore) LoadLinks(ctx context.Context) ([]LinkRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT chain_index, ts, actor_identity, action_type, artifact_signature, previous_hash, lock_hash
		FROM audit_chain WHERE tenant = ? ORDER BY chain_index ASC`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	records := []LinkRecord{}
	for rows.Next() {
		var r LinkRecord
		var index int64
		if err = rows.Scan(&index, &r.Timestamp, &r.ActorIdentity, &r.ActionType,
			&r.ArtifactSignature, &r.PreviousHash, &r.LockHash); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		r.Index = uint64(index)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) GetType() string {
	return string(StoreTypeSQLite)
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
