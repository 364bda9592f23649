package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 5 * time.Second
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_chain (
	tenant             TEXT   NOT NULL,
	chain_index        BIGINT NOT NULL,
	ts                 TEXT   NOT NULL,
	actor_identity     TEXT   NOT NULL,
	action_type        TEXT   NOT NULL,
	artifact_signature TEXT   NOT NULL,
	previous_hash      TEXT   NOT NULL,
	lock_hash          TEXT   NOT NULL,
	PRIMARY KEY (tenant, chain_index)
)`

type chainDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements LinkStore on a PostgreSQL table keyed by
// (tenant, chain_index). The primary key enforces append-only index uniqueness.
type PostgresStore struct {
	db       chainDB
	tenantID string
}

// NewPostgresStore opens a pool for the DSN and creates the chain table if needed
func NewPostgresStore(ctx context.Context, dsn string, tenantID string) (*PostgresStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxPoolNewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	store := newPostgresStore(pool, tenantID)
	if err = store.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err = pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit_chain table: %w", err)
	}
	return store, nil
}

func newPostgresStore(db chainDB, tenantID string) *PostgresStore {
	return &PostgresStore{db: db, tenantID: tenantID}
}

// NewPostgresStoreFromConfig creates a PostgresStore from StoreConfig
func NewPostgresStoreFromConfig(config StoreConfig, tenantID string) (*PostgresStore, error) {
	dsn, ok := stringOption(config, "dsn")
	if !ok {
		return nil, fmt.Errorf("postgres storage requires 'dsn' in config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return NewPostgresStore(ctx, dsn, tenantID)
}

// AppendLink inserts the record. A duplicate key becomes IndexConflictError;
// the gap check runs inside the same statement so no row is written out of order.
func (p *PostgresStore) AppendLink(ctx context.Context, record LinkRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	tag, err := p.db.Exec(ctx, `
		INSERT INTO audit_chain
		(tenant, chain_index, ts, actor_identity, action_type, artifact_signature, previous_hash, lock_hash)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8
		WHERE (SELECT COUNT(*) FROM audit_chain WHERE tenant=$1) >= $2
	`, p.tenantID, int64(record.Index), record.Timestamp, record.ActorIdentity, record.ActionType,
		record.ArtifactSignature, record.PreviousHash, record.LockHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
		}
		return fmt.Errorf("failed to insert link record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index gap: record %d is ahead of the stored chain", record.Index)
	}
	return nil
}

func (p *PostgresStore) LoadLinks(ctx context.Context) ([]LinkRecord, error) {
	rows, err := p.db.Query(ctx, `
		SELECT chain_index, ts, actor_identity, action_type, artifact_signature, previous_hash, lock_hash
		FROM audit_chain WHERE tenant=$1 ORDER BY chain_index ASC
	`, p.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain: %w", err)
	}
	defer rows.Close()

	records := []LinkRecord{}
	for rows.Next() {
		var r LinkRecord
		var index int64
		if err = rows.Scan(&index, &r.Timestamp, &r.ActorIdentity, &r.ActionType,
			&r.ArtifactSignature, &r.PreviousHash, &r.LockHash); err != nil {
			return nil, fmt.Errorf("failed to scan chain row: %w", err)
		}
		r.Index = uint64(index)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}

func (p *PostgresStore) GetType() string {
	return string(StoreTypePostgres)
}
