package persist

import (
	"context"
	"fmt"
)

// LinkRecord is the persisted form of a chain link. Every field that feeds the
// lock hash is stored verbatim so any reader can revalidate the chain without
// auxiliary lookups. Key material never appears here.
type LinkRecord struct {
	Index             uint64 `json:"index"`
	Timestamp         string `json:"timestamp"` // canonical RFC 3339 form used for hashing
	ActorIdentity     string `json:"actor_identity"`
	ActionType        string `json:"action_type"`
	ArtifactSignature string `json:"artifact_signature"`
	PreviousHash      string `json:"previous_hash"`
	LockHash          string `json:"lock_hash"`
}

// LinkStore defines the interface for persisting the audit chain.
// Implementations are append-only: a record, once written, is never updated
// or removed, and writing an index that already exists must fail.
type LinkStore interface {
	// AppendLink durably stores the record under its index.
	// Returns IndexConflictError when the index is already taken.
	AppendLink(ctx context.Context, record LinkRecord) error

	// LoadLinks returns every stored record ordered by index
	LoadLinks(ctx context.Context) ([]LinkRecord, error)

	// Ping tests the connectivity for remote backends
	Ping(ctx context.Context) error

	// Close closes the store and releases any resources it holds
	Close() error

	// GetType retrieves the type of store being used
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/veritas"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used
	Type StoreType `json:"type" yaml:"type"`

	// Config contains settings specific to the chosen backend, for example
	// "base_path" for the filesystem, "dsn" for SQL stores or the S3Config fields.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypePostgres   StoreType = "postgres"
	StoreTypeSQLite     StoreType = "sqlite"
)

// IndexConflictError reports an attempt to write a chain index that already exists.
// It means another writer advanced the chain: a fork was prevented.
type IndexConflictError struct {
	Index     uint64
	Operation string
}

func (e IndexConflictError) Error() string {
	return fmt.Sprintf("index conflict in %s: chain index %d already exists", e.Operation, e.Index)
}

func (e IndexConflictError) IsConcurrencyError() bool {
	return true
}

// validateRecord rejects records missing fields every reader needs
func validateRecord(r LinkRecord) error {
	switch {
	case r.Timestamp == "":
		return fmt.Errorf("record %d: timestamp cannot be empty", r.Index)
	case r.ActionType == "":
		return fmt.Errorf("record %d: action type cannot be empty", r.Index)
	case r.ArtifactSignature == "":
		return fmt.Errorf("record %d: artifact signature cannot be empty", r.Index)
	case len(r.PreviousHash) != 64 || len(r.LockHash) != 64:
		return fmt.Errorf("record %d: hashes must be 64 hex characters", r.Index)
	}
	return nil
}
