package persist

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"southwinds.dev/veritas/internal/debug"
	"southwinds.dev/veritas/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions
)

// FileSystemStore implements LinkStore as an append-only JSON lines file per tenant.
// Appends hold an exclusive lock on the chain file, so several processes may
// share one directory without forking the chain.
//
// Layout:
//
//	basePath/
//	└── tenantID/
//	    ├── store.json    # store descriptor
//	    └── chain.jsonl   # one LinkRecord per line, ordered by index
type FileSystemStore struct {
	basePath    string
	tenantID    string
	tenantPath  string // basePath/tenantID/
	storeConfig string // basePath/tenantID/store.json
	chainFile   string // basePath/tenantID/chain.jsonl

	mu   sync.Mutex
	next uint64 // index the next record must carry
	size int64  // chain file size next was counted at, -1 when unknown
}

// StoreDescriptor identifies the chain owner and layout version
type StoreDescriptor struct {
	Version   string    `json:"version"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	Structure string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, tenantID string) (*FileSystemStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(basePath, tenantID)

	fs := &FileSystemStore{
		basePath:    basePath,
		tenantID:    tenantID,
		tenantPath:  tenantPath,
		storeConfig: filepath.Join(tenantPath, "store.json"),
		chainFile:   filepath.Join(tenantPath, "chain.jsonl"),
		size:        -1,
	}

	if err := os.MkdirAll(fs.tenantPath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fs.tenantPath, err)
	}

	if err := fs.initializeStoreConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, tenantID string) (*FileSystemStore, error) {
	basePath, ok := stringOption(config, "base_path")
	if !ok {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}
	return NewFileSystemStore(basePath, tenantID)
}

func (fs *FileSystemStore) initializeStoreConfig() error {
	exists, err := fileExists(fs.storeConfig)
	if err != nil || exists {
		return err
	}

	config := StoreDescriptor{
		Version:   "1.0.0",
		TenantID:  fs.tenantID,
		CreatedAt: time.Now().UTC(),
		Structure: "chain-v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return writeSecureFile(fs.storeConfig, data, FilePermissions)
}

// AppendLink appends a record as a single fsync'd line. The next index is
// recounted under the file lock whenever another writer has grown the file.
func (fs *FileSystemStore) AppendLink(ctx context.Context, record LinkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize link record: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := os.OpenFile(fs.chainFile, os.O_CREATE|os.O_RDWR|os.O_APPEND, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open chain file: %w", err)
	}
	defer file.Close()

	if err = lockFile(file, true); err != nil {
		return fmt.Errorf("failed to lock chain file: %w", err)
	}
	defer func() { _ = unlockFile(file) }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat chain file: %w", err)
	}
	size := info.Size()
	if size != fs.size {
		records, err := readRecords(io.NewSectionReader(file, 0, size))
		if err != nil {
			fs.size = -1
			return err
		}
		debug.Print("FileSystemStore.AppendLink: recounted %d records in %d bytes\n", len(records), size)
		fs.next, fs.size = uint64(len(records)), size
	}

	if record.Index < fs.next {
		return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
	}
	if record.Index > fs.next {
		return fmt.Errorf("index gap: expected %d, got %d", fs.next, record.Index)
	}

	if _, err = file.Write(line); err != nil {
		return fs.rollback(file, size, fmt.Errorf("failed to write link record: %w", err))
	}
	if err = file.Sync(); err != nil {
		return fs.rollback(file, size, fmt.Errorf("failed to sync chain file: %w", err))
	}

	fs.next++
	fs.size = size + int64(len(line))
	return nil
}

// rollback cuts the chain file back to size so a failed append leaves no
// partial or unsynced record behind. Caller holds the file lock.
func (fs *FileSystemStore) rollback(file *os.File, size int64, cause error) error {
	fs.size = -1
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("%w (truncate failed: %v)", cause, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w (sync after truncate failed: %v)", cause, err)
	}
	return cause
}

// LoadLinks reads every record from the chain file
func (fs *FileSystemStore) LoadLinks(ctx context.Context) ([]LinkRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := os.Open(fs.chainFile)
	if err != nil {
		if os.IsNotExist(err) {
			fs.next, fs.size = 0, -1
			return []LinkRecord{}, nil
		}
		return nil, fmt.Errorf("failed to open chain file: %w", err)
	}
	defer file.Close()

	if err = lockFile(file, false); err != nil {
		return nil, fmt.Errorf("failed to lock chain file: %w", err)
	}
	defer func() { _ = unlockFile(file) }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat chain file: %w", err)
	}
	records, err := readRecords(io.NewSectionReader(file, 0, info.Size()))
	if err != nil {
		return nil, err
	}
	fs.next, fs.size = uint64(len(records)), info.Size()
	return records, nil
}

func readRecords(r io.Reader) ([]LinkRecord, error) {
	records := []LinkRecord{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record LinkRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("corrupt chain record on line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading chain file: %w", err)
	}
	return records, nil
}

// GetType returns the store type
func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the tenant directory is still reachable
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.tenantPath)
	if err != nil {
		return fmt.Errorf("store path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", fs.tenantPath)
	}
	return nil
}

// Close implements LinkStore; files are opened per append so nothing is held
func (fs *FileSystemStore) Close() error {
	return nil
}

// ChainPath exposes the chain file location for operators and tests
func (fs *FileSystemStore) ChainPath() string {
	return fs.chainFile
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
