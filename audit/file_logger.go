package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileLogger writes every committed link as one JSON line
type FileLogger struct {
	tenantID   string
	file       *os.File
	mu         sync.RWMutex
	config     *Config
	eventCache []Event // Recent events cache for faster queries
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath  string `json:"file_path"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// NewFileLogger creates a new file-based audit sink
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.CacheSize <= 0 {
		fileOpts.CacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		tenantID:   config.TenantID,
		file:       file,
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  fileOpts.CacheSize,
	}, nil
}

// Emit implements the Sink interface
func (fl *FileLogger) Emit(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TenantID == "" {
		event.TenantID = fl.tenantID
	}
	return fl.writeEvent(event)
}

// writeEvent writes an event to the log file in JSONL format and updates cache
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)
	return nil
}

// updateCache adds event to cache and maintains size limit
func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Querier interface. Results are ordered by chain index.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return fl.queryEvents(fl.eventCache, len(fl.eventCache), options), nil
	}

	events, total, err := fl.readEventsFromFile(fl.fileOpts.FilePath, options)
	if err != nil {
		return QueryResult{}, err
	}
	return fl.queryEvents(events, total, options), nil
}

// canUseCacheForQuery determines if the cache holds every event the query could match
func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 || options.FromIndex == nil {
		return false
	}
	return *options.FromIndex >= fl.eventCache[0].Index
}

func (fl *FileLogger) queryEvents(source []Event, total int, options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range source {
		if matches(event, options) {
			filtered = append(filtered, event)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Index < filtered[j].Index
	})

	result, hasMore := page(filtered, options)
	return QueryResult{
		Events:     result,
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}
}

// readEventsFromFile reads every event from the audit file
func (fl *FileLogger) readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			return nil, totalCount, fmt.Errorf("corrupt audit line %d: %w", totalCount, err)
		}
		events = append(events, event)
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// Close implements the Sink interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}
