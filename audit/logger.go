package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit sink configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	TenantID string                 `json:"tenant_id" yaml:"tenant_id"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog", "kafka"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	KafkaAuditType  ConfigType = "kafka"
	NoOp            ConfigType = ""
)

// Sink receives every link committed to the ledger.
// Emit is called after the link is durable; a failing sink never undoes a commit.
type Sink interface {
	Emit(event Event) error
	Close() error
}

// Querier is implemented by sinks that can read back what they emitted
type Querier interface {
	Query(options QueryOptions) (QueryResult, error)
}

// Event is the structured form of a committed chain link
type Event struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Index             uint64                 `json:"index"`
	Timestamp         time.Time              `json:"timestamp"`
	ActorIdentity     string                 `json:"actor_identity"`
	ActionType        string                 `json:"action_type"`
	ArtifactSignature string                 `json:"artifact_signature"`
	PreviousHash      string                 `json:"previous_hash"`
	LockHash          string                 `json:"lock_hash"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit events
type QueryOptions struct {
	TenantID   string
	Since      *time.Time
	Until      *time.Time
	ActionType string
	Actor      string
	FromIndex  *uint64
	Limit      int
	Offset     int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewSink creates an appropriate sink based on configuration
func NewSink(config *Config) (Sink, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case KafkaAuditType:
		return NewKafkaSinkFromConfig(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// matches checks if an event matches the query filters
func matches(event Event, options QueryOptions) bool {
	if options.TenantID != "" && event.TenantID != options.TenantID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.ActionType != "" && event.ActionType != options.ActionType {
		return false
	}
	if options.Actor != "" && event.ActorIdentity != options.Actor {
		return false
	}
	if options.FromIndex != nil && event.Index < *options.FromIndex {
		return false
	}
	return true
}

// page applies offset and limit to an ordered event list
func page(events []Event, options QueryOptions) ([]Event, bool) {
	start := options.Offset
	if start > len(events) {
		start = len(events)
	}
	end := len(events)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}
	return events[start:end], end < len(events)
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
