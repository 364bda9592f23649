package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"sync"
)

// Ensure SyslogLogger implements Sink interface
var _ Sink = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// syslogWriter is the subset of *syslog.Writer used by the sink
type syslogWriter interface {
	Info(m string) error
	Notice(m string) error
	Warning(m string) error
	Close() error
}

// SyslogLogger forwards committed links to syslog as JSON
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	mu         sync.Mutex
	writer     syslogWriter
}

// NewSyslogLogger creates a new syslog sink with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_AUTH)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTH)
		}
	}

	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "veritas-chain"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return newSyslogLogger(config, syslogOpts, writer), nil
}

func newSyslogLogger(config *Config, opts SyslogOptions, writer syslogWriter) *SyslogLogger {
	return &SyslogLogger{
		config:     config,
		syslogOpts: opts,
		writer:     writer,
	}
}

// Emit implements the Sink interface
func (s *SyslogLogger) Emit(event Event) error {
	if event.TenantID == "" {
		event.TenantID = s.config.TenantID
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	// prefix for easy filtering on the collector side
	logMessage := fmt.Sprintf("VERITAS_CHAIN: %s", string(eventJSON))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	switch {
	case IsSecurityException(event.ActionType):
		return s.writer.Warning(logMessage)
	case isKeyLifecycleAction(event.ActionType):
		return s.writer.Notice(logMessage)
	default:
		return s.writer.Info(logMessage)
	}
}

func (s *SyslogLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// IsSecurityException reports whether the action records a failure of the system itself
func IsSecurityException(action string) bool {
	return action == "SECURITY_EXCEPTION"
}

func isKeyLifecycleAction(action string) bool {
	switch action {
	case "KEY_SHRED", "LEDGER_RESUME":
		return true
	}
	return false
}
