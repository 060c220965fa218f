// Package audit provides pluggable audit logging for vault operations.
// Events record what happened to which record or chain and whether it
// succeeded; they never carry payloads, hints are the only record content
// that may appear, and key material is never logged.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled bool                   `json:"enabled"`
	VaultID string                 `json:"vault_id"`
	Type    ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options map[string]interface{} `json:"options"` // Provider-specific options
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID            string                 `json:"id"`
	RequestID     string                 `json:"request_id"`
	Timestamp     time.Time              `json:"timestamp"`
	VaultID       string                 `json:"vault_id"`
	Action        string                 `json:"action"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	RecordID      string                 `json:"record_id,omitempty"`
	ChainID       string                 `json:"chain_id,omitempty"`
	TransactionID uint64                 `json:"transaction_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Duration      int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	VaultID  string
	Since    *time.Time
	Until    *time.Time
	Action   string
	Success  *bool // nil = all, true = only success, false = only failures
	RecordID string
	ChainID  string
	Limit    int
	Offset   int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// matches applies query filters to one event.
func matches(e Event, q QueryOptions) bool {
	if q.VaultID != "" && e.VaultID != q.VaultID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.RecordID != "" && e.RecordID != q.RecordID {
		return false
	}
	if q.ChainID != "" && e.ChainID != q.ChainID {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && e.Timestamp.After(*q.Until) {
		return false
	}
	return true
}

// paginate applies offset/limit to a filtered event set.
func paginate(events []Event, q QueryOptions) ([]Event, bool) {
	if q.Offset > 0 {
		if q.Offset >= len(events) {
			return []Event{}, false
		}
		events = events[q.Offset:]
	}
	if q.Limit > 0 && len(events) > q.Limit {
		return events[:q.Limit], true
	}
	return events, false
}
