package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

type ConfigType string

const (
	TypeFile   ConfigType = "file"
	TypeSQLite ConfigType = "sqlite"
	TypeNoOp   ConfigType = "noop"
)

// Config selects and configures an audit sink
type Config struct {
	Enabled  bool                   `json:"enabled"`
	TenantID string                 `json:"tenant_id"`
	Type     ConfigType             `json:"type"`
	Options  map[string]interface{} `json:"options"`
}

// Event is a single audit record emitted by the rotation engine
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	KeyID     string                 `json:"key_id,omitempty"`
	Purpose   string                 `json:"purpose,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions filters stored audit events
type QueryOptions struct {
	TenantID string
	Since    *time.Time
	Until    *time.Time
	Action   string
	Success  *bool
	KeyID    string
	Purpose  string
	DeviceID string
	Limit    int
	Offset   int
}

// QueryResult holds matched events plus paging information
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// Logger is the pluggable audit sink
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// NewLogger creates an audit logger from configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return NewNoOpLogger(), nil
	}

	switch config.Type {
	case TypeFile:
		return NewFileLogger(config)
	case TypeSQLite:
		return NewSQLiteLogger(config)
	case TypeNoOp, "":
		return NewNoOpLogger(), nil
	default:
		return nil, fmt.Errorf("unsupported audit logger type: %s", config.Type)
	}
}

// parseOptions maps the generic options map onto a typed options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	if err = json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return nil
}

// matchesFilter checks an event against query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.TenantID != "" && event.TenantID != options.TenantID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.KeyID != "" && event.KeyID != options.KeyID {
		return false
	}
	if options.Purpose != "" && event.Purpose != options.Purpose {
		return false
	}
	if options.DeviceID != "" && event.DeviceID != options.DeviceID {
		return false
	}
	return true
}
